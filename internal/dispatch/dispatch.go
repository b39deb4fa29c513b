// Package dispatch executes remediation actions against the cluster
// with bounded retries and exponential backoff.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smartops/remediator/internal/action"
	"github.com/smartops/remediator/internal/cluster"
)

// RetryPolicy controls the dispatch retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy matches the controller defaults: up to three
// attempts, backoff starting at one second and doubling, capped at
// ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
}

// Option mutates a RetryPolicy.
type Option func(*RetryPolicy)

// WithMaxAttempts sets the attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(p *RetryPolicy) { p.MaxAttempts = n }
}

// WithBackoff sets the starting and maximum backoff.
func WithBackoff(base, max time.Duration) Option {
	return func(p *RetryPolicy) { p.BaseBackoff = base; p.MaxBackoff = max }
}

// Dispatcher runs actions against a Controller.
type Dispatcher struct {
	ctrl    cluster.Controller
	log     *zap.Logger
	policy  RetryPolicy
	metrics *Metrics
}

// New builds a Dispatcher. metrics may be nil when the caller does not
// collect any.
func New(ctrl cluster.Controller, log *zap.Logger, metrics *Metrics, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	p := DefaultRetryPolicy()
	for _, opt := range opts {
		opt(&p)
	}
	return &Dispatcher{ctrl: ctrl, log: log, policy: p, metrics: metrics}
}

// Execute performs the cluster mutation for a request. It returns the
// number of attempts made; dry-run requests make none. Permanent
// errors are returned after the first attempt, transient ones are
// retried until the policy is exhausted.
func (d *Dispatcher) Execute(ctx context.Context, req action.Request) (int, error) {
	if req.DryRun {
		d.log.Info("dry run, skipping dispatch",
			zap.String("action_id", req.ID),
			zap.String("type", string(req.Type)),
			zap.String("target", req.Target.Key()))
		return 0, nil
	}

	var lastErr error
	backoff := d.policy.BaseBackoff
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		start := time.Now()
		err := d.apply(ctx, req)
		d.observe(req.Type, start, err)

		if err == nil {
			if attempt > 1 {
				d.log.Info("dispatch succeeded after retry",
					zap.String("action_id", req.ID),
					zap.Int("attempt", attempt))
			}
			return attempt, nil
		}
		lastErr = err

		if !cluster.IsTransient(err) {
			d.log.Warn("dispatch failed permanently",
				zap.String("action_id", req.ID),
				zap.String("target", req.Target.Key()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return attempt, err
		}
		if attempt == d.policy.MaxAttempts {
			break
		}

		if d.metrics != nil {
			d.metrics.Retries.WithLabelValues(string(req.Type)).Inc()
		}
		d.log.Warn("dispatch attempt failed, backing off",
			zap.String("action_id", req.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.policy.MaxBackoff {
			backoff = d.policy.MaxBackoff
		}
	}
	return d.policy.MaxAttempts, fmt.Errorf("dispatch: %d attempts exhausted: %w", d.policy.MaxAttempts, lastErr)
}

func (d *Dispatcher) apply(ctx context.Context, req action.Request) error {
	ns, name := req.Target.Namespace, req.Target.Name
	switch req.Type {
	case action.TypeScale:
		return d.ctrl.Scale(ctx, ns, name, req.Scale.Replicas)
	case action.TypeRestart:
		return d.ctrl.Restart(ctx, ns, name)
	case action.TypePatch:
		return d.ctrl.Patch(ctx, ns, name, req.Patch)
	default:
		return fmt.Errorf("dispatch: unknown action type %q", req.Type)
	}
}

func (d *Dispatcher) observe(t action.Type, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	d.metrics.Operations.WithLabelValues(string(t), result).Inc()
	d.metrics.Duration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
}
