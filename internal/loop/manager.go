// Package loop runs the closed remediation loop: signals come in,
// actions go out, guardrails sit in between.
package loop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smartops/remediator/internal/action"
	"github.com/smartops/remediator/internal/audit"
	"github.com/smartops/remediator/internal/cluster"
	"github.com/smartops/remediator/internal/dispatch"
	"github.com/smartops/remediator/internal/guardrail"
	"github.com/smartops/remediator/internal/mapper"
	"github.com/smartops/remediator/internal/policy"
	"github.com/smartops/remediator/internal/signal"
	"github.com/smartops/remediator/internal/verify"
)

// ReasonPolicyDenied marks actions refused by the policy checker.
const ReasonPolicyDenied = "POLICY_DENIED"

// Options wires a Manager's collaborators.
type Options struct {
	Logger     *zap.Logger
	Cluster    cluster.Controller
	Mapper     *mapper.Mapper
	Guardrails *guardrail.Evaluator
	Dispatcher *dispatch.Dispatcher
	Verifier   *verify.Verifier
	Policy     policy.Checker
	Audit      *audit.Log
	Signals    *signal.Store
	Metrics    *Metrics

	QueueCapacity int
	Workers       int
	DryRun        bool
}

// Manager owns the signal queue, the worker pool, and the per-target
// serialization that makes guardrail decisions race-free.
type Manager struct {
	log      *zap.Logger
	ctrl     cluster.Controller
	mapper   *mapper.Mapper
	guard    *guardrail.Evaluator
	disp     *dispatch.Dispatcher
	verifier *verify.Verifier
	pol      policy.Checker
	audit    *audit.Log
	store    *signal.Store
	metrics  *Metrics

	queue   chan signal.Signal
	keys    *keyedMutex
	workers int
	dryRun  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	blocked   atomic.Uint64
	dropped   atomic.Uint64
}

// NewManager builds a Manager. Zero QueueCapacity and Workers fall
// back to 1000 and 4.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Policy == nil {
		opts.Policy = policy.AllowAll{}
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Manager{
		log:      opts.Logger,
		ctrl:     opts.Cluster,
		mapper:   opts.Mapper,
		guard:    opts.Guardrails,
		disp:     opts.Dispatcher,
		verifier: opts.Verifier,
		pol:      opts.Policy,
		audit:    opts.Audit,
		store:    opts.Signals,
		metrics:  opts.Metrics,
		queue:    make(chan signal.Signal, opts.QueueCapacity),
		keys:     newKeyedMutex(),
		workers:  opts.Workers,
		dryRun:   opts.DryRun,
	}
}

// Start launches the worker pool. Stop drains in-flight work.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	m.log.Info("closed loop started",
		zap.Int("workers", m.workers),
		zap.Int("queue_capacity", cap(m.queue)),
		zap.Bool("dry_run", m.dryRun))
}

// Stop cancels the workers and waits for them to finish their current
// action.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// SubmitAnomaly stores and enqueues an anomaly signal. It never
// blocks: a full queue drops the signal and reports false.
func (m *Manager) SubmitAnomaly(a signal.Anomaly) bool {
	if m.store != nil {
		m.store.AddAnomaly(a)
	}
	return m.enqueue(a, "anomaly")
}

// SubmitRCA stores and enqueues a root-cause signal.
func (m *Manager) SubmitRCA(r signal.RCA) bool {
	if m.store != nil {
		m.store.AddRCA(r)
	}
	return m.enqueue(r, "rca")
}

func (m *Manager) enqueue(sig signal.Signal, kind string) bool {
	select {
	case m.queue <- sig:
		if m.metrics != nil {
			m.metrics.Signals.WithLabelValues(kind).Inc()
			m.metrics.QueueDepth.Set(float64(len(m.queue)))
		}
		return true
	default:
		m.dropped.Add(1)
		if m.metrics != nil {
			m.metrics.SignalsDropped.Inc()
		}
		m.log.Warn("signal queue full, dropping",
			zap.String("kind", kind),
			zap.String("service", sig.TargetService()),
			zap.String("window", sig.Window()))
		return false
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-m.queue:
			if m.metrics != nil {
				m.metrics.QueueDepth.Set(float64(len(m.queue)))
			}
			m.process(ctx, sig)
		}
	}
}

func (m *Manager) process(ctx context.Context, sig signal.Signal) {
	now := time.Now().UTC()
	var (
		req action.Request
		ok  bool
	)
	switch s := sig.(type) {
	case signal.Anomaly:
		current, err := m.replicasFor(ctx, s.Service)
		if err != nil {
			m.log.Warn("replica lookup failed, skipping signal",
				zap.String("service", s.Service),
				zap.Error(err))
			return
		}
		req, ok = m.mapper.MapAnomaly(s, current, now)
	case signal.RCA:
		req, ok = m.mapper.MapRCA(s, now)
	default:
		m.log.Warn("unknown signal kind", zap.String("kind", string(sig.SignalKind())))
		return
	}
	if !ok {
		m.log.Debug("signal mapped to no action",
			zap.String("service", sig.TargetService()),
			zap.String("window", sig.Window()))
		return
	}
	m.execute(ctx, req)
}

// replicasFor reads the current desired replica count for a service's
// deployment.
func (m *Manager) replicasFor(ctx context.Context, service string) (int, error) {
	t := m.mapper.Target(service)
	st, err := m.ctrl.GetStatus(ctx, t.Namespace, t.Name)
	if err != nil {
		return 0, err
	}
	return st.Desired, nil
}

// ExecuteDirect runs an action through the full pipeline synchronously
// and returns its outcome. The direct API path uses it so manual
// actions face the same guardrails as loop-originated ones.
func (m *Manager) ExecuteDirect(ctx context.Context, req action.Request) (action.Outcome, error) {
	if err := req.Validate(); err != nil {
		return action.Outcome{}, err
	}
	return m.execute(ctx, req), nil
}

// execute holds the target's key lock across the guardrail decision,
// history recording, dispatch, and verification. That single hold is
// what makes check-then-record atomic and keeps one target's actions
// strictly ordered.
func (m *Manager) execute(ctx context.Context, req action.Request) action.Outcome {
	key := req.Target.Key()
	m.keys.Lock(key)
	defer m.keys.Unlock(key)

	started := time.Now().UTC()
	out := action.Outcome{
		RequestID: req.ID,
		Action:    req,
		StartedAt: started,
	}

	defer func() {
		out.FinishedAt = time.Now().UTC()
		m.record(ctx, &out)
	}()

	allowed, reason, err := m.pol.Allow(ctx, req)
	if err != nil {
		out.Status = action.StatusFailed
		out.LastError = fmt.Sprintf("policy check: %v", err)
		return out
	}
	if !allowed {
		out.Status = action.StatusSkippedGuardrail
		out.ReasonCode = ReasonPolicyDenied
		out.LastError = reason
		return out
	}

	current := 0
	if req.Type == action.TypeScale {
		st, err := m.ctrl.GetStatus(ctx, req.Target.Namespace, req.Target.Name)
		if err != nil {
			out.Status = action.StatusFailed
			out.Attempts = 1
			out.LastError = err.Error()
			return out
		}
		current = st.Desired
	}

	now := time.Now().UTC()
	dec := m.guard.Evaluate(req, current, now)
	if !dec.Allowed {
		m.blocked.Add(1)
		if m.metrics != nil {
			m.metrics.GuardrailBlocks.WithLabelValues(string(dec.Reason)).Inc()
		}
		m.log.Info("action blocked by guardrail",
			zap.String("action_id", req.ID),
			zap.String("target", key),
			zap.String("reason", string(dec.Reason)),
			zap.String("detail", dec.Message))
		if dec.Reason == guardrail.ReasonCooldown {
			out.Status = action.StatusSkippedCooldown
		} else {
			out.Status = action.StatusSkippedGuardrail
		}
		out.ReasonCode = string(dec.Reason)
		out.LastError = dec.Message
		return out
	}
	m.guard.RecordAction(req, current, now)

	if m.dryRun {
		req.DryRun = true
		out.Action = req
	}

	attempts, err := m.disp.Execute(ctx, req)
	out.Attempts = attempts
	if err != nil {
		out.Status = action.StatusFailed
		out.LastError = err.Error()
		return out
	}

	if req.Verify && !req.DryRun && m.verifier != nil {
		minDesired := 0
		if req.Type == action.TypeScale && req.Scale != nil {
			minDesired = req.Scale.Replicas
		}
		res := m.verifier.Verify(ctx, req.Target.Namespace, req.Target.Name, minDesired, 0, 0)
		out.Verification = &res
		switch res.State {
		case verify.StateFailed:
			out.Status = action.StatusFailed
			out.LastError = fmt.Sprintf("verification %s: %s", res.State, res.LastError)
			return out
		case verify.StateTimedOut:
			// The mutation went through; only confirmation is missing.
			out.Status = action.StatusTimedOut
			out.LastError = fmt.Sprintf("verification %s", res.State)
			return out
		}
	}

	out.Status = action.StatusSuccess
	return out
}

func (m *Manager) record(ctx context.Context, out *action.Outcome) {
	m.processed.Add(1)
	switch out.Status {
	case action.StatusSuccess:
		m.succeeded.Add(1)
	case action.StatusFailed:
		m.failed.Add(1)
	}
	if m.metrics != nil {
		m.metrics.Actions.WithLabelValues(string(out.Action.Type), string(out.Status)).Inc()
		m.metrics.ActionDuration.WithLabelValues(string(out.Action.Type)).
			Observe(out.FinishedAt.Sub(out.StartedAt).Seconds())
	}
	if m.audit != nil {
		m.audit.Record(ctx, *out)
	}
	m.log.Info("action finished",
		zap.String("action_id", out.RequestID),
		zap.String("type", string(out.Action.Type)),
		zap.String("target", out.Action.Target.Key()),
		zap.String("status", string(out.Status)),
		zap.Int("attempts", out.Attempts))
}

// Status is the loop view served by the status endpoint.
type Status struct {
	QueueDepth    int                `json:"queueDepth"`
	QueueCapacity int                `json:"queueCapacity"`
	Workers       int                `json:"workers"`
	DryRun        bool               `json:"dryRun"`
	Processed     uint64             `json:"processed"`
	Succeeded     uint64             `json:"succeeded"`
	Failed        uint64             `json:"failed"`
	Blocked       uint64             `json:"blocked"`
	Dropped       uint64             `json:"dropped"`
	Guardrails    guardrail.Snapshot `json:"guardrails"`
}

// Status reports current loop state.
func (m *Manager) Status() Status {
	return Status{
		QueueDepth:    len(m.queue),
		QueueCapacity: cap(m.queue),
		Workers:       m.workers,
		DryRun:        m.dryRun,
		Processed:     m.processed.Load(),
		Succeeded:     m.succeeded.Load(),
		Failed:        m.failed.Load(),
		Blocked:       m.blocked.Load(),
		Dropped:       m.dropped.Load(),
		Guardrails:    m.guard.Snapshot(time.Now().UTC()),
	}
}
