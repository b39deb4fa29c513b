// Package verify polls deployment status after a remediation action
// until the rollout converges, times out, or the cluster stops
// answering.
package verify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smartops/remediator/internal/cluster"
)

// State is the terminal classification of a verification run.
type State string

const (
	StateSuccess  State = "SUCCESS"
	StateTimedOut State = "TIMED_OUT"
	StateFailed   State = "FAILED"
)

// Result captures what the verifier observed.
type Result struct {
	State      State          `json:"state"`
	Observed   cluster.Status `json:"observed"`
	Polls      int            `json:"polls"`
	Elapsed    time.Duration  `json:"elapsedMs"`
	LastError  string         `json:"lastError,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// maxConsecutiveReadErrors is how many status polls may fail back to
// back before the run is abandoned as FAILED.
const maxConsecutiveReadErrors = 3

// Verifier polls a Controller for rollout convergence.
type Verifier struct {
	ctrl cluster.Controller
	log  *zap.Logger

	// PollInterval and Timeout apply when the caller passes zero values.
	PollInterval time.Duration
	Timeout      time.Duration
}

// New builds a Verifier with the given defaults.
func New(ctrl cluster.Controller, log *zap.Logger, pollInterval, timeout time.Duration) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Verifier{ctrl: ctrl, log: log, PollInterval: pollInterval, Timeout: timeout}
}

// Verify blocks until the named deployment reports desired == ready ==
// available with desired >= minDesired, or the run terminates. A
// cancelled context yields a TIMED_OUT result carrying the last
// observed status. An immediate first poll runs before any sleep so a
// converged deployment verifies without waiting a full interval.
func (v *Verifier) Verify(ctx context.Context, namespace, name string, minDesired int, pollInterval, timeout time.Duration) Result {
	if pollInterval <= 0 {
		pollInterval = v.PollInterval
	}
	if timeout <= 0 {
		timeout = v.Timeout
	}

	started := time.Now()
	res := Result{State: StateTimedOut, StartedAt: started}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	consecutiveErrs := 0
	for {
		res.Polls++
		st, err := v.ctrl.GetStatus(ctx, namespace, name)
		if err != nil {
			consecutiveErrs++
			res.LastError = err.Error()
			v.log.Warn("verification poll failed",
				zap.String("deployment", name),
				zap.String("namespace", namespace),
				zap.Int("consecutive_errors", consecutiveErrs),
				zap.Error(err))
			if consecutiveErrs >= maxConsecutiveReadErrors {
				res.State = StateFailed
				break
			}
		} else {
			consecutiveErrs = 0
			res.Observed = st
			res.LastError = ""
			if cond, bad := failureCondition(st); bad {
				res.State = StateFailed
				res.LastError = fmt.Sprintf("rollout failing: %s: %s", cond.Reason, cond.Message)
				break
			}
			if converged(st, minDesired) {
				res.State = StateSuccess
				break
			}
		}

		select {
		case <-ctx.Done():
			res.State = StateTimedOut
			res.FinishedAt = time.Now()
			res.Elapsed = res.FinishedAt.Sub(started)
			return res
		case <-ticker.C:
		}
	}

	res.FinishedAt = time.Now()
	res.Elapsed = res.FinishedAt.Sub(started)
	v.log.Info("verification finished",
		zap.String("deployment", name),
		zap.String("namespace", namespace),
		zap.String("state", string(res.State)),
		zap.Int("polls", res.Polls),
		zap.Duration("elapsed", res.Elapsed))
	return res
}

// failureCondition reports a status condition that makes waiting
// pointless, e.g. the replica set can no longer create pods.
func failureCondition(st cluster.Status) (cluster.Condition, bool) {
	for _, c := range st.Conditions {
		if c.Type == "ReplicaFailure" && c.Status == "True" {
			return c, true
		}
	}
	return cluster.Condition{}, false
}

func converged(st cluster.Status, minDesired int) bool {
	if minDesired > 0 && st.Desired < minDesired {
		return false
	}
	return st.Desired > 0 && st.Ready >= st.Desired && st.Available >= st.Desired
}
