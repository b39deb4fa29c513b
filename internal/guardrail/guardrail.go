// Package guardrail gates remediation actions behind safety rules:
// replica bounds, per-target cooldown, an hourly action cap, and a
// scale-velocity cap. Rules evaluate in a fixed order and the first
// violation wins.
package guardrail

import (
	"fmt"
	"time"

	"github.com/smartops/remediator/internal/action"
)

// ReasonCode is the machine-readable identifier for a blocked action.
type ReasonCode string

const (
	ReasonReplicaCeiling ReasonCode = "REPLICA_CEILING"
	ReasonCooldown       ReasonCode = "COOLDOWN"
	ReasonRateLimit      ReasonCode = "RATE_LIMIT"
	ReasonScaleVelocity  ReasonCode = "SCALE_VELOCITY"
)

// Limits are the configured guardrail thresholds.
type Limits struct {
	MaxReplicas           int
	MinReplicas           int
	Cooldown              time.Duration
	MaxActionsPerHour     int
	MaxScaleDeltaPer15Min int
}

// Decision is the outcome of a guardrail evaluation.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  ReasonCode `json:"reasonCode,omitempty"`
	Message string     `json:"message,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func block(code ReasonCode, format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: code, Message: fmt.Sprintf(format, args...)}
}

// Evaluator applies the rules against a Tracker's recorded history.
type Evaluator struct {
	limits  Limits
	tracker *Tracker
}

// New builds an Evaluator over a fresh Tracker.
func New(limits Limits) *Evaluator {
	return &Evaluator{limits: limits, tracker: NewTracker(defaultKeyCap, limits.Cooldown)}
}

// Limits returns the configured thresholds.
func (e *Evaluator) Limits() Limits { return e.limits }

// Evaluate checks an action against every rule in order. It does not
// record the action; callers record only after the action is actually
// admitted, under the same lock that serializes the target.
func (e *Evaluator) Evaluate(req action.Request, currentReplicas int, now time.Time) Decision {
	// Both bounds report REPLICA_CEILING: one code for any replica
	// request outside the allowed range.
	if req.Type == action.TypeScale && req.Scale != nil {
		if req.Scale.Replicas > e.limits.MaxReplicas || req.Scale.Replicas < e.limits.MinReplicas {
			return block(ReasonReplicaCeiling, "requested %d replicas outside [%d, %d]",
				req.Scale.Replicas, e.limits.MinReplicas, e.limits.MaxReplicas)
		}
	}

	if last, ok := e.tracker.LastAction(req, now); ok {
		if since := now.Sub(last); since < e.limits.Cooldown {
			return block(ReasonCooldown, "target in cooldown for another %s",
				(e.limits.Cooldown - since).Round(time.Second))
		}
	}

	if n := e.tracker.ActionsInWindow(req.Target, req.Type, now, time.Hour); n >= e.limits.MaxActionsPerHour {
		return block(ReasonRateLimit, "%d actions in the last hour, cap is %d",
			n, e.limits.MaxActionsPerHour)
	}

	if req.Type == action.TypeScale && req.Scale != nil {
		delta := req.Scale.Replicas - currentReplicas
		if delta > 0 {
			recent := e.tracker.ScaleDeltaInWindow(req.Target, now, 15*time.Minute)
			if recent+delta > e.limits.MaxScaleDeltaPer15Min {
				return block(ReasonScaleVelocity, "scale-up of %d on top of %d in 15m exceeds cap %d",
					delta, recent, e.limits.MaxScaleDeltaPer15Min)
			}
		}
	}

	return allow()
}

// RecordAction stores an admitted action in the history tracker.
func (e *Evaluator) RecordAction(req action.Request, currentReplicas int, now time.Time) {
	e.tracker.Record(req, currentReplicas, now)
}

// Snapshot exposes tracker state for the status endpoint.
func (e *Evaluator) Snapshot(now time.Time) Snapshot {
	return e.tracker.Snapshot(now)
}
