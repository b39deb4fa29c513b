// Package mapper turns detector signals into concrete remediation
// actions. The mapping is pure: replica lookups happen in the loop
// manager before a signal reaches here.
package mapper

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smartops/remediator/internal/action"
	"github.com/smartops/remediator/internal/cluster"
	"github.com/smartops/remediator/internal/signal"
)

// causeMemoryLeak is the one RCA cause that restarts instead of
// patching: a leaking process needs a fresh start, not a config nudge.
const causeMemoryLeak = "memory_leak"

// minConfidence is the probability floor below which an RCA top cause
// is considered too uncertain to act on.
const minConfidence = 0.5

// Mapper resolves signals to actions for a fixed namespace.
type Mapper struct {
	Namespace string
	Resolver  cluster.NameResolver
}

// New builds a Mapper.
func New(namespace string, resolver cluster.NameResolver) *Mapper {
	return &Mapper{Namespace: namespace, Resolver: resolver}
}

// MapAnomaly maps an anomaly signal. The boolean is false when the
// signal does not warrant an action.
func (m *Mapper) MapAnomaly(a signal.Anomaly, currentReplicas int, now time.Time) (action.Request, bool) {
	if !a.IsAnomaly {
		return action.Request{}, false
	}

	target := m.target(a.Service)
	switch a.Category {
	case signal.CategoryResource:
		req := m.newRequest(action.TypeScale, target,
			fmt.Sprintf("resource anomaly on %s (window %s, score %.2f)", a.Service, a.WindowID, a.Score), now)
		req.Scale = &action.ScaleParams{Replicas: currentReplicas + 1}
		return req, true
	case signal.CategoryLatency, signal.CategoryError:
		req := m.newRequest(action.TypeRestart, target,
			fmt.Sprintf("%s anomaly on %s (window %s, score %.2f)", a.Category, a.Service, a.WindowID, a.Score), now)
		return req, true
	default:
		return action.Request{}, false
	}
}

// MapRCA maps a root-cause signal off its highest-probability cause.
func (m *Mapper) MapRCA(r signal.RCA, now time.Time) (action.Request, bool) {
	top, ok := r.TopCause()
	if !ok || top.Probability < minConfidence {
		return action.Request{}, false
	}

	svc := top.Service
	if svc == "" {
		svc = r.Service
	}
	target := m.target(svc)

	if top.Cause == causeMemoryLeak {
		req := m.newRequest(action.TypeRestart, target,
			fmt.Sprintf("rca %s on %s (window %s, p=%.2f)", top.Cause, svc, r.WindowID, top.Probability), now)
		return req, true
	}

	req := m.newRequest(action.TypePatch, target,
		fmt.Sprintf("rca %s on %s (window %s, p=%.2f)", top.Cause, svc, r.WindowID, top.Probability), now)
	req.Patch = remediationPatch(top.Cause, now)
	return req, true
}

// Target resolves a service name to its deployment target.
func (m *Mapper) Target(service string) action.Target {
	return m.target(service)
}

func (m *Mapper) target(service string) action.Target {
	return action.Target{
		Kind:      "Deployment",
		Namespace: m.Namespace,
		Name:      m.Resolver.Resolve(service),
	}
}

func (m *Mapper) newRequest(t action.Type, target action.Target, reason string, now time.Time) action.Request {
	return action.Request{
		ID:        uuid.NewString(),
		Type:      t,
		Target:    target,
		Reason:    reason,
		Source:    "closed-loop",
		Verify:    true,
		CreatedAt: now,
	}
}

// remediationPatch annotates the workload with the diagnosed cause so
// operators and downstream automation can see why it was touched.
func remediationPatch(cause string, now time.Time) json.RawMessage {
	doc := map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{
				"smartops.io/remediation-cause": cause,
				"smartops.io/remediated-at":     now.UTC().Format(time.RFC3339),
			},
		},
	}
	raw, _ := json.Marshal(doc)
	return raw
}
