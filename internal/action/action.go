// Package action defines remediation action requests and their
// recorded outcomes.
package action

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smartops/remediator/internal/verify"
)

// Type enumerates the remediation actions the controller can take.
type Type string

const (
	TypeScale   Type = "scale"
	TypeRestart Type = "restart"
	TypePatch   Type = "patch"
)

// ParseType validates a wire-level action type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeScale, TypeRestart, TypePatch:
		return Type(s), nil
	}
	return "", fmt.Errorf("action: unknown type %q", s)
}

// Target identifies the workload an action operates on.
type Target struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// Key is the identity actions are serialized and rate-limited on.
func (t Target) Key() string {
	return t.Namespace + "/" + t.Name + "/" + t.Kind
}

// ScaleParams carries the desired replica count for a scale action.
type ScaleParams struct {
	Replicas int `json:"replicas"`
}

// Request is a fully resolved remediation action, ready for the
// guardrail gate and dispatcher.
type Request struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Target    Target          `json:"target"`
	Scale     *ScaleParams    `json:"scale,omitempty"`
	Patch     json.RawMessage `json:"patch,omitempty"`
	Reason    string          `json:"reason"`
	Source    string          `json:"source,omitempty"`
	DryRun    bool            `json:"dryRun"`
	Verify    bool            `json:"verify"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewRequest stamps identity and creation time onto an action.
func NewRequest(t Type, target Target, reason string) Request {
	return Request{
		ID:        uuid.NewString(),
		Type:      t,
		Target:    target,
		Reason:    reason,
		Verify:    true,
		CreatedAt: time.Now().UTC(),
	}
}

// Delta returns the replica delta a scale request implies relative to
// the given current count. Non-scale requests have zero delta.
func (r Request) Delta(current int) int {
	if r.Type != TypeScale || r.Scale == nil {
		return 0
	}
	return r.Scale.Replicas - current
}

// Validate rejects structurally broken requests before they reach the
// queue.
func (r Request) Validate() error {
	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}
	if r.Target.Name == "" {
		return fmt.Errorf("action: target name required")
	}
	if r.Target.Namespace == "" {
		return fmt.Errorf("action: target namespace required")
	}
	if r.Type == TypeScale && r.Scale == nil {
		return fmt.Errorf("action: scale request missing replica count")
	}
	if r.Type == TypePatch && len(r.Patch) == 0 {
		return fmt.Errorf("action: patch request missing document")
	}
	return nil
}

// DispatchStatus is the terminal state of a processed action.
type DispatchStatus string

const (
	StatusSuccess          DispatchStatus = "SUCCESS"
	StatusFailed           DispatchStatus = "FAILED"
	StatusSkippedGuardrail DispatchStatus = "SKIPPED_GUARDRAIL"
	StatusSkippedCooldown  DispatchStatus = "SKIPPED_COOLDOWN"
	// StatusTimedOut marks an applied action whose rollout never
	// confirmed inside the verification window. Neither a success nor
	// a hard failure; alerting treats it separately.
	StatusTimedOut DispatchStatus = "TIMED_OUT"
)

// Outcome records what happened to an action end to end.
type Outcome struct {
	RequestID    string          `json:"requestId"`
	Action       Request         `json:"action"`
	Status       DispatchStatus  `json:"status"`
	ReasonCode   string          `json:"reasonCode,omitempty"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"lastError,omitempty"`
	Verification *verify.Result  `json:"verification,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
}
