// Package cluster defines the boundary between the remediation
// controller and whatever actually runs the workloads. The controller
// never links a real orchestrator client; it talks to this interface
// and the deployment wires in an implementation.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Condition mirrors a deployment status condition.
type Condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Status is a point-in-time snapshot of a deployment's rollout state.
type Status struct {
	Desired    int         `json:"desired"`
	Ready      int         `json:"ready"`
	Available  int         `json:"available"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Deployment is a listing entry.
type Deployment struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Replicas  int               `json:"replicas"`
	Ready     int               `json:"ready"`
	Available int               `json:"available"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Pod is a listing entry.
type Pod struct {
	Name     string `json:"name"`
	Phase    string `json:"phase"`
	Node     string `json:"node,omitempty"`
	Ready    bool   `json:"ready"`
	Restarts int    `json:"restarts"`
}

// Controller is the cluster control interface. All calls are
// namespace-scoped; implementations must never be handed
// cross-namespace credentials.
type Controller interface {
	Scale(ctx context.Context, namespace, name string, replicas int) error
	// Restart triggers a rolling restart, semantically equivalent to
	// bumping the pod-template restartedAt annotation.
	Restart(ctx context.Context, namespace, name string) error
	Patch(ctx context.Context, namespace, name string, doc json.RawMessage) error
	GetStatus(ctx context.Context, namespace, name string) (Status, error)
	ListDeployments(ctx context.Context, namespace string) ([]Deployment, error)
	ListPods(ctx context.Context, namespace, selector string) ([]Pod, error)
	DeletePod(ctx context.Context, namespace, name string) error
}

// ErrorKind buckets cluster API failures into the retry taxonomy the
// dispatcher cares about.
type ErrorKind string

const (
	KindNotFound    ErrorKind = "not_found"
	KindForbidden   ErrorKind = "forbidden"
	KindInvalid     ErrorKind = "invalid"
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
)

// Error is a typed cluster API failure.
type Error struct {
	Kind     ErrorKind
	Op       string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cluster: %s %s: %s: %v", e.Op, e.Resource, e.Kind, e.Err)
	}
	return fmt.Sprintf("cluster: %s %s: %s", e.Op, e.Resource, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed cluster error.
func NewError(kind ErrorKind, op, resource string, err error) *Error {
	return &Error{Kind: kind, Op: op, Resource: resource, Err: err}
}

// IsTransient reports whether an error is worth retrying. Timeouts and
// unavailability are transient; everything else fails fast.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindTimeout || ce.Kind == KindUnavailable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether an error is a missing-resource failure.
func IsNotFound(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindNotFound
}

// NameResolver maps friendly service names from detector signals onto
// real deployment names, e.g. "erp-simulator" -> "smartops-erp-simulator".
type NameResolver struct {
	Prefix string
}

// Resolve prepends the configured prefix unless the name already
// carries it.
func (r NameResolver) Resolve(name string) string {
	if r.Prefix == "" || strings.HasPrefix(name, r.Prefix) {
		return name
	}
	return r.Prefix + name
}

// RestartedAtAnnotation is the pod-template annotation a restart bumps.
const RestartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// RestartPatch builds the template-annotation patch document used to
// force a rolling restart.
func RestartPatch(now time.Time) json.RawMessage {
	doc := map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]string{
						RestartedAtAnnotation: now.UTC().Format(time.RFC3339),
					},
				},
			},
		},
	}
	raw, _ := json.Marshal(doc)
	return raw
}
