// Package policy is the hook for an external approval service. The
// controller asks before every action; the shipped implementation
// approves everything, which keeps the call site honest until a real
// policy engine is wired in.
package policy

import (
	"context"

	"github.com/smartops/remediator/internal/action"
)

// Checker decides whether an action may proceed.
type Checker interface {
	Allow(ctx context.Context, req action.Request) (bool, string, error)
}

// AllowAll approves every action.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, action.Request) (bool, string, error) {
	return true, "", nil
}
