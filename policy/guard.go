/*
Package policy is the Access Policy Guard.

PURPOSE:
  Decides whether an actor may perform an operation on a resource owned by
  someone. The rules live in authz.rego and are evaluated in-process by OPA.

RULES (authz.rego):
  1. Public operations are allowed for anyone, including anonymous actors
  2. Admins are always allowed
  3. Admin-only operations are denied to everyone else
  4. Otherwise allowed iff actor.id == owner_id

USAGE:
  guard, err := policy.NewGuard(ctx)
  if err := guard.Authorize(ctx, actor, booking.UserID, policy.OpBookingRead); err != nil {
      // errors.Is(err, policy.ErrForbidden)
  }
*/
package policy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/warp/railbook/identity"
)

//go:embed authz.rego
var authzModule string

// ErrForbidden is returned when the policy denies an operation.
var ErrForbidden = errors.New("forbidden")

// Operation names an action checked by the guard.
type Operation string

const (
	OpBookingList   Operation = "booking:list"
	OpBookingRead   Operation = "booking:read"
	OpBookingCreate Operation = "booking:create"
	OpBookingUpdate Operation = "booking:update"
	OpBookingCancel Operation = "booking:cancel"

	OpTrainList  Operation = "train:list"
	OpTrainRead  Operation = "train:read"
	OpTrainWrite Operation = "train:write"

	OpPNRRead Operation = "pnr:read"

	OpUserRegister Operation = "user:register"
	OpUserLogin    Operation = "user:login"
	OpUserList     Operation = "user:list"
	OpUserRead     Operation = "user:read"
	OpUserWrite    Operation = "user:write"

	OpAdmin Operation = "admin"
)

// Guard evaluates the embedded authorization policy.
type Guard struct {
	query rego.PreparedEvalQuery
}

// NewGuard compiles the policy once. The returned Guard is safe for
// concurrent use.
func NewGuard(ctx context.Context) (*Guard, error) {
	q, err := rego.New(
		rego.Query("data.railbook.authz.allow"),
		rego.Module("authz.rego", authzModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile authz policy: %w", err)
	}
	return &Guard{query: q}, nil
}

// Authorize returns nil when actor may perform op on a resource owned by
// ownerID, and ErrForbidden otherwise.
func (g *Guard) Authorize(ctx context.Context, actor identity.Actor, ownerID string, op Operation) error {
	input := map[string]any{
		"actor": map[string]any{
			"id":   actor.ID,
			"role": string(actor.Role),
		},
		"owner_id":  ownerID,
		"operation": string(op),
	}

	rs, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("failed to evaluate authz policy: %w", err)
	}
	if !rs.Allowed() {
		return fmt.Errorf("%w: %s", ErrForbidden, op)
	}
	return nil
}
