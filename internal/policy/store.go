package policy

import (
	"context"

	"github.com/google/uuid"
)

// Store describes persistence operations required by the policy subsystem.
type Store interface {
	// CreatePolicy persists a policy together with its actions in one
	// transaction.
	CreatePolicy(ctx context.Context, p *Policy, actions []Action) error

	// LatestByModel returns the highest-version policy for a model with its
	// actions, or ErrNotFound.
	LatestByModel(ctx context.Context, modelID uuid.UUID) (*Policy, []Action, error)

	// ListByModel returns all policy versions for a model, newest first.
	ListByModel(ctx context.Context, modelID uuid.UUID) ([]*Policy, error)

	// ActionByEndpoint resolves one action of a policy, or ErrNotFound.
	ActionByEndpoint(ctx context.Context, policyID uuid.UUID, endpoint string) (*Action, error)
}
