package twin

import (
	"context"

	"github.com/google/uuid"
)

// Store describes persistence operations required by the lifecycle manager.
// Lookups are scoped by owner and exclude soft-deleted rows.
type Store interface {
	// CreateTwin persists a twin together with its components in one
	// transaction.
	CreateTwin(ctx context.Context, t *Twin, comps []Component) error

	// FindTwin returns a non-deleted twin owned by ownerID with its
	// components, or ErrNotFound.
	FindTwin(ctx context.Context, twinID, ownerID uuid.UUID) (*Twin, []Component, error)

	// ListTwins returns all non-deleted twins owned by ownerID.
	ListTwins(ctx context.Context, ownerID uuid.UUID) ([]*Twin, error)

	// UpdateStatus sets the twin's status.
	UpdateStatus(ctx context.Context, twinID uuid.UUID, status Status) error

	// SavePlacement records the container name and host port assigned to a
	// component during provisioning.
	SavePlacement(ctx context.Context, componentID uuid.UUID, containerName string, hostPort *int) error

	// MarkProvisioned records the network name, public port and status of a
	// twin after provisioning resolves.
	MarkProvisioned(ctx context.Context, twinID uuid.UUID, networkName string, port *int, status Status) error

	// SoftDelete marks the twin and its components deleted by actor.
	SoftDelete(ctx context.Context, twinID, actorID uuid.UUID) error
}

// ModelSource resolves published models. Implemented by the relational
// store; model management itself is outside this subsystem.
type ModelSource interface {
	PublishedModel(ctx context.Context, modelID uuid.UUID) (*ModelSnapshot, error)

	// ModelOwner returns the publishing owner of a model regardless of its
	// published state, or ErrNotFound.
	ModelOwner(ctx context.Context, modelID uuid.UUID) (uuid.UUID, error)
}
