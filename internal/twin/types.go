package twin

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a twin.
//
// Transitions: Stopped<->Running during normal operation, Degraded only out
// of a failed provision, and any state -> Deleted, which is terminal.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusDeleted  Status = "deleted"
)

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	if s == StatusDeleted {
		return false
	}
	switch next {
	case StatusDeleted:
		return true
	case StatusRunning:
		return s == StatusStopped
	case StatusStopped:
		return s == StatusRunning
	}
	return false
}

// DeploymentKind selects the provisioner backing a model's twins.
type DeploymentKind string

const (
	KindContainer DeploymentKind = "container"
	KindWasm      DeploymentKind = "wasm"
)

// Twin is a live, per-subscriber instance of a published model.
// Twins are soft-deleted: status flips to Deleted and the deletion is
// timestamped, the row is never physically removed.
type Twin struct {
	ID                uuid.UUID
	Name              string
	ModelID           uuid.UUID
	OwnerID           uuid.UUID
	PolicyID          *uuid.UUID // nil means unrestricted
	Kind              DeploymentKind
	Status            Status
	NetworkName       string
	Port              *int // set once a component exposes a host port
	EnableDataSharing bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
	DeletedBy         *uuid.UUID
}

// Component is one containerized service belonging to a twin.
type Component struct {
	ID            uuid.UUID
	TwinID        uuid.UUID
	Name          string
	ImageSource   string
	Exposed       bool
	ContainerPort int
	Alias         string
	ContainerName *string // assigned during provisioning
	HostPort      *int    // assigned only when Exposed
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// ModelSnapshot is the read-only view of a published model that the
// lifecycle manager instantiates twins from. Model CRUD lives outside this
// subsystem; this is its narrow surface.
type ModelSnapshot struct {
	ID                uuid.UUID
	Name              string
	OwnerID           uuid.UUID // the publishing owner
	Kind              DeploymentKind
	EnableDataSharing bool
	Components        []ComponentTemplate
}

// ComponentTemplate describes one component of a published model.
type ComponentTemplate struct {
	Name          string
	ImageSource   string
	Exposed       bool
	ContainerPort int
	Alias         string
}

// Actor identifies the caller of a lifecycle operation. The email feeds
// network/container name derivation, as published names carry the owner.
type Actor struct {
	ID    uuid.UUID
	Email string
}
