// Package usage captures proxied request/response exchanges for twins whose
// subscribers opted into data sharing.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no records exist for the requested scope.
var ErrNotFound = errors.New("usage: not found")

// Record is one captured exchange between a subscriber and a twin. Input and
// Output hold the request and response bodies verbatim; a record is written
// only after the upstream response was fully received.
type Record struct {
	ID        string
	ModelID   uuid.UUID
	TwinID    uuid.UUID
	UserID    uuid.UUID
	Endpoint  string
	Input     string
	Output    string
	Status    int
	CreatedAt time.Time
}

// Store persists usage records.
type Store interface {
	// Append writes one record.
	Append(ctx context.Context, r *Record) error

	// ListByModel returns records captured for a model, newest first,
	// capped at limit (0 means no cap).
	ListByModel(ctx context.Context, modelID uuid.UUID, limit int) ([]*Record, error)
}
