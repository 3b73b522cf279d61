package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"twingrid.org/internal/ids"
)

// InMemoryStore keeps records in process. Used by tests and local development.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	now     func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{now: func() time.Time { return time.Now().UTC() }}
}

func (s *InMemoryStore) Append(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if cp.CreatedAt.IsZero() {
		// Record ids carry the time they were minted; reuse it so listings
		// order the same way as the relational store's insert timestamps.
		if ts, err := ids.Timestamp(cp.ID); err == nil {
			cp.CreatedAt = ts
		} else {
			cp.CreatedAt = s.now()
		}
	}
	s.records = append(s.records, &cp)
	return nil
}

func (s *InMemoryStore) ListByModel(ctx context.Context, modelID uuid.UUID, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ModelID != modelID {
			continue
		}
		cp := *s.records[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// All returns every stored record in append order.
func (s *InMemoryStore) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Record(nil), s.records...)
}
