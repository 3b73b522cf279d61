package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements Store with in-process concurrency safety.
// Used by tests and local development without Postgres.
type InMemoryStore struct {
	mu       sync.RWMutex
	policies map[uuid.UUID]*Policy  // by policy id
	actions  map[uuid.UUID][]Action // by policy id
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		policies: make(map[uuid.UUID]*Policy),
		actions:  make(map[uuid.UUID][]Action),
	}
}

func (s *InMemoryStore) CreatePolicy(ctx context.Context, p *Policy, actions []Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.policies[cp.ID] = &cp
	s.actions[cp.ID] = append([]Action(nil), actions...)
	return nil
}

func (s *InMemoryStore) LatestByModel(ctx context.Context, modelID uuid.UUID) (*Policy, []Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Policy
	for _, p := range s.policies {
		if p.ModelID != modelID {
			continue
		}
		if latest == nil || p.Version > latest.Version {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil, ErrNotFound
	}
	out := *latest
	return &out, append([]Action(nil), s.actions[latest.ID]...), nil
}

func (s *InMemoryStore) ListByModel(ctx context.Context, modelID uuid.UUID) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.policies {
		if p.ModelID == modelID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *InMemoryStore) ActionByEndpoint(ctx context.Context, policyID uuid.UUID, endpoint string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.actions[policyID] {
		if a.Endpoint == endpoint {
			out := a
			return &out, nil
		}
	}
	return nil, ErrNotFound
}
