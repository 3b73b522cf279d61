package twin

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements Store and ModelSource with in-process
// concurrency safety. Used by tests and local development.
type InMemoryStore struct {
	mu         sync.RWMutex
	twins      map[uuid.UUID]*Twin
	components map[uuid.UUID][]Component // by twin id
	models     map[uuid.UUID]*ModelSnapshot
	now        func() time.Time
}

var (
	_ Store       = (*InMemoryStore)(nil)
	_ ModelSource = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		twins:      make(map[uuid.UUID]*Twin),
		components: make(map[uuid.UUID][]Component),
		models:     make(map[uuid.UUID]*ModelSnapshot),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// AddModel registers a published model snapshot.
func (s *InMemoryStore) AddModel(m *ModelSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.models[cp.ID] = &cp
}

func (s *InMemoryStore) PublishedModel(ctx context.Context, modelID uuid.UUID) (*ModelSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[modelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	cp.Components = append([]ComponentTemplate(nil), m.Components...)
	return &cp, nil
}

func (s *InMemoryStore) ModelOwner(ctx context.Context, modelID uuid.UUID) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[modelID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return m.OwnerID, nil
}

func (s *InMemoryStore) CreateTwin(ctx context.Context, t *Twin, comps []Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cp := *t
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.twins[cp.ID] = &cp
	list := make([]Component, len(comps))
	for i, c := range comps {
		c.CreatedAt = now
		c.UpdatedAt = now
		list[i] = c
	}
	s.components[cp.ID] = list
	return nil
}

func (s *InMemoryStore) FindTwin(ctx context.Context, twinID, ownerID uuid.UUID) (*Twin, []Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.twins[twinID]
	if !ok || t.OwnerID != ownerID || t.Status == StatusDeleted {
		return nil, nil, ErrNotFound
	}
	cp := *t
	return &cp, append([]Component(nil), s.components[twinID]...), nil
}

func (s *InMemoryStore) ListTwins(ctx context.Context, ownerID uuid.UUID) ([]*Twin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Twin
	for _, t := range s.twins {
		if t.OwnerID == ownerID && t.Status != StatusDeleted {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, twinID uuid.UUID, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.twins[twinID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) SavePlacement(ctx context.Context, componentID uuid.UUID, containerName string, hostPort *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for twinID, comps := range s.components {
		for i := range comps {
			if comps[i].ID != componentID {
				continue
			}
			comps[i].ContainerName = &containerName
			comps[i].HostPort = hostPort
			comps[i].UpdatedAt = s.now()
			s.components[twinID] = comps
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) MarkProvisioned(ctx context.Context, twinID uuid.UUID, networkName string, port *int, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.twins[twinID]
	if !ok {
		return ErrNotFound
	}
	t.NetworkName = networkName
	if port != nil {
		t.Port = port
	}
	t.Status = status
	t.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) SoftDelete(ctx context.Context, twinID, actorID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.twins[twinID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	t.Status = StatusDeleted
	t.DeletedAt = &now
	t.DeletedBy = &actorID
	comps := s.components[twinID]
	for i := range comps {
		comps[i].DeletedAt = &now
	}
	return nil
}
