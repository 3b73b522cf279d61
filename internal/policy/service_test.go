package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"twingrid.org/internal/cache"
)

func newTestService(t *testing.T) (*Service, *InMemoryStore, *cache.InMemory) {
	t.Helper()
	store := NewInMemoryStore()
	kv := cache.NewInMemory()
	return NewService(store, kv), store, kv
}

func createPolicy(t *testing.T, s *Service, modelID uuid.UUID, inputs ...ActionInput) (*Policy, []Action) {
	t.Helper()
	p, actions, err := s.Create(context.Background(), modelID, uuid.New(), "default", "test policy", inputs)
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	return p, actions
}

func TestCreateAssignsIncrementingVersions(t *testing.T) {
	s, _, _ := newTestService(t)
	modelID := uuid.New()
	in := ActionInput{Endpoint: "Infer", Verb: "post", Count: 5, ResetFrequency: ResetDaily}

	p1, actions := createPolicy(t, s, modelID, in)
	if p1.Version != 1 {
		t.Fatalf("first version = %d", p1.Version)
	}
	if actions[0].Endpoint != "infer" || actions[0].Verb != "POST" {
		t.Fatalf("action not normalised: %+v", actions[0])
	}

	p2, _ := createPolicy(t, s, modelID, in)
	if p2.Version != 2 {
		t.Fatalf("second version = %d", p2.Version)
	}

	latest, _, err := s.Latest(context.Background(), modelID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != p2.ID {
		t.Fatalf("latest should be version 2, got %d", latest.Version)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	s, _, _ := newTestService(t)
	_, _, err := s.Create(context.Background(), uuid.New(), uuid.New(), "p", "", []ActionInput{
		{Endpoint: "infer", Verb: "POST", Count: 0, ResetFrequency: ResetDaily},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	_, _, err = s.Create(context.Background(), uuid.New(), uuid.New(), "p", "", []ActionInput{
		{Endpoint: "infer", Verb: "POST", Count: 1, ResetFrequency: "hourly"},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad frequency, got %v", err)
	}
}

func TestEvaluateDeniesAtLimit(t *testing.T) {
	s, _, _ := newTestService(t)
	modelID := uuid.New()
	p, _ := createPolicy(t, s, modelID, ActionInput{Endpoint: "infer", Verb: "POST", Count: 3, ResetFrequency: ResetDaily})

	userID, twinID := uuid.New(), uuid.New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Evaluate(ctx, p.ID, "infer", userID, twinID); err != nil {
			t.Fatalf("request %d denied: %v", i+1, err)
		}
	}
	if err := s.Evaluate(ctx, p.ID, "infer", userID, twinID); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestEvaluateWindowExpiryAllowsAgain(t *testing.T) {
	store := NewInMemoryStore()
	kv := cache.NewInMemory()
	now := time.Unix(1_700_000_000, 0)
	kv.SetClock(func() time.Time { return now })
	s := NewService(store, kv)

	modelID := uuid.New()
	p, _ := createPolicy(t, s, modelID, ActionInput{Endpoint: "infer", Verb: "POST", Count: 1, ResetFrequency: ResetDaily})

	userID, twinID := uuid.New(), uuid.New()
	ctx := context.Background()
	if err := s.Evaluate(ctx, p.ID, "infer", userID, twinID); err != nil {
		t.Fatal(err)
	}
	if err := s.Evaluate(ctx, p.ID, "infer", userID, twinID); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected denial, got %v", err)
	}

	now = now.Add(24*time.Hour + time.Minute)
	if err := s.Evaluate(ctx, p.ID, "infer", userID, twinID); err != nil {
		t.Fatalf("request after window expiry denied: %v", err)
	}
}

// staleCounterKV claims every counter read hits a live key, mimicking a
// counter that expires right after being observed.
type staleCounterKV struct {
	*cache.InMemory
}

func (k staleCounterKV) GetWithTTL(ctx context.Context, key string) (string, time.Duration, bool, error) {
	return "1", time.Hour, true, nil
}

func TestEvaluateAppliesWindowOnCounterCreation(t *testing.T) {
	store := NewInMemoryStore()
	mem := cache.NewInMemory()
	s := NewService(store, staleCounterKV{mem})

	modelID := uuid.New()
	p, _ := createPolicy(t, s, modelID, ActionInput{Endpoint: "infer", Verb: "POST", Count: 3, ResetFrequency: ResetDaily})

	userID, twinID := uuid.New(), uuid.New()
	ctx := context.Background()
	if err := s.Evaluate(ctx, p.ID, "infer", userID, twinID); err != nil {
		t.Fatal(err)
	}

	ttl, err := mem.TTL(ctx, userCounterKey(userID, twinID, "infer"))
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > 24*time.Hour {
		t.Fatalf("counter created without its reset window, ttl=%s", ttl)
	}
}

type brokenStore struct {
	*InMemoryStore
}

func (s brokenStore) LatestByModel(ctx context.Context, modelID uuid.UUID) (*Policy, []Action, error) {
	return nil, nil, errors.New("store offline")
}

func TestCreatePropagatesVersionLookupError(t *testing.T) {
	s := NewService(brokenStore{NewInMemoryStore()}, cache.NewInMemory())
	_, _, err := s.Create(context.Background(), uuid.New(), uuid.New(), "default", "", []ActionInput{
		{Endpoint: "infer", Verb: "POST", Count: 1, ResetFrequency: ResetDaily},
	})
	if err == nil || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected the store error to surface, got %v", err)
	}
}

func TestEvaluateConcurrentNeverOverruns(t *testing.T) {
	s, _, _ := newTestService(t)
	modelID := uuid.New()
	p, _ := createPolicy(t, s, modelID, ActionInput{Endpoint: "infer", Verb: "POST", Count: 10, ResetFrequency: ResetDaily})

	userID, twinID := uuid.New(), uuid.New()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Evaluate(ctx, p.ID, "infer", userID, twinID); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("expected exactly 10 allowed, got %d", allowed)
	}
}

func TestEvaluateUnknownEndpoint(t *testing.T) {
	s, _, _ := newTestService(t)
	modelID := uuid.New()
	p, _ := createPolicy(t, s, modelID, ActionInput{Endpoint: "infer", Verb: "POST", Count: 3, ResetFrequency: ResetDaily})

	err := s.Evaluate(context.Background(), p.ID, "train", uuid.New(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerbLookupReadsThrough(t *testing.T) {
	s, _, kv := newTestService(t)
	modelID := uuid.New()
	p, _ := createPolicy(t, s, modelID, ActionInput{Endpoint: "infer", Verb: "PUT", Count: 3, ResetFrequency: ResetDaily})

	ctx := context.Background()
	verb, err := s.Verb(ctx, p.ID, "INFER")
	if err != nil || verb != "PUT" {
		t.Fatalf("verb=%q err=%v", verb, err)
	}

	// Drop the cached entry; the store must repopulate it.
	if err := kv.Del(ctx, modelVerbKey(p.ID, "infer")); err != nil {
		t.Fatal(err)
	}
	verb, err = s.Verb(ctx, p.ID, "infer")
	if err != nil || verb != "PUT" {
		t.Fatalf("read-through verb=%q err=%v", verb, err)
	}
	if cached, ok, _ := kv.Get(ctx, modelVerbKey(p.ID, "infer")); !ok || cached != "PUT" {
		t.Fatalf("verb not re-cached: %q ok=%v", cached, ok)
	}
}

func TestSeedUserCountersStartsWindow(t *testing.T) {
	s, _, kv := newTestService(t)
	modelID := uuid.New()
	p, actions := createPolicy(t, s, modelID, ActionInput{Endpoint: "infer", Verb: "POST", Count: 3, ResetFrequency: ResetWeekly})

	userID, twinID := uuid.New(), uuid.New()
	s.SeedUserCounters(context.Background(), actions, userID, twinID)

	val, ttl, ok, err := kv.GetWithTTL(context.Background(), userCounterKey(userID, twinID, "infer"))
	if err != nil || !ok {
		t.Fatalf("counter not seeded: ok=%v err=%v", ok, err)
	}
	if val != "0" {
		t.Fatalf("seeded counter = %q", val)
	}
	if ttl <= 0 || ttl > 7*24*time.Hour {
		t.Fatalf("unexpected seeded ttl %s", ttl)
	}
	_ = p
}
