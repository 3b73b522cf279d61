package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"twingrid.org/internal/cache"
	"twingrid.org/internal/obs"
)

// Cache key layout. Model-scope entries mirror persisted limits, verbs and
// reset windows and never expire; user-scope entries carry the reset window
// as their TTL.
func modelLimitKey(policyID uuid.UUID, endpoint string) string {
	return "policy:models:" + policyID.String() + ":access:" + endpoint
}

func modelVerbKey(policyID uuid.UUID, endpoint string) string {
	return "policy:models:" + policyID.String() + ":verb:" + endpoint
}

func modelWindowKey(policyID uuid.UUID, endpoint string) string {
	return "policy:models:" + policyID.String() + ":window:" + endpoint
}

func userCounterKey(userID, twinID uuid.UUID, endpoint string) string {
	return "policy:users:" + userID.String() + ":" + twinID.String() + ":" + endpoint
}

// Service provides policy creation and per-request quota evaluation.
type Service struct {
	store Store
	kv    cache.KV
}

// NewService constructs a Service over the given store and counter cache.
func NewService(store Store, kv cache.KV) *Service {
	return &Service{store: store, kv: kv}
}

// ActionInput is one requested (endpoint, verb, limit) rule.
type ActionInput struct {
	Endpoint       string
	Verb           string
	Count          int64
	ResetFrequency ResetFrequency
}

// Create persists a new policy version for the model and warms the cache
// with the model-scope limits and verbs of every action.
func (s *Service) Create(ctx context.Context, modelID, createdBy uuid.UUID, name, description string, inputs []ActionInput) (*Policy, []Action, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(inputs) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one action is required", ErrInvalidInput)
	}

	version := 1
	latest, _, err := s.store.LatestByModel(ctx, modelID)
	switch {
	case err == nil:
		version = latest.Version + 1
	case errors.Is(err, ErrNotFound):
	default:
		return nil, nil, err
	}

	p := &Policy{
		ID:          uuid.New(),
		ModelID:     modelID,
		Name:        name,
		Description: description,
		Version:     version,
		CreatedBy:   createdBy,
	}

	actions := make([]Action, 0, len(inputs))
	for _, in := range inputs {
		endpoint := strings.ToLower(strings.TrimSpace(in.Endpoint))
		verb := strings.ToUpper(strings.TrimSpace(in.Verb))
		if endpoint == "" || verb == "" {
			return nil, nil, fmt.Errorf("%w: endpoint and verb are required", ErrInvalidInput)
		}
		if in.Count <= 0 {
			return nil, nil, fmt.Errorf("%w: action count must be positive", ErrInvalidInput)
		}
		if !in.ResetFrequency.Valid() {
			return nil, nil, fmt.Errorf("%w: unknown reset frequency %q", ErrInvalidInput, in.ResetFrequency)
		}
		actions = append(actions, Action{
			ID:             uuid.New(),
			PolicyID:       p.ID,
			Endpoint:       endpoint,
			Verb:           verb,
			Count:          in.Count,
			ResetFrequency: in.ResetFrequency,
		})
	}

	if err := s.store.CreatePolicy(ctx, p, actions); err != nil {
		return nil, nil, err
	}

	// Warm limit and verb entries. Failures here only cost a read-through
	// on the first proxied call.
	for _, a := range actions {
		if err := s.kv.Set(ctx, modelLimitKey(p.ID, a.Endpoint), strconv.FormatInt(a.Count, 10), cache.NoTTL); err != nil {
			obs.LogEvent("policy.cache_warm_failed", map[string]any{"policy_id": p.ID.String(), "endpoint": a.Endpoint, "error": err.Error()})
		}
		if err := s.kv.Set(ctx, modelVerbKey(p.ID, a.Endpoint), a.Verb, cache.NoTTL); err != nil {
			obs.LogEvent("policy.cache_warm_failed", map[string]any{"policy_id": p.ID.String(), "endpoint": a.Endpoint, "error": err.Error()})
		}
		if err := s.kv.Set(ctx, modelWindowKey(p.ID, a.Endpoint), windowValue(a.ResetFrequency.Window()), cache.NoTTL); err != nil {
			obs.LogEvent("policy.cache_warm_failed", map[string]any{"policy_id": p.ID.String(), "endpoint": a.Endpoint, "error": err.Error()})
		}
	}
	return p, actions, nil
}

// Latest returns the current policy version for a model with its actions.
func (s *Service) Latest(ctx context.Context, modelID uuid.UUID) (*Policy, []Action, error) {
	return s.store.LatestByModel(ctx, modelID)
}

// Versions lists all policy versions for a model, newest first.
func (s *Service) Versions(ctx context.Context, modelID uuid.UUID) ([]*Policy, error) {
	return s.store.ListByModel(ctx, modelID)
}

// SeedUserCounters initialises zeroed consumption counters for a fresh
// subscription so the first window starts at subscription time. Best-effort:
// a missing seed is recreated by the evaluator on first use.
func (s *Service) SeedUserCounters(ctx context.Context, actions []Action, userID, twinID uuid.UUID) {
	for _, a := range actions {
		key := userCounterKey(userID, twinID, a.Endpoint)
		if _, err := s.kv.SetNX(ctx, key, "0", a.ResetFrequency.Window()); err != nil {
			obs.LogEvent("policy.seed_counter_failed", map[string]any{"key": key, "error": err.Error()})
		}
	}
}

// Evaluate decides whether one request may pass. The model-scope limit is
// read through the cache; the user-scope counter is advanced with a single
// atomic limit-checked increment so concurrent requests cannot both observe
// the same pre-increment count.
func (s *Service) Evaluate(ctx context.Context, policyID uuid.UUID, endpoint string, userID, twinID uuid.UUID) error {
	endpoint = strings.ToLower(endpoint)

	limit, action, err := s.modelLimit(ctx, policyID, endpoint)
	if err != nil {
		return err
	}

	// The increment applies the window only when it creates the counter, so
	// the window must be known on every call: a counter expiring between a
	// presence check and the increment would otherwise be recreated without
	// a TTL and never reset.
	window, err := s.window(ctx, policyID, endpoint, action)
	if err != nil {
		return err
	}

	allowed, _, err := s.kv.IncrementWithLimit(ctx, userCounterKey(userID, twinID, endpoint), limit, window)
	if err != nil {
		return err
	}
	if !allowed {
		obs.ObservePolicyDenial()
		return ErrQuotaExceeded
	}
	return nil
}

// Verb returns the HTTP verb recorded for (policy, endpoint). The cached
// value is authoritative for proxied calls.
func (s *Service) Verb(ctx context.Context, policyID uuid.UUID, endpoint string) (string, error) {
	endpoint = strings.ToLower(endpoint)
	key := modelVerbKey(policyID, endpoint)

	verb, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return verb, nil
	}

	action, err := s.store.ActionByEndpoint(ctx, policyID, endpoint)
	if err != nil {
		return "", err
	}
	if err := s.kv.Set(ctx, key, action.Verb, cache.NoTTL); err != nil {
		obs.LogEvent("policy.cache_warm_failed", map[string]any{"key": key, "error": err.Error()})
	}
	return action.Verb, nil
}

// window resolves the reset window for (policy, endpoint), reading through
// the cache unless the action is already at hand.
func (s *Service) window(ctx context.Context, policyID uuid.UUID, endpoint string, action *Action) (time.Duration, error) {
	if action != nil {
		return action.ResetFrequency.Window(), nil
	}

	key := modelWindowKey(policyID, endpoint)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		// Corrupted entry: fall through to the store and overwrite.
	}

	action, err = s.store.ActionByEndpoint(ctx, policyID, endpoint)
	if err != nil {
		return 0, err
	}
	w := action.ResetFrequency.Window()
	if err := s.kv.Set(ctx, key, windowValue(w), cache.NoTTL); err != nil {
		obs.LogEvent("policy.cache_warm_failed", map[string]any{"key": key, "error": err.Error()})
	}
	return w, nil
}

func windowValue(w time.Duration) string {
	return strconv.FormatInt(int64(w/time.Second), 10)
}

func (s *Service) modelLimit(ctx context.Context, policyID uuid.UUID, endpoint string) (int64, *Action, error) {
	key := modelLimitKey(policyID, endpoint)

	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, nil, err
	}
	if ok {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			return limit, nil, nil
		}
		// Corrupted entry: fall through to the store and overwrite.
	}

	action, err := s.store.ActionByEndpoint(ctx, policyID, endpoint)
	if err != nil {
		return 0, nil, err
	}
	if err := s.kv.Set(ctx, key, strconv.FormatInt(action.Count, 10), cache.NoTTL); err != nil {
		obs.LogEvent("policy.cache_warm_failed", map[string]any{"key": key, "error": err.Error()})
	}
	return action.Count, action, nil
}
