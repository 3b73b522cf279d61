package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// InMemory implements KV with in-process concurrency safety.
// Used by tests and as a fallback when no Redis address is configured;
// a single-node deployment loses port claims on restart, nothing worse.
type InMemory struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = persistent
}

// NewInMemory creates an empty in-memory cache.
func NewInMemory() *InMemory {
	return &InMemory{
		items: make(map[string]memEntry),
		now:   time.Now,
	}
}

// SetClock overrides the time source (useful for expiry tests).
func (c *InMemory) SetClock(fn func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn != nil {
		c.now = fn
	}
}

// live returns the entry if present and not expired, pruning it otherwise.
// Callers must hold c.mu.
func (c *InMemory) live(key string) (memEntry, bool) {
	e, ok := c.items[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		return memEntry{}, false
	}
	return e, true
}

func (c *InMemory) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *InMemory) GetWithTTL(ctx context.Context, key string) (string, time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok {
		return "", 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return e.value, NoTTL, true, nil
	}
	return e.value, e.expiresAt.Sub(c.now()), true, nil
}

func (c *InMemory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = c.entry(value, ttl)
	return nil
}

func (c *InMemory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live(key); ok {
		return false, nil
	}
	c.items[key] = c.entry(value, ttl)
	return true, nil
}

func (c *InMemory) TTL(ctx context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok || e.expiresAt.IsZero() {
		return NoTTL, nil
	}
	return e.expiresAt.Sub(c.now()), nil
}

func (c *InMemory) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *InMemory) IncrementWithLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var used int64
	e, ok := c.live(key)
	if ok {
		used, _ = strconv.ParseInt(e.value, 10, 64)
	}
	if used >= limit {
		return false, used, nil
	}
	used++
	if ok {
		// Preserve the remaining window.
		e.value = strconv.FormatInt(used, 10)
		c.items[key] = e
	} else {
		c.items[key] = c.entry(strconv.FormatInt(used, 10), window)
	}
	return true, used, nil
}

func (c *InMemory) entry(value string, ttl time.Duration) memEntry {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e
}
