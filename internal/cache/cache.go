package cache

import (
	"context"
	"errors"
	"time"
)

// NoTTL marks keys that must never expire (model-scope limits, port claims).
const NoTTL time.Duration = 0

var (
	ErrUnavailable = errors.New("cache: unavailable")
)

// KV is the TTL counter cache consumed by the allocator and the policy
// evaluator. Implementations must make IncrementWithLimit atomic per key:
// two overlapping calls may never both observe the same pre-increment count.
type KV interface {
	// Get returns the value for key, reporting whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// GetWithTTL returns the value together with the remaining TTL.
	// A NoTTL duration means the key does not expire.
	GetWithTTL(ctx context.Context, key string) (string, time.Duration, bool, error)

	// Set stores value under key. ttl == NoTTL stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key is absent, reporting whether it claimed it.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime of key (NoTTL when persistent or absent).
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// IncrementWithLimit atomically increments the counter at key unless it
	// already reached limit. A key created by the increment receives window
	// as its TTL (NoTTL leaves it persistent); an existing key keeps its
	// remaining TTL. Returns whether the increment was allowed and the count
	// observed (post-increment when allowed, current when denied).
	IncrementWithLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}
