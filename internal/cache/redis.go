package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithLimitScript performs the limit-checked increment as one atomic
// operation on the Redis side. INCR keeps the remaining TTL of an existing
// key; a key created by the increment receives the window TTL.
var incrWithLimitScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used >= limit then
  return {0, used}
end
used = redis.call('INCR', KEYS[1])
if used == 1 and window > 0 then
  redis.call('EXPIRE', KEYS[1], window)
end
return {1, used}
`)

// Redis implements KV on top of a go-redis client.
type Redis struct {
	rdb *redis.Client
}

var _ KV = (*Redis)(nil)

// OpenRedis connects to the given address and verifies the connection.
func OpenRedis(ctx context.Context, addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}
	return &Redis{rdb: rdb}, nil
}

// NewRedis wraps an existing client (used by tests against miniature servers).
func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

func (c *Redis) Close() error { return c.rdb.Close() }

func (c *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	return val, true, nil
}

func (c *Redis) GetWithTTL(ctx context.Context, key string) (string, time.Duration, bool, error) {
	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, false, fmt.Errorf("%w: get with ttl: %v", ErrUnavailable, err)
	}
	val, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("%w: get with ttl: %v", ErrUnavailable, err)
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = NoTTL
	}
	return val, ttl, true, nil
}

func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx: %v", ErrUnavailable, err)
	}
	return ok, nil
}

func (c *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: ttl: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		return NoTTL, nil
	}
	return ttl, nil
}

func (c *Redis) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Redis) IncrementWithLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	windowSecs := int64(0)
	if window > 0 {
		windowSecs = int64(window / time.Second)
	}
	res, err := incrWithLimitScript.Run(ctx, c.rdb, []string{key}, limit, windowSecs).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("%w: incr with limit: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("%w: incr with limit: unexpected reply", ErrUnavailable)
	}
	allowed, _ := res[0].(int64)
	used, _ := res[1].(int64)
	return allowed == 1, used, nil
}
