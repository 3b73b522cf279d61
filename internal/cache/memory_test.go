package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSetNXClaimsOnce(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "ports:host:8042", "8042", NoTTL)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "ports:host:8042", "8042", NoTTL)
	if err != nil || ok {
		t.Fatalf("second claim should fail: ok=%v err=%v", ok, err)
	}
	if err := c.Del(ctx, "ports:host:8042"); err != nil {
		t.Fatal(err)
	}
	ok, _ = c.SetNX(ctx, "ports:host:8042", "8042", NoTTL)
	if !ok {
		t.Fatal("claim after release should succeed")
	}
}

func TestExpiryResetsCounter(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	c.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if ok, _, err := c.IncrementWithLimit(ctx, "k", 3, time.Hour); err != nil || !ok {
			t.Fatalf("increment %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, used, _ := c.IncrementWithLimit(ctx, "k", 3, time.Hour); ok || used != 3 {
		t.Fatalf("expected denial at limit, got ok=%v used=%d", ok, used)
	}

	// Window elapses; the next increment starts a fresh counter.
	now = now.Add(time.Hour + time.Second)
	ok, used, err := c.IncrementWithLimit(ctx, "k", 3, time.Hour)
	if err != nil || !ok || used != 1 {
		t.Fatalf("post-expiry increment: ok=%v used=%d err=%v", ok, used, err)
	}
}

func TestIncrementPreservesRemainingWindow(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	c.SetClock(func() time.Time { return now })

	if ok, _, _ := c.IncrementWithLimit(ctx, "k", 10, time.Hour); !ok {
		t.Fatal("first increment denied")
	}
	now = now.Add(30 * time.Minute)
	if ok, _, _ := c.IncrementWithLimit(ctx, "k", 10, time.Hour); !ok {
		t.Fatal("second increment denied")
	}
	ttl, err := c.TTL(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if ttl != 30*time.Minute {
		t.Fatalf("expected 30m remaining, got %s", ttl)
	}
}

func TestConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	const limit = 25
	var wg sync.WaitGroup
	allowed := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, _ := c.IncrementWithLimit(ctx, "k", limit, NoTTL)
			if ok {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	var n int
	for range allowed {
		n++
	}
	if n != limit {
		t.Fatalf("expected exactly %d allowed, got %d", limit, n)
	}
}

func TestGetWithTTLPersistentKey(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	if err := c.Set(ctx, "limit", "100", NoTTL); err != nil {
		t.Fatal(err)
	}
	val, ttl, ok, err := c.GetWithTTL(ctx, "limit")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if val != "100" || ttl != NoTTL {
		t.Fatalf("got val=%q ttl=%v", val, ttl)
	}
}
