package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "article:1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxSeen)
	}
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", len(l.locks))
	}
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	other, err := l.Lock(context.Background(), "other")
	if err != nil {
		t.Fatalf("independent key should not block: %v", err)
	}
	other()
}

func TestRedisLockAndRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedis(client, RedisConfig{RetryDelay: 5 * time.Millisecond, MaxWait: 50 * time.Millisecond})
	ctx := context.Background()

	release, err := l.Lock(ctx, "media:abc")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !mr.Exists(keyPrefix + "media:abc") {
		t.Fatalf("expected lock key in redis")
	}

	if _, err := l.Lock(ctx, "media:abc"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	release()
	if mr.Exists(keyPrefix + "media:abc") {
		t.Fatalf("expected lock key removed on release")
	}

	again, err := l.Lock(ctx, "media:abc")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	again()
}

func TestRedisRenewsHeldLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedis(client, RedisConfig{
		TTL:           time.Second,
		RenewInterval: 10 * time.Millisecond,
		RetryDelay:    5 * time.Millisecond,
		MaxWait:       30 * time.Millisecond,
	})
	ctx := context.Background()
	key := keyPrefix + "article:1"

	release, err := l.Lock(ctx, "article:1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Advance redis time well past the original TTL in steps, letting the
	// holder re-arm the key between them.
	for i := 0; i < 4; i++ {
		mr.FastForward(900 * time.Millisecond)
		waitFor(t, func() bool { return mr.TTL(key) > 500*time.Millisecond })
	}
	if !mr.Exists(key) {
		t.Fatalf("held lock expired")
	}
	if _, err := l.Lock(ctx, "article:1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second holder must not acquire a held lock, got %v", err)
	}

	release()
	if mr.Exists(key) {
		t.Fatalf("expected lock key removed on release")
	}

	next, err := l.Lock(ctx, "article:1")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	next()
}

func TestRedisStopsRenewingLostLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedis(client, RedisConfig{TTL: time.Second, RenewInterval: 10 * time.Millisecond})
	release, err := l.Lock(context.Background(), "article:2")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	key := keyPrefix + "article:2"
	if err := mr.Set(key, "someone-else"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if ttl := mr.TTL(key); ttl != 0 {
		t.Fatalf("expected the other owner's key untouched, got ttl %v", ttl)
	}

	release()
	if got, _ := mr.Get(key); got != "someone-else" {
		t.Fatalf("release must not delete a key owned by another token, got %q", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
