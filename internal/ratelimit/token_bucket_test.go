package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, "rl", capacity, 1, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2)

	d, err := bucket.Allow(ctx, "operator-1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	d, _ = bucket.Allow(ctx, "operator-1")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "operator-1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Refill cannot be exercised with miniredis.FastForward: the script gets its clock from
	// the caller, not from Redis.
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 1)

	for _, key := range []string{"operator-1", "operator-2"} {
		d, err := bucket.Allow(ctx, key)
		if err != nil || !d.Allowed {
			t.Fatalf("expected %s allowed got allowed=%v err=%v", key, d.Allowed, err)
		}
		if !mr.Exists("rl:" + key) {
			t.Fatalf("expected bucket key rl:%s", key)
		}
	}
}

func TestTokenBucketRedisDown(t *testing.T) {
	bucket, mr := newBucket(t, 1)
	mr.Close()

	if _, err := bucket.Allow(context.Background(), "operator-1"); err == nil {
		t.Fatalf("expected error with redis down")
	}
}
