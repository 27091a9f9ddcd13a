package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease serializes drains of one queue across processes. Holding it means no other process
// is replaying records from the same store.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// Lease returns the cross-process drain lease for this bus namespace.
func (b *Bus) Lease(ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Lease{client: b.client, key: b.leaseKey(), ttl: ttl}
}

// Acquire takes the lease. It returns a release func, or ok=false when another holder has it.
// While held the lease is refreshed every ttl/3, so a long drain does not lose it halfway.
func (l *Lease) Acquire(ctx context.Context) (release func(), ok bool, err error) {
	token := uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire drain lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = refreshScript.Run(context.Background(), l.client, []string{l.key}, token, l.ttl.Milliseconds()).Err()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			_ = releaseScript.Run(context.Background(), l.client, []string{l.key}, token).Err()
		})
	}, true, nil
}

// Only the holder may release; an expired lease taken over by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
