// Package lock serializes session mutation per asset. Every tick holds the
// asset's lock for its whole read-compute-write span; sessions for
// different assets are fully independent.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired indicates the lock is held elsewhere.
var ErrNotAcquired = fmt.Errorf("lock not acquired")

// Locker acquires an exclusive lock for a key. The returned release
// function must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// MemoryLocker is an in-process keyed mutex, sufficient for a
// single-instance deployment.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*sync.Mutex)}
}

// Acquire blocks until the key's mutex is held or the context is done.
func (m *MemoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return l.Unlock, nil
	case <-ctx.Done():
		// The goroutine will eventually take the mutex; hand it straight
		// back so the key is not wedged.
		go func() {
			<-acquired
			l.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// RedisLocker serializes across instances with SET NX PX and a
// token-checked release, so one instance cannot release another's lock.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a Redis-backed locker. ttl bounds how long a
// crashed holder can wedge an asset.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// releaseScript deletes the lock only if the token still matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire polls SET NX until the lock is taken or the context is done.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	redisKey := "lock:session:" + key

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(bg, r.client, []string{redisKey}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
