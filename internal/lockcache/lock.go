// Package lockcache provides the per-wallet distributed lock and the
// generation-tagged balance cache the settlement engine serializes on.
package lockcache

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is a lease-based mutual exclusion primitive. Release and Extend are
// conditional on the owner token so an expired holder cannot stomp a new one.
type Locker interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Extend(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
}

// ErrLockTimeout is returned by AcquireWithRetry when the lock could not be
// taken within the wait budget.
var ErrLockTimeout = errors.New("lockcache: lock acquisition timed out")

// AcquireWithRetry retries Acquire with jittered backoff until maxWait
// elapses.
func AcquireWithRetry(ctx context.Context, l Locker, resource, owner string, ttl, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	backoff := 25 * time.Millisecond
	for {
		ok, err := l.Acquire(ctx, resource, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < 400*time.Millisecond {
			backoff *= 2
		}
	}
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker for development and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryLocker constructs an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if lease, ok := l.leases[resource]; ok && now.Before(lease.expiresAt) && lease.owner != owner {
		return false, nil
	}
	l.leases[resource] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, resource, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.leases[resource]
	if !ok || lease.owner != owner {
		return false, nil
	}
	delete(l.leases, resource)
	return true, nil
}

func (l *MemoryLocker) Extend(_ context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	lease, ok := l.leases[resource]
	if !ok || lease.owner != owner || !now.Before(lease.expiresAt) {
		return false, nil
	}
	l.leases[resource] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

const redisLockPrefix = "sardis:lock:"

// Owner-conditional delete and expire. Plain DEL would let an expired holder
// release a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker on Redis with SET NX and Lua-scripted
// conditional release/extend.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, redisLockPrefix+resource, owner, ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, resource, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{redisLockPrefix + resource}, owner).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) Extend(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{redisLockPrefix + resource}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
