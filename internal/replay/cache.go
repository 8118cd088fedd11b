// Package replay enforces at-most-once mandate acceptance. Every verified
// mandate ID is recorded until its expiry; a second sighting is a replay.
package replay

import (
	"context"
	"sync"
	"time"
)

// Cache records accepted mandate IDs until they expire.
//
// CheckAndInsert must be strongly consistent under concurrent calls: for a
// given mandateID exactly one caller observes fresh=true. A caller that fails
// to record a mandate after a successful verify must treat the mandate as
// rejected.
type Cache interface {
	// CheckAndInsert returns fresh=true and records the ID if it has not been
	// seen, or fresh=false if it is already present.
	CheckAndInsert(ctx context.Context, mandateID string, expiresAt time.Time) (fresh bool, err error)
	// Remove deletes a recorded ID. Used to roll back partial bundle inserts.
	Remove(ctx context.Context, mandateID string) error
	Close() error
}

// MemoryCache is an in-process Cache suitable for tests and single-instance
// deployments. Entries past their TTL are removed by a background sweep.
type MemoryCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time // mandateID -> expiresAt
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewMemoryCache constructs a MemoryCache and starts the expiry sweep.
func NewMemoryCache(sweepInterval time.Duration) *MemoryCache {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &MemoryCache{
		seen:      make(map[string]time.Time),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go c.sweep(sweepInterval)
	return c
}

// CheckAndInsert implements Cache.
func (c *MemoryCache) CheckAndInsert(_ context.Context, mandateID string, expiresAt time.Time) (bool, error) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.seen[mandateID]; ok && existing.After(now) {
		return false, nil
	}
	// TTL = max(expiresAt - now, 0); an already-expired mandate still occupies
	// the slot briefly so concurrent verifies agree.
	if !expiresAt.After(now) {
		expiresAt = now.Add(time.Second)
	}
	c.seen[mandateID] = expiresAt
	return true, nil
}

// Remove implements Cache.
func (c *MemoryCache) Remove(_ context.Context, mandateID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, mandateID)
	return nil
}

func (c *MemoryCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.sweepDone)

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, expiresAt := range c.seen {
				if !expiresAt.After(now) {
					delete(c.seen, id)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the sweep goroutine.
func (c *MemoryCache) Close() error {
	close(c.stopSweep)
	<-c.sweepDone
	return nil
}
