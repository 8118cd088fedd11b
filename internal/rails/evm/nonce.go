package evm

import (
	"strconv"
	"sync"
)

// NonceTracker keeps a monotonic pending nonce per (address, chain). The
// chain's pending count seeds the tracker; after that, nonces only move
// forward so concurrent submissions within our process never collide.
type NonceTracker struct {
	mu    sync.Mutex
	next  map[string]uint64
	known map[string]bool
}

// NewNonceTracker constructs an empty tracker.
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{next: make(map[string]uint64), known: make(map[string]bool)}
}

func nonceKey(address string, chainID int64) string {
	return address + ":" + strconv.FormatInt(chainID, 10)
}

// Reserve returns the nonce to use, given the chain's current pending count.
// The higher of the tracked value and the chain's view wins.
func (t *NonceTracker) Reserve(address string, chainID int64, pendingCount uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := nonceKey(address, chainID)
	n := pendingCount
	if t.known[k] && t.next[k] > n {
		n = t.next[k]
	}
	t.next[k] = n + 1
	t.known[k] = true
	return n
}

// Invalidate drops tracking for an address, forcing a fresh chain read. Used
// after a nonce_stale rejection.
func (t *NonceTracker) Invalidate(address string, chainID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := nonceKey(address, chainID)
	delete(t.next, k)
	delete(t.known, k)
}
