// Package identity resolves agent and merchant signing keys. In production the
// mandate verifier refuses keys that do not resolve through a registry.
package identity

import (
	"context"
	"fmt"
	"sync"
)

// Registry resolves a DID to its registered public keys.
type Registry interface {
	// ResolveKey returns the hex public key registered for did under alg, or
	// an error when the DID or algorithm is unknown.
	ResolveKey(ctx context.Context, did, alg string) (pubKeyHex string, err error)
}

// ErrUnknownDID is wrapped by ResolveKey when a DID has no registration.
var ErrUnknownDID = fmt.Errorf("identity: unknown did")

// MemoryRegistry is an in-process Registry for development and tests.
type MemoryRegistry struct {
	mu   sync.RWMutex
	keys map[string]map[string]string // did -> alg -> pubkey hex
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{keys: make(map[string]map[string]string)}
}

// Register records a key for a DID, replacing any prior key for the algorithm.
func (r *MemoryRegistry) Register(did, alg, pubKeyHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[did] == nil {
		r.keys[did] = make(map[string]string)
	}
	r.keys[did][alg] = pubKeyHex
}

// ResolveKey implements Registry.
func (r *MemoryRegistry) ResolveKey(_ context.Context, did, alg string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	algs, ok := r.keys[did]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDID, did)
	}
	key, ok := algs[alg]
	if !ok {
		return "", fmt.Errorf("%w: %s has no %s key", ErrUnknownDID, did, alg)
	}
	return key, nil
}
