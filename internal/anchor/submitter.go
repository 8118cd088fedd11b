package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// MemorySubmitter records roots in process instead of committing them to a
// chain. Used in simulated mode so anchoring and proof verification work
// without an RPC endpoint.
type MemorySubmitter struct {
	mu    sync.Mutex
	roots map[string][32]byte
	block uint64
}

func NewMemorySubmitter() *MemorySubmitter {
	return &MemorySubmitter{roots: make(map[string][32]byte)}
}

func (s *MemorySubmitter) SubmitRoot(_ context.Context, root [32]byte) (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block++
	digest := sha256.Sum256(append(root[:], byte(s.block)))
	txHash := "0x" + hex.EncodeToString(digest[:])
	s.roots[txHash] = root
	return txHash, s.block, nil
}

func (s *MemorySubmitter) RootAt(_ context.Context, txHash string) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.roots[txHash]
	if !ok {
		return [32]byte{}, fmt.Errorf("anchor: no root committed under %s", txHash)
	}
	return root, nil
}
