package anchor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sardislabs/sardis/internal/ledger"
	"github.com/sardislabs/sardis/internal/logger"
)

// Status is the anchor's submission state.
type Status string

const (
	// StatusPending means the root is built but not yet committed on chain.
	StatusPending Status = "pending"
	// StatusCommitted means the root's commitment transaction succeeded.
	StatusCommitted Status = "committed"
)

// Anchor is one committed batch of ledger entries.
type Anchor struct {
	AnchorID     string    `json:"anchor_id"`
	MerkleRoot   string    `json:"merkle_root"`
	EntryCount   int       `json:"entry_count"`
	FirstEntryID string    `json:"first_entry_id"`
	LastEntryID  string    `json:"last_entry_id"`
	EntryIDs     []string  `json:"entry_ids"`
	Chain        string    `json:"chain"`
	Status       Status    `json:"status"`
	TxHash       string    `json:"transaction_hash,omitempty"`
	BlockNumber  uint64    `json:"block_number,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ErrAnchorNotFound is returned for unknown anchor or entry lookups.
var ErrAnchorNotFound = errors.New("anchor: not found")

// Store persists anchors.
type Store interface {
	Put(ctx context.Context, a Anchor) error
	Get(ctx context.Context, anchorID string) (Anchor, error)
	// ForEntry finds the anchor containing the entry.
	ForEntry(ctx context.Context, entryID string) (Anchor, error)
}

// Submitter commits a Merkle root to a chain and reads it back for
// verification.
type Submitter interface {
	SubmitRoot(ctx context.Context, root [32]byte) (txHash string, blockNumber uint64, err error)
	RootAt(ctx context.Context, txHash string) ([32]byte, error)
}

// MemoryStore is the in-process anchor store.
type MemoryStore struct {
	mu      sync.RWMutex
	anchors map[string]Anchor
	byEntry map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{anchors: make(map[string]Anchor), byEntry: make(map[string]string)}
}

func (s *MemoryStore) Put(_ context.Context, a Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors[a.AnchorID] = a
	for _, id := range a.EntryIDs {
		s.byEntry[id] = a.AnchorID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, anchorID string) (Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[anchorID]
	if !ok {
		return Anchor{}, ErrAnchorNotFound
	}
	return a, nil
}

func (s *MemoryStore) ForEntry(_ context.Context, entryID string) (Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEntry[entryID]
	if !ok {
		return Anchor{}, ErrAnchorNotFound
	}
	return s.anchors[id], nil
}

// Service batches unanchored ledger entries into Merkle anchors.
type Service struct {
	entries   ledger.Store
	anchors   Store
	submitter Submitter
	chain     string
	batchSize int
	interval  time.Duration

	startOnce  sync.Once
	stopOnce   sync.Once
	stopAnchor chan struct{}
	anchorDone chan struct{}
}

// NewService wires the ledger, anchor store, and chain submitter. chain
// names the target chain roots are committed to.
func NewService(entries ledger.Store, anchors Store, submitter Submitter, chain string, batchSize int, interval time.Duration) *Service {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{
		entries:    entries,
		anchors:    anchors,
		submitter:  submitter,
		chain:      chain,
		batchSize:  batchSize,
		interval:   interval,
		stopAnchor: make(chan struct{}),
		anchorDone: make(chan struct{}),
	}
}

// AnchorNow collects unanchored entries, builds the tree, submits the root,
// and marks the entries. Returns ErrNothingToAnchor when the ledger is
// caught up.
var ErrNothingToAnchor = errors.New("anchor: no unanchored entries")

func (s *Service) AnchorNow(ctx context.Context) (Anchor, error) {
	batch, err := s.entries.ListUnanchored(ctx, s.batchSize)
	if err != nil {
		return Anchor{}, fmt.Errorf("anchor: list unanchored: %w", err)
	}
	if len(batch) == 0 {
		return Anchor{}, ErrNothingToAnchor
	}

	leaves := make([][32]byte, len(batch))
	entryIDs := make([]string, len(batch))
	for i, e := range batch {
		hash, err := e.Hash()
		if err != nil {
			return Anchor{}, fmt.Errorf("anchor: hash entry %s: %w", e.EntryID, err)
		}
		leaves[i] = hash
		entryIDs[i] = e.EntryID
	}

	tree, err := buildTree(leaves)
	if err != nil {
		return Anchor{}, err
	}
	root := tree.root()

	a := Anchor{
		AnchorID:     uuid.New().String(),
		MerkleRoot:   hex.EncodeToString(root[:]),
		EntryCount:   len(batch),
		FirstEntryID: batch[0].EntryID,
		LastEntryID:  batch[len(batch)-1].EntryID,
		EntryIDs:     entryIDs,
		Chain:        s.chain,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	if s.submitter != nil {
		txHash, blockNumber, err := s.submitter.SubmitRoot(ctx, root)
		if err != nil {
			// The batch stays unanchored; the next tick retries it.
			return Anchor{}, fmt.Errorf("anchor: submit root: %w", err)
		}
		a.TxHash = txHash
		a.BlockNumber = blockNumber
		a.Status = StatusCommitted
	}

	if err := s.anchors.Put(ctx, a); err != nil {
		return Anchor{}, fmt.Errorf("anchor: store anchor: %w", err)
	}
	if err := s.entries.MarkAnchored(ctx, entryIDs, a.AnchorID); err != nil {
		return Anchor{}, fmt.Errorf("anchor: mark entries: %w", err)
	}

	logger.FromContext(ctx).Info().
		Str("anchor_id", a.AnchorID).
		Str("merkle_root", a.MerkleRoot).
		Int("entry_count", a.EntryCount).
		Msg("anchor.committed")
	return a, nil
}

// ProofForEntry returns the authentication path for the entry within its
// anchor.
func (s *Service) ProofForEntry(ctx context.Context, entryID string) ([]ProofStep, Anchor, error) {
	a, err := s.anchors.ForEntry(ctx, entryID)
	if err != nil {
		return nil, Anchor{}, err
	}
	tree, index, err := s.rebuildTree(ctx, a, entryID)
	if err != nil {
		return nil, Anchor{}, err
	}
	path, err := tree.proof(index)
	if err != nil {
		return nil, Anchor{}, err
	}
	return path, a, nil
}

// VerifyEntry rebuilds the entry's leaf hash, walks its proof, and compares
// against the anchor's stored root.
func (s *Service) VerifyEntry(ctx context.Context, e ledger.Entry, anchorID string) (bool, error) {
	a, err := s.anchors.Get(ctx, anchorID)
	if err != nil {
		return false, err
	}
	path, _, err := s.ProofForEntry(ctx, e.EntryID)
	if err != nil {
		return false, err
	}
	leaf, err := e.Hash()
	if err != nil {
		return false, err
	}
	root, err := decodeRoot(a.MerkleRoot)
	if err != nil {
		return false, err
	}
	return VerifyProof(leaf, path, root), nil
}

// VerifyAnchor re-reads the committed root from chain and compares it to the
// stored one.
func (s *Service) VerifyAnchor(ctx context.Context, anchorID string) (bool, error) {
	a, err := s.anchors.Get(ctx, anchorID)
	if err != nil {
		return false, err
	}
	if s.submitter == nil || a.TxHash == "" {
		return false, fmt.Errorf("anchor: %s was never committed to chain", anchorID)
	}
	onChain, err := s.submitter.RootAt(ctx, a.TxHash)
	if err != nil {
		return false, fmt.Errorf("anchor: read root from chain: %w", err)
	}
	stored, err := decodeRoot(a.MerkleRoot)
	if err != nil {
		return false, err
	}
	return onChain == stored, nil
}

func (s *Service) rebuildTree(ctx context.Context, a Anchor, entryID string) (*merkleTree, int, error) {
	leaves := make([][32]byte, len(a.EntryIDs))
	index := -1
	for i, id := range a.EntryIDs {
		e, err := s.entries.Get(ctx, id)
		if err != nil {
			return nil, 0, fmt.Errorf("anchor: load entry %s: %w", id, err)
		}
		hash, err := e.Hash()
		if err != nil {
			return nil, 0, err
		}
		leaves[i] = hash
		if id == entryID {
			index = i
		}
	}
	if index < 0 {
		return nil, 0, ErrAnchorNotFound
	}
	tree, err := buildTree(leaves)
	if err != nil {
		return nil, 0, err
	}
	return tree, index, nil
}

func decodeRoot(root string) ([32]byte, error) {
	raw, err := hex.DecodeString(root)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("anchor: malformed merkle root %q", root)
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

// Start launches the periodic anchoring loop.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

// Stop halts the loop and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopAnchor)
		<-s.anchorDone
	})
}

func (s *Service) loop() {
	defer close(s.anchorDone)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopAnchor:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.AnchorNow(ctx); err != nil && !errors.Is(err, ErrNothingToAnchor) {
				logger.FromContext(ctx).Error().Err(err).Msg("anchor.batch_failed")
			}
			cancel()
		}
	}
}
