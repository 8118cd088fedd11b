package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the ledger in process. Append order is the authoritative
// sequence.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []Entry
	byID     map[string]int
	byTxID   map[string]int
	lastRoot string
	seq      uint64
	now      func() time.Time
}

// NewMemoryStore constructs an empty ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]int),
		byTxID: make(map[string]int),
		now:    time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTxID[e.TxID]; ok {
		return Entry{}, ErrDuplicateTxID
	}

	s.seq++
	e.Sequence = s.seq
	e.CreatedAt = s.now().UTC()
	e.UpdatedAt = e.CreatedAt

	hash, err := e.Hash()
	if err != nil {
		return Entry{}, err
	}
	e.AuditAnchor = chainAnchor(s.lastRoot, hash)
	s.lastRoot = e.AuditAnchor

	s.byID[e.EntryID] = len(s.entries)
	s.byTxID[e.TxID] = len(s.entries)
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *MemoryStore) Get(_ context.Context, entryID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[entryID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return s.entries[i], nil
}

func (s *MemoryStore) GetByTxID(_ context.Context, txID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byTxID[txID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return s.entries[i], nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, entryID string, update StatusUpdate) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[entryID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	e := s.entries[i]
	e.Status = update.Status
	if update.TxHash != "" {
		e.TxHash = update.TxHash
	}
	if update.BlockNumber > 0 {
		e.BlockNumber = update.BlockNumber
	}
	if update.GasUsed > 0 {
		e.GasUsed = update.GasUsed
	}
	e.FailureReason = update.FailureReason
	e.UpdatedAt = s.now().UTC()
	s.entries[i] = e
	return e, nil
}

func (s *MemoryStore) ListUnanchored(_ context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.AnchorID != "" {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkAnchored(_ context.Context, entryIDs []string, anchorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range entryIDs {
		i, ok := s.byID[id]
		if !ok {
			return ErrEntryNotFound
		}
		s.entries[i].AnchorID = anchorID
	}
	return nil
}

func (s *MemoryStore) ListForAgent(_ context.Context, agentID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].AgentID != agentID {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
