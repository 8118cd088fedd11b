// Package idempotency makes payment operations safe to retry. A record is
// keyed by (operation, key) and bound to the canonical hash of the request
// body, so a retried key with a different body is a conflict, not a replay.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Status is the record lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one idempotent operation attempt.
type Record struct {
	Key         string    `json:"key"`
	Operation   string    `json:"operation"`
	RequestHash string    `json:"request_hash"`
	Response    []byte    `json:"response,omitempty"`
	Status      Status    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ErrNotFound is returned when no record exists for (operation, key).
var ErrNotFound = errors.New("idempotency: record not found")

// Store persists idempotency records. Insert must be atomic: exactly one
// concurrent caller wins for a given (operation, key).
type Store interface {
	// Insert creates a pending record iff none exists. It returns the winning
	// record and whether this call created it.
	Insert(ctx context.Context, rec Record) (Record, bool, error)
	Get(ctx context.Context, operation, key string) (Record, error)
	// Update overwrites the record's status and response.
	Update(ctx context.Context, rec Record) error
	Close() error
}

// MemoryStore is an in-process Store with a background expiry sweep.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// NewMemoryStore constructs a store sweeping at the given interval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		records:     make(map[string]Record),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanupExpired(cleanupInterval)
	return s
}

func recordKey(operation, key string) string { return operation + ":" + key }

func (s *MemoryStore) Insert(_ context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(rec.Operation, rec.Key)
	if existing, ok := s.records[k]; ok && time.Now().Before(existing.ExpiresAt) {
		return existing, false, nil
	}
	now := time.Now()
	rec.Status = StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[k] = rec
	return rec, true, nil
}

func (s *MemoryStore) Get(_ context.Context, operation, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(operation, key)]
	if !ok || !time.Now().Before(rec.ExpiresAt) {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Update(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(rec.Operation, rec.Key)
	if _, ok := s.records[k]; !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = time.Now()
	s.records[k] = rec
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStore) cleanupExpired(interval time.Duration) {
	defer close(s.cleanupDone)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, rec := range s.records {
				if !now.Before(rec.ExpiresAt) {
					delete(s.records, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}
