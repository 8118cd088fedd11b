package policy

import (
	"context"
	"sync"
	"time"
)

// Store persists per-agent policies and group spend trackers.
type Store interface {
	GetPolicy(ctx context.Context, agentID string) (Policy, error)
	PutPolicy(ctx context.Context, p Policy) error
	// ApplySpend atomically adds amount to spent_total, every window's
	// current_spent, and any merchant-rule daily tracker matching merchantID,
	// resetting windows that have lapsed.
	ApplySpend(ctx context.Context, agentID, merchantID string, amount int64, now time.Time) error

	// GroupSpend returns the aggregate tracker for a group, zero-valued when
	// the group has no recorded spend yet.
	GroupSpend(ctx context.Context, groupID string) (GroupSpend, error)
	// ApplyGroupSpend atomically adds amount to the group tracker.
	ApplyGroupSpend(ctx context.Context, groupID string, amount int64, now time.Time) error
}

// GroupSpend is a group's aggregate spend across its budget windows.
type GroupSpend struct {
	Daily   Window `json:"daily"`
	Monthly Window `json:"monthly"`
	Total   int64  `json:"total"`
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
	groups   map[string]GroupSpend
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]Policy),
		groups:   make(map[string]GroupSpend),
	}
}

func (s *MemoryStore) GetPolicy(_ context.Context, agentID string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[agentID]
	if !ok {
		return Policy{}, ErrPolicyNotFound
	}
	return p, nil
}

func (s *MemoryStore) PutPolicy(_ context.Context, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now()
	s.policies[p.AgentID] = p
	return nil
}

func (s *MemoryStore) ApplySpend(_ context.Context, agentID, merchantID string, amount int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[agentID]
	if !ok {
		return ErrPolicyNotFound
	}
	p.SpentTotal += amount
	applyWindowSpend(&p.Daily, amount, now, DayWindow)
	applyWindowSpend(&p.Weekly, amount, now, WeekWindow)
	applyWindowSpend(&p.Monthly, amount, now, MonthWindow)
	applyMerchantSpend(p.MerchantRules, merchantID, amount, now)
	p.UpdatedAt = now
	s.policies[agentID] = p
	return nil
}

func (s *MemoryStore) GroupSpend(_ context.Context, groupID string) (GroupSpend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[groupID], nil
}

func (s *MemoryStore) ApplyGroupSpend(_ context.Context, groupID string, amount int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[groupID]
	g.Total += amount
	applyWindowSpend(&g.Daily, amount, now, DayWindow)
	applyWindowSpend(&g.Monthly, amount, now, MonthWindow)
	s.groups[groupID] = g
	return nil
}

func applyWindowSpend(w *Window, amount int64, now time.Time, duration time.Duration) {
	if w.Expired(now, duration) {
		w.CurrentSpent = 0
		w.WindowStart = now
	}
	w.CurrentSpent += amount
}

// applyMerchantSpend charges every allow rule with a daily limit that matches
// the merchant. Category-scoped rules only accrue when the merchant ID is
// named; settlement does not carry the merchant category.
func applyMerchantSpend(rules []MerchantRule, merchantID string, amount int64, now time.Time) {
	if merchantID == "" {
		return
	}
	for i := range rules {
		r := &rules[i]
		if r.RuleType != RuleAllow || r.DailyLimit <= 0 {
			continue
		}
		if !r.Matches(merchantID, "", now) {
			continue
		}
		applyWindowSpend(&r.Spent, amount, now, DayWindow)
	}
}
