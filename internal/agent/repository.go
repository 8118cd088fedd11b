package agent

import (
	"context"
	"sync"
	"time"
)

// Repository stores agents, wallets, and groups.
type Repository interface {
	GetAgent(ctx context.Context, agentID string) (Agent, error)
	// PutAgent inserts or updates. Updates must carry the current version;
	// a stale version returns ErrVersionConflict.
	PutAgent(ctx context.Context, a Agent) error
	DeactivateAgent(ctx context.Context, agentID string) error

	GetWallet(ctx context.Context, walletID string) (Wallet, error)
	PutWallet(ctx context.Context, w Wallet) error
	WalletsForAgent(ctx context.Context, agentID string) ([]Wallet, error)
	// WalletByAddress resolves the wallet holding address on chain; the x402
	// paywall maps payers onto agents with it.
	WalletByAddress(ctx context.Context, chain, address string) (Wallet, error)

	GetGroup(ctx context.Context, groupID string) (Group, error)
	PutGroup(ctx context.Context, g Group) error
	// GroupsForAgent returns every group whose agent_ids contains agentID.
	GroupsForAgent(ctx context.Context, agentID string) ([]Group, error)
}

// MemoryRepository is an in-process Repository for development and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	agents  map[string]Agent
	wallets map[string]Wallet
	groups  map[string]Group
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		agents:  make(map[string]Agent),
		wallets: make(map[string]Wallet),
		groups:  make(map[string]Group),
	}
}

func (r *MemoryRepository) GetAgent(_ context.Context, agentID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (r *MemoryRepository) PutAgent(_ context.Context, a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.agents[a.AgentID]
	if ok && existing.Version != a.Version {
		return ErrVersionConflict
	}
	a.Version++
	a.UpdatedAt = time.Now()
	if !ok {
		a.CreatedAt = a.UpdatedAt
		a.Active = true
	}
	r.agents[a.AgentID] = a
	return nil
}

func (r *MemoryRepository) DeactivateAgent(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	a.Active = false
	a.Version++
	a.UpdatedAt = time.Now()
	r.agents[agentID] = a
	return nil
}

func (r *MemoryRepository) GetWallet(_ context.Context, walletID string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (r *MemoryRepository) PutWallet(_ context.Context, w Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	r.wallets[w.WalletID] = w
	return nil
}

func (r *MemoryRepository) WalletsForAgent(_ context.Context, agentID string) ([]Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Wallet
	for _, w := range r.wallets {
		if w.AgentID == agentID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *MemoryRepository) WalletByAddress(_ context.Context, chain, address string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.wallets {
		if w.ChainAddresses[chain] == address {
			return w, nil
		}
	}
	return Wallet{}, ErrWalletNotFound
}

func (r *MemoryRepository) GetGroup(_ context.Context, groupID string) (Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return g, nil
}

func (r *MemoryRepository) PutGroup(_ context.Context, g Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	r.groups[g.GroupID] = g
	return nil
}

func (r *MemoryRepository) GroupsForAgent(_ context.Context, agentID string) ([]Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Group
	for _, g := range r.groups {
		if g.Contains(agentID) {
			out = append(out, g)
		}
	}
	return out, nil
}
