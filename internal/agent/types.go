// Package agent holds the agent, wallet, and group entities and their
// repositories. Agents are never deleted, only deactivated; updates bump a
// version counter so concurrent writers can be detected.
package agent

import (
	"errors"
	"time"
)

// KYALevel is the know-your-agent verification tier.
type KYALevel string

const (
	KYANone     KYALevel = "none"
	KYABasic    KYALevel = "basic"
	KYAVerified KYALevel = "verified"
	KYAAttested KYALevel = "attested"
)

// TrustWeight maps a KYA level onto [0,1] for confidence scoring.
func (k KYALevel) TrustWeight() float64 {
	switch k {
	case KYABasic:
		return 0.4
	case KYAVerified:
		return 0.7
	case KYAAttested:
		return 1.0
	default:
		return 0.0
	}
}

// SpendingLimits are the per-agent caps in minor units. Zero means unlimited.
type SpendingLimits struct {
	PerTx   int64 `json:"per_tx"`
	Daily   int64 `json:"daily"`
	Weekly  int64 `json:"weekly"`
	Monthly int64 `json:"monthly"`
	Total   int64 `json:"total"`
}

// Agent is an autonomous payer registered by an organization admin.
type Agent struct {
	AgentID   string         `json:"agent_id"`
	OwnerID   string         `json:"owner_id"`
	Name      string         `json:"name"`
	Limits    SpendingLimits `json:"spending_limits"`
	PolicyRef string         `json:"policy_ref"`
	WalletIDs []string       `json:"wallet_ids"`
	KYALevel  KYALevel       `json:"kya_level"`
	Active    bool           `json:"active"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Wallet binds an agent to chain addresses managed by an MPC provider. One
// wallet may address multiple chains.
type Wallet struct {
	WalletID       string            `json:"wallet_id"`
	AgentID        string            `json:"agent_id"`
	ChainAddresses map[string]string `json:"chain_addresses"` // chain -> address
	MPCProvider    string            `json:"mpc_provider"`
	Currency       string            `json:"currency"`
	Frozen         bool              `json:"frozen"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AddressFor returns the wallet's address on a chain, or "" when unbound.
func (w Wallet) AddressFor(chain string) string {
	return w.ChainAddresses[chain]
}

// GroupBudget is the aggregate cap shared by all agents in a group.
type GroupBudget struct {
	PerTransaction int64 `json:"per_transaction"`
	Daily          int64 `json:"daily"`
	Monthly        int64 `json:"monthly"`
	Total          int64 `json:"total"`
}

// GroupMerchantPolicy restricts which merchants a group's agents may pay.
type GroupMerchantPolicy struct {
	BlockedMerchants []string `json:"blocked_merchants"`
	AllowedMerchants []string `json:"allowed_merchants"` // empty means no allowlist
}

// Group aggregates agents under a shared budget and merchant policy.
type Group struct {
	GroupID        string              `json:"group_id"`
	OwnerID        string              `json:"owner_id"`
	AgentIDs       []string            `json:"agent_ids"`
	Budget         GroupBudget         `json:"budget"`
	MerchantPolicy GroupMerchantPolicy `json:"merchant_policy"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Contains reports whether the agent belongs to this group.
func (g Group) Contains(agentID string) bool {
	for _, id := range g.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

var (
	ErrAgentNotFound   = errors.New("agent: not found")
	ErrWalletNotFound  = errors.New("agent: wallet not found")
	ErrGroupNotFound   = errors.New("agent: group not found")
	ErrVersionConflict = errors.New("agent: version conflict")
)
