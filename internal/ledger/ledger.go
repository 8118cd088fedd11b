// Package ledger is the append-only record of every settlement attempt.
// Entries form a hash chain: each one's audit anchor commits to the previous
// entry, so reordering or rewriting history is detectable.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sardislabs/sardis/internal/canonical"
)

// EntryStatus tracks the on-rail lifecycle.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusConfirmed EntryStatus = "confirmed"
	StatusFailed    EntryStatus = "failed"
)

// Entry is one ledger row. TxID is unique across the ledger; Sequence is the
// global append order.
type Entry struct {
	EntryID       string      `json:"entry_id"`
	TxID          string      `json:"tx_id"`
	AgentID       string      `json:"agent_id"`
	WalletID      string      `json:"wallet_id"`
	MerchantID    string      `json:"merchant_id,omitempty"`
	Token         string      `json:"token"`
	Chain         string      `json:"chain"`
	AmountMinor   int64       `json:"amount_minor"`
	FeeMinor      int64       `json:"fee_minor"`
	Status        EntryStatus `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	TxHash        string      `json:"tx_hash,omitempty"`
	BlockNumber   uint64      `json:"block_number,omitempty"`
	GasUsed       uint64      `json:"gas_used,omitempty"`
	AuditAnchor   string      `json:"audit_anchor"`
	AnchorID      string      `json:"anchor_id,omitempty"`
	Sequence      uint64      `json:"sequence"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Hash is the entry's leaf hash over its immutable identity fields. Status
// and receipt fields are excluded so confirmation does not break the chain.
func (e Entry) Hash() ([32]byte, error) {
	payload := struct {
		EntryID     string `json:"entry_id"`
		TxID        string `json:"tx_id"`
		AgentID     string `json:"agent_id"`
		WalletID    string `json:"wallet_id"`
		MerchantID  string `json:"merchant_id"`
		Token       string `json:"token"`
		Chain       string `json:"chain"`
		AmountMinor int64  `json:"amount_minor"`
		FeeMinor    int64  `json:"fee_minor"`
		Sequence    uint64 `json:"sequence"`
		CreatedAt   string `json:"created_at"`
	}{
		EntryID:     e.EntryID,
		TxID:        e.TxID,
		AgentID:     e.AgentID,
		WalletID:    e.WalletID,
		MerchantID:  e.MerchantID,
		Token:       e.Token,
		Chain:       e.Chain,
		AmountMinor: e.AmountMinor,
		FeeMinor:    e.FeeMinor,
		Sequence:    e.Sequence,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	raw, err := canonical.Canonicalize(payload)
	if err != nil {
		return [32]byte{}, err
	}
	return canonical.HashSHA256(raw), nil
}

// chainAnchor derives the next audit anchor from the previous one and the
// entry's own hash.
func chainAnchor(prev string, entryHash [32]byte) string {
	combined := append([]byte(prev), entryHash[:]...)
	sum := canonical.HashSHA256(combined)
	return hex.EncodeToString(sum[:])
}

var (
	ErrEntryNotFound = errors.New("ledger: entry not found")
	ErrDuplicateTxID = errors.New("ledger: tx_id already recorded")
)

// StatusUpdate carries the mutable receipt fields applied on confirmation or
// failure.
type StatusUpdate struct {
	Status        EntryStatus
	TxHash        string
	BlockNumber   uint64
	GasUsed       uint64
	FailureReason string
}

// Store is the persistence surface for the ledger.
type Store interface {
	// Append assigns the sequence number and audit anchor and persists the
	// entry. TxID collisions return ErrDuplicateTxID.
	Append(ctx context.Context, e Entry) (Entry, error)
	Get(ctx context.Context, entryID string) (Entry, error)
	GetByTxID(ctx context.Context, txID string) (Entry, error)
	UpdateStatus(ctx context.Context, entryID string, update StatusUpdate) (Entry, error)
	// ListUnanchored returns entries without an anchor in sequence order.
	ListUnanchored(ctx context.Context, limit int) ([]Entry, error)
	MarkAnchored(ctx context.Context, entryIDs []string, anchorID string) error
	// ListForAgent returns the agent's entries, newest first.
	ListForAgent(ctx context.Context, agentID string, limit int) ([]Entry, error)
}

// NewEntry fills identity fields for an append.
func NewEntry(txID, agentID, walletID, merchantID, token, chain string, amountMinor, feeMinor int64) Entry {
	return Entry{
		EntryID:     uuid.New().String(),
		TxID:        txID,
		AgentID:     agentID,
		WalletID:    walletID,
		MerchantID:  merchantID,
		Token:       token,
		Chain:       chain,
		AmountMinor: amountMinor,
		FeeMinor:    feeMinor,
		Status:      StatusPending,
	}
}
