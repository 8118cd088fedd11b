// Package rails defines the uniform adapter contract the settlement engine
// submits transactions through, plus shared retry behavior for transient
// rail errors.
package rails

import (
	"context"
	"time"

	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/sarderr"
)

// TransactionRequest is a rail-agnostic transfer instruction.
type TransactionRequest struct {
	WalletID    string `json:"wallet_id"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Token       string `json:"token"`
	AmountMinor int64  `json:"amount_minor"`
	Chain       string `json:"chain"`
	// Reference ties the submission back to the mandate or payment ID.
	Reference string `json:"reference"`
}

// SubmittedTx is the immediate result of a rail submission.
type SubmittedTx struct {
	TxHash      string    `json:"tx_hash"`
	Chain       string    `json:"chain"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ReceiptStatus is the chain-side outcome.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
)

// Receipt is the settled state of a submitted transaction.
type Receipt struct {
	TxHash      string        `json:"tx_hash"`
	Chain       string        `json:"chain"`
	BlockNumber uint64        `json:"block_number,omitempty"`
	Status      ReceiptStatus `json:"status"`
	GasUsed     uint64        `json:"gas_used,omitempty"`
	AuditAnchor string        `json:"audit_anchor,omitempty"`
}

// GasEstimate prices a prospective submission in the rail's native fee unit.
type GasEstimate struct {
	GasLimit  uint64 `json:"gas_limit"`
	FeeMinor  int64  `json:"fee_minor"`
	FeeSymbol string `json:"fee_symbol"`
}

// Adapter is the uniform rail contract.
type Adapter interface {
	ProviderName() string
	Rail() string
	Submit(ctx context.Context, req TransactionRequest) (SubmittedTx, error)
	// GetReceipt returns nil when the transaction is not yet visible.
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
	Estimate(ctx context.Context, req TransactionRequest) (GasEstimate, error)
}

// BalanceReader is implemented by adapters that can read on-rail balances for
// the settlement engine's cache refresh.
type BalanceReader interface {
	Balance(ctx context.Context, address, token string) (int64, error)
}

// RetryConfig bounds transient-error retries around a rail call.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetry is the standard rail retry posture.
var DefaultRetry = RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}

// WithRetry runs fn, retrying with exponential backoff while the error is a
// transient rail code (rpc_timeout, nonce_stale, rpc_error, network_error).
// Domain rejections return immediately.
func WithRetry(ctx context.Context, cfg RetryConfig, operation string, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetry
	}
	delay := cfg.BaseDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !sarderr.CodeOf(err).IsRetryable() || attempt == cfg.MaxAttempts {
			return err
		}
		logger.FromContext(ctx).Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Msg("rail.transient_retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
