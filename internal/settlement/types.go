// Package settlement orchestrates a verified payment from idempotency entry
// through lock, compliance, policy, confidence routing, rail submission, and
// ledger confirmation.
package settlement

import (
	"fmt"
	"strconv"

	"github.com/sardislabs/sardis/internal/mandate"
	"github.com/sardislabs/sardis/pkg/x402"
)

// Payment is the engine's normalized input, built from a verified AP2 chain
// or an accepted x402 challenge.
type Payment struct {
	// Reference is the idempotency key: the payment mandate ID for AP2, the
	// challenge payment ID for x402.
	Reference      string `json:"reference"`
	AgentID        string `json:"agent_id"`
	WalletID       string `json:"wallet_id"`
	MerchantID     string `json:"merchant_id"`
	MerchantDomain string `json:"merchant_domain"`
	ToAddress      string `json:"to_address"`
	Token          string `json:"token"`
	Chain          string `json:"chain"`
	AmountMinor    int64  `json:"amount_minor"`
	FeeMinor       int64  `json:"fee_minor"`
	Scope          string `json:"scope"`
	Source         string `json:"source"` // ap2, x402
}

// PaymentFromChain maps a verified AP2 bundle onto a Payment.
func PaymentFromChain(chain *mandate.VerifiedChain, walletID string) Payment {
	return Payment{
		Reference:      chain.Payment.MandateID,
		AgentID:        chain.Payment.Subject,
		WalletID:       walletID,
		MerchantID:     chain.Payment.MerchantDomain,
		MerchantDomain: chain.Payment.MerchantDomain,
		ToAddress:      chain.Payment.Destination,
		Token:          chain.Payment.Token,
		Chain:          chain.Payment.Chain,
		AmountMinor:    chain.Payment.AmountMinor,
		Scope:          chain.Intent.Scope,
		Source:         "ap2",
	}
}

// PaymentFromX402 maps an accepted challenge onto a Payment. The challenge
// amount is a decimal string of minor units.
func PaymentFromX402(challenge x402.Challenge, agentID, walletID string) (Payment, error) {
	amount, err := strconv.ParseInt(challenge.Amount, 10, 64)
	if err != nil {
		return Payment{}, fmt.Errorf("settlement: parse x402 amount %q: %w", challenge.Amount, err)
	}
	return Payment{
		Reference:   challenge.PaymentID,
		AgentID:     agentID,
		WalletID:    walletID,
		ToAddress:   challenge.PayeeAddress,
		Token:       challenge.Token,
		Chain:       challenge.Network,
		AmountMinor: amount,
		Source:      "x402",
	}, nil
}

// Receipt statuses.
const (
	StatusSettled         = "settled"
	StatusPendingApproval = "pending_approval"
)

// Receipt is the terminal result of a dispatched payment.
type Receipt struct {
	PaymentID     string `json:"payment_id"`
	Status        string `json:"status"`
	Chain         string `json:"chain"`
	TxHash        string `json:"tx_hash,omitempty"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	GasUsed       uint64 `json:"gas_used,omitempty"`
	AmountMinor   int64  `json:"amount_minor"`
	LedgerEntryID string `json:"ledger_entry_id,omitempty"`
	ApprovalID    string `json:"approval_id,omitempty"`
}
