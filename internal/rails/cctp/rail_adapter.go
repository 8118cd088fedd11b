package cctp

import (
	"context"

	"github.com/sardislabs/sardis/internal/rails"
)

// RailAdapter exposes the bridge as a settlement rail for cross-chain USDC.
// Submit initiates the transfer; every receipt poll advances the state
// machine one transition, so confirmation tracks the burn, attestation, and
// mint legs without blocking the poll loop.
type RailAdapter struct {
	bridge *Bridge
	source string
	dest   string
}

// NewRailAdapter wraps a bridge moving funds from sourceChain to destChain.
func NewRailAdapter(bridge *Bridge, sourceChain, destChain string) *RailAdapter {
	return &RailAdapter{bridge: bridge, source: sourceChain, dest: destChain}
}

func (a *RailAdapter) ProviderName() string { return "circle_cctp" }
func (a *RailAdapter) Rail() string         { return "cctp" }

func (a *RailAdapter) Submit(ctx context.Context, req rails.TransactionRequest) (rails.SubmittedTx, error) {
	t, err := a.bridge.Initiate(ctx, req.WalletID, a.source, a.dest, req.FromAddress, req.ToAddress, req.AmountMinor)
	if err != nil {
		return rails.SubmittedTx{}, err
	}
	// The transfer ID stands in for a tx hash: the movement spans a burn and
	// a mint transaction on different chains.
	return rails.SubmittedTx{TxHash: t.TransferID, Chain: "cctp", SubmittedAt: t.CreatedAt}, nil
}

func (a *RailAdapter) GetReceipt(ctx context.Context, txHash string) (*rails.Receipt, error) {
	t, err := a.bridge.Advance(ctx, txHash)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusCompleted:
		return &rails.Receipt{TxHash: txHash, Chain: "cctp", Status: rails.ReceiptConfirmed}, nil
	case StatusFailed:
		return &rails.Receipt{TxHash: txHash, Chain: "cctp", Status: rails.ReceiptFailed}, nil
	default:
		return nil, nil
	}
}

func (a *RailAdapter) Estimate(context.Context, rails.TransactionRequest) (rails.GasEstimate, error) {
	// Burn plus mint, priced as gas limits; fees come out of the signer's
	// native balances on both chains.
	return rails.GasEstimate{GasLimit: depositForBurnGasLimit + receiveMessageGasLimit, FeeSymbol: "ETH"}, nil
}
