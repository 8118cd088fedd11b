package funding

import (
	"context"
	"sync"
	"time"

	"github.com/sardislabs/sardis/internal/rails"
)

// RailAdapter exposes the ordered funding failover as a settlement rail for
// fiat top-ups. Transfers settle provider-side, so the receipt confirms as
// soon as a provider accepts the transfer.
type RailAdapter struct {
	adapters []Adapter

	mu      sync.Mutex
	settled map[string]rails.Receipt
}

// NewRailAdapter wraps the provider chain for the settlement engine.
func NewRailAdapter(adapters []Adapter) *RailAdapter {
	return &RailAdapter{adapters: adapters, settled: make(map[string]rails.Receipt)}
}

func (a *RailAdapter) ProviderName() string {
	if len(a.adapters) > 0 {
		return a.adapters[0].Name()
	}
	return "funding"
}

func (a *RailAdapter) Rail() string { return "bank_transfer" }

func (a *RailAdapter) Submit(ctx context.Context, req rails.TransactionRequest) (rails.SubmittedTx, error) {
	result, _, err := ExecuteWithFailover(ctx, a.adapters, Request{
		WalletID:    req.WalletID,
		AmountMinor: req.AmountMinor,
		Currency:    req.Token,
		Reference:   req.Reference,
	})
	if err != nil {
		return rails.SubmittedTx{}, err
	}
	tx := rails.SubmittedTx{
		TxHash:      result.ExternalID,
		Chain:       "bank_transfer",
		SubmittedAt: time.Now(),
	}
	a.mu.Lock()
	a.settled[tx.TxHash] = rails.Receipt{TxHash: tx.TxHash, Chain: "bank_transfer", Status: rails.ReceiptConfirmed}
	a.mu.Unlock()
	return tx, nil
}

func (a *RailAdapter) GetReceipt(_ context.Context, txHash string) (*rails.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.settled[txHash]; ok {
		return &r, nil
	}
	return nil, nil
}

func (a *RailAdapter) Estimate(context.Context, rails.TransactionRequest) (rails.GasEstimate, error) {
	return rails.GasEstimate{FeeSymbol: "USD"}, nil
}
