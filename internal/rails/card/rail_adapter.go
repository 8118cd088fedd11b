package card

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sardislabs/sardis/internal/rails"
	"github.com/sardislabs/sardis/internal/sarderr"
)

// RailAdapter exposes the card router as a settlement rail. A card payment
// loads the destination card: TransactionRequest.ToAddress carries the
// provider card ID. Loads settle provider-side, so the receipt confirms as
// soon as the load succeeds.
type RailAdapter struct {
	router *Router

	mu     sync.Mutex
	loaded map[string]rails.Receipt
}

// NewRailAdapter wraps a router for the settlement engine.
func NewRailAdapter(router *Router) *RailAdapter {
	return &RailAdapter{router: router, loaded: make(map[string]rails.Receipt)}
}

func (a *RailAdapter) ProviderName() string { return a.router.primary.Name() }
func (a *RailAdapter) Rail() string         { return "card" }

func (a *RailAdapter) Submit(ctx context.Context, req rails.TransactionRequest) (rails.SubmittedTx, error) {
	if req.ToAddress == "" {
		return rails.SubmittedTx{}, sarderr.New(sarderr.CodeInvalidPayload,
			"card rail requires a provider card ID destination")
	}
	if err := a.router.FundCard(ctx, req.ToAddress, req.AmountMinor); err != nil {
		return rails.SubmittedTx{}, err
	}
	tx := rails.SubmittedTx{
		TxHash:      "card-" + uuid.NewString(),
		Chain:       "card",
		SubmittedAt: time.Now(),
	}
	a.mu.Lock()
	a.loaded[tx.TxHash] = rails.Receipt{TxHash: tx.TxHash, Chain: "card", Status: rails.ReceiptConfirmed}
	a.mu.Unlock()
	return tx, nil
}

func (a *RailAdapter) GetReceipt(_ context.Context, txHash string) (*rails.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.loaded[txHash]; ok {
		return &r, nil
	}
	return nil, nil
}

func (a *RailAdapter) Estimate(context.Context, rails.TransactionRequest) (rails.GasEstimate, error) {
	// Provider fees are billed out of band.
	return rails.GasEstimate{FeeSymbol: "USD"}, nil
}
