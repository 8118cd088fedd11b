package funding

import (
	"context"
	"fmt"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/topup"
)

// StripeAdapter funds through Stripe top-ups drawn from the platform's
// linked bank account.
type StripeAdapter struct{}

// NewStripeAdapter sets the stripe-go key if not already configured.
func NewStripeAdapter(secretKey string) *StripeAdapter {
	if secretKey != "" {
		stripeapi.Key = secretKey
	}
	return &StripeAdapter{}
}

func (a *StripeAdapter) Name() string { return "stripe_treasury" }
func (a *StripeAdapter) Rail() string { return "bank_transfer" }

func (a *StripeAdapter) Fund(_ context.Context, req Request) (Result, error) {
	params := &stripeapi.TopupParams{
		Amount:      stripeapi.Int64(req.AmountMinor),
		Currency:    stripeapi.String(req.Currency),
		Description: stripeapi.String("wallet top-up " + req.WalletID),
	}
	params.AddMetadata("wallet_id", req.WalletID)
	params.AddMetadata("agent_id", req.AgentID)
	params.AddMetadata("reference", req.Reference)

	tp, err := topup.New(params)
	if err != nil {
		return Result{}, fmt.Errorf("stripe: top up: %w", err)
	}
	return Result{
		Provider:    a.Name(),
		Rail:        a.Rail(),
		ExternalID:  tp.ID,
		AmountMinor: tp.Amount,
		CreatedAt:   time.Unix(tp.Created, 0).UTC(),
	}, nil
}
