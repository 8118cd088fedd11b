package card

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	issuingcard "github.com/stripe/stripe-go/v72/issuing/card"
	issuingtx "github.com/stripe/stripe-go/v72/issuing/transaction"
	"github.com/stripe/stripe-go/v72/topup"
)

// StripeProvider issues virtual cards through Stripe Issuing.
type StripeProvider struct {
	cardholderID string
	currency     string
}

// NewStripeProvider sets up stripe-go with the provided credentials. All
// cards are issued under a single platform cardholder.
func NewStripeProvider(secretKey, cardholderID, currency string) *StripeProvider {
	stripeapi.Key = secretKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeProvider{cardholderID: cardholderID, currency: currency}
}

func (p *StripeProvider) Name() string { return "stripe_issuing" }

func (p *StripeProvider) CreateCard(_ context.Context, req CreateRequest) (Card, error) {
	params := &stripeapi.IssuingCardParams{
		Cardholder: stripeapi.String(p.cardholderID),
		Currency:   stripeapi.String(p.currency),
		Type:       stripeapi.String(string(stripeapi.IssuingCardTypeVirtual)),
		SpendingControls: &stripeapi.IssuingCardSpendingControlsParams{
			SpendingLimits: []*stripeapi.IssuingCardSpendingControlsSpendingLimitParams{
				{
					Amount:   stripeapi.Int64(req.SpendLimit),
					Interval: stripeapi.String(stripeInterval(req.LimitInterval)),
				},
			},
		},
	}
	params.AddMetadata("agent_id", req.AgentID)
	params.AddMetadata("wallet_id", req.WalletID)

	c, err := issuingcard.New(params)
	if err != nil {
		return Card{}, fmt.Errorf("stripe: create card: %w", err)
	}
	return Card{
		ProviderCardID: c.ID,
		Provider:       p.Name(),
		AgentID:        req.AgentID,
		WalletID:       req.WalletID,
		Last4:          c.Last4,
		Status:         stripeStatus(c.Status),
		SpendLimit:     req.SpendLimit,
		LimitInterval:  req.LimitInterval,
		CreatedAt:      time.Unix(c.Created, 0).UTC(),
	}, nil
}

func (p *StripeProvider) ActivateCard(_ context.Context, id string) error {
	return p.setStatus(id, stripeapi.IssuingCardStatusActive)
}

func (p *StripeProvider) FreezeCard(_ context.Context, id string) error {
	return p.setStatus(id, stripeapi.IssuingCardStatusInactive)
}

func (p *StripeProvider) UnfreezeCard(_ context.Context, id string) error {
	return p.setStatus(id, stripeapi.IssuingCardStatusActive)
}

func (p *StripeProvider) CancelCard(_ context.Context, id string) error {
	return p.setStatus(id, stripeapi.IssuingCardStatusCanceled)
}

func (p *StripeProvider) setStatus(id string, status stripeapi.IssuingCardStatus) error {
	_, err := issuingcard.Update(id, &stripeapi.IssuingCardParams{
		Status: stripeapi.String(string(status)),
	})
	if err != nil {
		return fmt.Errorf("stripe: update card status: %w", err)
	}
	return nil
}

func (p *StripeProvider) UpdateLimits(_ context.Context, id string, limits Limits) error {
	_, err := issuingcard.Update(id, &stripeapi.IssuingCardParams{
		SpendingControls: &stripeapi.IssuingCardSpendingControlsParams{
			SpendingLimits: []*stripeapi.IssuingCardSpendingControlsSpendingLimitParams{
				{
					Amount:   stripeapi.Int64(limits.SpendLimit),
					Interval: stripeapi.String(stripeInterval(limits.LimitInterval)),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("stripe: update card limits: %w", err)
	}
	return nil
}

// FundCard tops up the shared issuing balance; Stripe does not fund cards
// individually.
func (p *StripeProvider) FundCard(_ context.Context, id string, amountMinor int64) error {
	_, err := topup.New(&stripeapi.TopupParams{
		Amount:      stripeapi.Int64(amountMinor),
		Currency:    stripeapi.String(p.currency),
		Description: stripeapi.String("issuing top-up for card " + id),
	})
	if err != nil {
		return fmt.Errorf("stripe: top up: %w", err)
	}
	return nil
}

func (p *StripeProvider) ListTransactions(_ context.Context, id string) ([]Transaction, error) {
	params := &stripeapi.IssuingTransactionListParams{Card: stripeapi.String(id)}
	iter := issuingtx.List(params)

	var txs []Transaction
	for iter.Next() {
		tx := iter.IssuingTransaction()
		out := Transaction{
			TransactionID: tx.ID,
			AmountMinor:   tx.Amount,
			Status:        string(tx.Type),
			CreatedAt:     time.Unix(tx.Created, 0).UTC(),
		}
		if tx.MerchantData != nil {
			out.MerchantName = tx.MerchantData.Name
		}
		txs = append(txs, out)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list transactions: %w", err)
	}
	return txs, nil
}

func (p *StripeProvider) OwnsCard(_ context.Context, id string) (bool, error) {
	_, err := issuingcard.Get(id, nil)
	if err == nil {
		return true, nil
	}
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("stripe: probe card: %w", err)
}

func stripeInterval(interval string) string {
	switch interval {
	case "daily":
		return string(stripeapi.IssuingCardSpendingControlsSpendingLimitIntervalDaily)
	case "monthly":
		return string(stripeapi.IssuingCardSpendingControlsSpendingLimitIntervalMonthly)
	case "per_authorization":
		return string(stripeapi.IssuingCardSpendingControlsSpendingLimitIntervalPerAuthorization)
	default:
		return string(stripeapi.IssuingCardSpendingControlsSpendingLimitIntervalAllTime)
	}
}

func stripeStatus(status stripeapi.IssuingCardStatus) Status {
	switch status {
	case stripeapi.IssuingCardStatusActive:
		return StatusActive
	case stripeapi.IssuingCardStatusInactive:
		return StatusFrozen
	case stripeapi.IssuingCardStatusCanceled:
		return StatusCancelled
	default:
		return StatusPending
	}
}
