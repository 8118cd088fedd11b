// Package card issues and operates virtual cards through interchangeable
// providers, with a router that fails over on creation and pins every later
// operation to the provider that owns the card.
package card

import (
	"context"
	"errors"
	"time"
)

// Status of a card at its provider.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusFrozen    Status = "frozen"
	StatusCancelled Status = "cancelled"
)

// Card is the provider-agnostic view of an issued card.
type Card struct {
	ProviderCardID string    `json:"provider_card_id"`
	Provider       string    `json:"provider"`
	AgentID        string    `json:"agent_id"`
	WalletID       string    `json:"wallet_id"`
	Last4          string    `json:"last4"`
	Status         Status    `json:"status"`
	SpendLimit     int64     `json:"spend_limit_minor"`
	LimitInterval  string    `json:"limit_interval"`
	CreatedAt      time.Time `json:"created_at"`
}

// Transaction is one card authorization or settlement.
type Transaction struct {
	TransactionID string    `json:"transaction_id"`
	MerchantName  string    `json:"merchant_name"`
	AmountMinor   int64     `json:"amount_minor"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateRequest asks a provider for a new virtual card.
type CreateRequest struct {
	AgentID       string `json:"agent_id"`
	WalletID      string `json:"wallet_id"`
	SpendLimit    int64  `json:"spend_limit_minor"`
	LimitInterval string `json:"limit_interval"` // daily, monthly, per_authorization
}

// Limits updates a card's spending controls.
type Limits struct {
	SpendLimit    int64  `json:"spend_limit_minor"`
	LimitInterval string `json:"limit_interval"`
}

// ErrCardNotFound is returned when neither provider recognises the card.
var ErrCardNotFound = errors.New("card: not found at any provider")

// Provider is one card-issuing backend.
type Provider interface {
	Name() string
	CreateCard(ctx context.Context, req CreateRequest) (Card, error)
	ActivateCard(ctx context.Context, providerCardID string) error
	FreezeCard(ctx context.Context, providerCardID string) error
	UnfreezeCard(ctx context.Context, providerCardID string) error
	CancelCard(ctx context.Context, providerCardID string) error
	UpdateLimits(ctx context.Context, providerCardID string, limits Limits) error
	FundCard(ctx context.Context, providerCardID string, amountMinor int64) error
	ListTransactions(ctx context.Context, providerCardID string) ([]Transaction, error)
	// OwnsCard probes whether the provider issued the card.
	OwnsCard(ctx context.Context, providerCardID string) (bool, error)
}
