// Package funding tops wallets up from fiat sources, trying an ordered list
// of providers and recording every attempt.
package funding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sardislabs/sardis/internal/logger"
)

// Request asks for a fiat top-up into a wallet.
type Request struct {
	WalletID    string `json:"wallet_id"`
	AgentID     string `json:"agent_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
}

// Result reports a successful top-up.
type Result struct {
	Provider    string    `json:"provider"`
	Rail        string    `json:"rail"`
	ExternalID  string    `json:"external_id"`
	AmountMinor int64     `json:"amount_minor"`
	CreatedAt   time.Time `json:"created_at"`
}

// Attempt records one provider try, successful or not.
type Attempt struct {
	Provider string `json:"provider"`
	Rail     string `json:"rail"`
	Status   string `json:"status"` // succeeded, failed
	Error    string `json:"error,omitempty"`
}

// Adapter is one fiat funding backend.
type Adapter interface {
	Name() string
	Rail() string
	Fund(ctx context.Context, req Request) (Result, error)
}

// RoutingError reports that every adapter in the chain failed, carrying the
// per-provider attempt rows.
type RoutingError struct {
	Attempts []Attempt
}

func (e *RoutingError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s(%s): %s", a.Provider, a.Rail, a.Error))
	}
	return "funding: all providers failed: " + strings.Join(parts, "; ")
}

// ExecuteWithFailover tries the adapters in order, returning the first
// success along with the attempt trail. When all fail, the error is a
// *RoutingError holding every attempt.
func ExecuteWithFailover(ctx context.Context, adapters []Adapter, req Request) (Result, []Attempt, error) {
	if len(adapters) == 0 {
		return Result{}, nil, fmt.Errorf("funding: no adapters configured")
	}

	attempts := make([]Attempt, 0, len(adapters))
	for _, adapter := range adapters {
		result, err := adapter.Fund(ctx, req)
		if err == nil {
			attempts = append(attempts, Attempt{
				Provider: adapter.Name(),
				Rail:     adapter.Rail(),
				Status:   "succeeded",
			})
			return result, attempts, nil
		}

		attempts = append(attempts, Attempt{
			Provider: adapter.Name(),
			Rail:     adapter.Rail(),
			Status:   "failed",
			Error:    err.Error(),
		})
		logger.FromContext(ctx).Warn().
			Err(err).
			Str("provider", adapter.Name()).
			Str("reference", req.Reference).
			Msg("funding.provider_failed")

		if ctx.Err() != nil {
			break
		}
	}
	return Result{}, attempts, &RoutingError{Attempts: attempts}
}
