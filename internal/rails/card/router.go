package card

import (
	"context"
	"fmt"

	"github.com/sardislabs/sardis/internal/logger"
)

// Router fronts a primary and a fallback provider. Creation tries the
// primary and falls back on failure; every later operation routes to the
// provider that owns the card, probed from either side.
type Router struct {
	primary  Provider
	fallback Provider
}

// NewRouter wires the two providers. fallback may be nil.
func NewRouter(primary, fallback Provider) *Router {
	return &Router{primary: primary, fallback: fallback}
}

// CreateCard issues on the primary provider, falling back when it fails.
func (r *Router) CreateCard(ctx context.Context, req CreateRequest) (Card, error) {
	c, err := r.primary.CreateCard(ctx, req)
	if err == nil {
		return c, nil
	}
	if r.fallback == nil {
		return Card{}, err
	}
	logger.FromContext(ctx).Warn().
		Err(err).
		Str("provider", r.primary.Name()).
		Str("agent_id", req.AgentID).
		Msg("card.create_failover")

	c, fbErr := r.fallback.CreateCard(ctx, req)
	if fbErr != nil {
		return Card{}, fmt.Errorf("card: both providers failed: %s: %v; %s: %w",
			r.primary.Name(), err, r.fallback.Name(), fbErr)
	}
	return c, nil
}

// providerFor resolves the provider that issued the card.
func (r *Router) providerFor(ctx context.Context, providerCardID string) (Provider, error) {
	owns, err := r.primary.OwnsCard(ctx, providerCardID)
	if err != nil {
		return nil, err
	}
	if owns {
		return r.primary, nil
	}
	if r.fallback != nil {
		owns, err = r.fallback.OwnsCard(ctx, providerCardID)
		if err != nil {
			return nil, err
		}
		if owns {
			return r.fallback, nil
		}
	}
	return nil, ErrCardNotFound
}

func (r *Router) ActivateCard(ctx context.Context, id string) error {
	p, err := r.providerFor(ctx, id)
	if err != nil {
		return err
	}
	return p.ActivateCard(ctx, id)
}

func (r *Router) FreezeCard(ctx context.Context, id string) error {
	p, err := r.providerFor(ctx, id)
	if err != nil {
		return err
	}
	return p.FreezeCard(ctx, id)
}

func (r *Router) UnfreezeCard(ctx context.Context, id string) error {
	p, err := r.providerFor(ctx, id)
	if err != nil {
		return err
	}
	return p.UnfreezeCard(ctx, id)
}

func (r *Router) CancelCard(ctx context.Context, id string) error {
	p, err := r.providerFor(ctx, id)
	if err != nil {
		return err
	}
	return p.CancelCard(ctx, id)
}

func (r *Router) UpdateLimits(ctx context.Context, id string, limits Limits) error {
	p, err := r.providerFor(ctx, id)
	if err != nil {
		return err
	}
	return p.UpdateLimits(ctx, id, limits)
}

func (r *Router) FundCard(ctx context.Context, id string, amountMinor int64) error {
	p, err := r.providerFor(ctx, id)
	if err != nil {
		return err
	}
	return p.FundCard(ctx, id, amountMinor)
}

func (r *Router) ListTransactions(ctx context.Context, id string) ([]Transaction, error) {
	p, err := r.providerFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.ListTransactions(ctx, id)
}
