package funding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name  string
	rail  string
	err   error
	calls int
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Rail() string { return f.rail }

func (f *fakeAdapter) Fund(_ context.Context, req Request) (Result, error) {
	f.calls++
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Provider: f.name, Rail: f.rail, ExternalID: f.name + "-tp-1", AmountMinor: req.AmountMinor}, nil
}

func fundingReq() Request {
	return Request{WalletID: "wallet-1", AgentID: "agent-001", AmountMinor: 100000, Currency: "usd", Reference: "fund-1"}
}

func TestFirstAdapterSucceeds(t *testing.T) {
	primary := &fakeAdapter{name: "stripe_treasury", rail: "bank_transfer"}
	backup := &fakeAdapter{name: "alt_bank", rail: "ach"}

	result, attempts, err := ExecuteWithFailover(context.Background(), []Adapter{primary, backup}, fundingReq())
	require.NoError(t, err)
	assert.Equal(t, "stripe_treasury", result.Provider)
	assert.Equal(t, int64(100000), result.AmountMinor)
	assert.Zero(t, backup.calls)

	require.Len(t, attempts, 1)
	assert.Equal(t, Attempt{Provider: "stripe_treasury", Rail: "bank_transfer", Status: "succeeded"}, attempts[0])
}

func TestFailoverToSecondAdapter(t *testing.T) {
	primary := &fakeAdapter{name: "stripe_treasury", rail: "bank_transfer", err: errors.New("treasury unavailable")}
	backup := &fakeAdapter{name: "alt_bank", rail: "ach"}

	result, attempts, err := ExecuteWithFailover(context.Background(), []Adapter{primary, backup}, fundingReq())
	require.NoError(t, err)
	assert.Equal(t, "alt_bank", result.Provider)

	require.Len(t, attempts, 2)
	assert.Equal(t, "failed", attempts[0].Status)
	assert.Equal(t, "treasury unavailable", attempts[0].Error)
	assert.Equal(t, "succeeded", attempts[1].Status)
}

func TestAllAdaptersFail(t *testing.T) {
	primary := &fakeAdapter{name: "stripe_treasury", rail: "bank_transfer", err: errors.New("treasury unavailable")}
	backup := &fakeAdapter{name: "alt_bank", rail: "ach", err: errors.New("ach rejected")}

	_, attempts, err := ExecuteWithFailover(context.Background(), []Adapter{primary, backup}, fundingReq())
	require.Error(t, err)

	var routingErr *RoutingError
	require.ErrorAs(t, err, &routingErr)
	require.Len(t, routingErr.Attempts, 2)
	assert.Equal(t, attempts, routingErr.Attempts)
	assert.Contains(t, err.Error(), "stripe_treasury(bank_transfer): treasury unavailable")
	assert.Contains(t, err.Error(), "alt_bank(ach): ach rejected")
}

func TestNoAdaptersConfigured(t *testing.T) {
	_, _, err := ExecuteWithFailover(context.Background(), nil, fundingReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapters configured")
}

func TestCancelledContextStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &fakeAdapter{name: "stripe_treasury", rail: "bank_transfer", err: errors.New("treasury unavailable")}
	backup := &fakeAdapter{name: "alt_bank", rail: "ach"}

	_, attempts, err := ExecuteWithFailover(ctx, []Adapter{primary, backup}, fundingReq())
	require.Error(t, err)
	assert.Len(t, attempts, 1)
	assert.Zero(t, backup.calls)
}
