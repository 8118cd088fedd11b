package card

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name      string
	createErr error
	created   []CreateRequest
	owned     map[string]bool
	ownsErr   error
	frozen    []string
	funded    map[string]int64
	limits    map[string]Limits
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		name:   name,
		owned:  make(map[string]bool),
		funded: make(map[string]int64),
		limits: make(map[string]Limits),
	}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreateCard(_ context.Context, req CreateRequest) (Card, error) {
	if f.createErr != nil {
		return Card{}, f.createErr
	}
	f.created = append(f.created, req)
	id := f.name + "-card-1"
	f.owned[id] = true
	return Card{ProviderCardID: id, Provider: f.name, Status: StatusPending}, nil
}

func (f *fakeProvider) ActivateCard(context.Context, string) error { return nil }

func (f *fakeProvider) FreezeCard(_ context.Context, id string) error {
	f.frozen = append(f.frozen, id)
	return nil
}

func (f *fakeProvider) UnfreezeCard(context.Context, string) error { return nil }
func (f *fakeProvider) CancelCard(context.Context, string) error   { return nil }

func (f *fakeProvider) UpdateLimits(_ context.Context, id string, limits Limits) error {
	f.limits[id] = limits
	return nil
}

func (f *fakeProvider) FundCard(_ context.Context, id string, amount int64) error {
	f.funded[id] += amount
	return nil
}

func (f *fakeProvider) ListTransactions(context.Context, string) ([]Transaction, error) {
	return []Transaction{{TransactionID: f.name + "-tx-1", AmountMinor: 1200}}, nil
}

func (f *fakeProvider) OwnsCard(_ context.Context, id string) (bool, error) {
	if f.ownsErr != nil {
		return false, f.ownsErr
	}
	return f.owned[id], nil
}

func createReq() CreateRequest {
	return CreateRequest{AgentID: "agent-001", WalletID: "wallet-1", SpendLimit: 50000, LimitInterval: "daily"}
}

func TestCreateCardUsesPrimary(t *testing.T) {
	primary, fallback := newFakeProvider("lithic"), newFakeProvider("stripe_issuing")
	r := NewRouter(primary, fallback)

	c, err := r.CreateCard(context.Background(), createReq())
	require.NoError(t, err)
	assert.Equal(t, "lithic", c.Provider)
	assert.Len(t, primary.created, 1)
	assert.Empty(t, fallback.created)
}

func TestCreateCardFailsOver(t *testing.T) {
	primary, fallback := newFakeProvider("lithic"), newFakeProvider("stripe_issuing")
	primary.createErr = errors.New("lithic outage")
	r := NewRouter(primary, fallback)

	c, err := r.CreateCard(context.Background(), createReq())
	require.NoError(t, err)
	assert.Equal(t, "stripe_issuing", c.Provider)
	assert.Len(t, fallback.created, 1)
}

func TestCreateCardBothFail(t *testing.T) {
	primary, fallback := newFakeProvider("lithic"), newFakeProvider("stripe_issuing")
	primary.createErr = errors.New("lithic outage")
	fallback.createErr = errors.New("stripe outage")
	r := NewRouter(primary, fallback)

	_, err := r.CreateCard(context.Background(), createReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both providers failed")
}

func TestCreateCardNoFallbackPropagates(t *testing.T) {
	primary := newFakeProvider("lithic")
	primary.createErr = errors.New("lithic outage")
	r := NewRouter(primary, nil)

	_, err := r.CreateCard(context.Background(), createReq())
	assert.EqualError(t, err, "lithic outage")
}

func TestOperationsRouteToOwningProvider(t *testing.T) {
	primary, fallback := newFakeProvider("lithic"), newFakeProvider("stripe_issuing")
	fallback.owned["stripe_issuing-card-1"] = true
	r := NewRouter(primary, fallback)
	ctx := context.Background()

	require.NoError(t, r.FreezeCard(ctx, "stripe_issuing-card-1"))
	assert.Empty(t, primary.frozen)
	assert.Equal(t, []string{"stripe_issuing-card-1"}, fallback.frozen)

	require.NoError(t, r.FundCard(ctx, "stripe_issuing-card-1", 25000))
	assert.Equal(t, int64(25000), fallback.funded["stripe_issuing-card-1"])

	require.NoError(t, r.UpdateLimits(ctx, "stripe_issuing-card-1", Limits{SpendLimit: 10000, LimitInterval: "daily"}))
	assert.Equal(t, int64(10000), fallback.limits["stripe_issuing-card-1"].SpendLimit)

	txs, err := r.ListTransactions(ctx, "stripe_issuing-card-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "stripe_issuing-tx-1", txs[0].TransactionID)
}

func TestUnknownCardNotFound(t *testing.T) {
	r := NewRouter(newFakeProvider("lithic"), newFakeProvider("stripe_issuing"))

	err := r.CancelCard(context.Background(), "missing-card")
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestOwnershipProbeErrorPropagates(t *testing.T) {
	primary := newFakeProvider("lithic")
	primary.ownsErr = errors.New("probe timeout")
	r := NewRouter(primary, newFakeProvider("stripe_issuing"))

	err := r.FreezeCard(context.Background(), "lithic-card-1")
	assert.EqualError(t, err, "probe timeout")
}
