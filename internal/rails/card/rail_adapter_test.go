package card

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardis/internal/rails"
	"github.com/sardislabs/sardis/internal/sarderr"
)

func TestRailAdapterSubmitLoadsCard(t *testing.T) {
	ctx := context.Background()
	primary := newFakeProvider("lithic")
	primary.owned["lithic-card-9"] = true
	adapter := NewRailAdapter(NewRouter(primary, nil))

	tx, err := adapter.Submit(ctx, rails.TransactionRequest{
		WalletID:    "wallet-1",
		ToAddress:   "lithic-card-9",
		Token:       "USD",
		AmountMinor: 2500,
		Chain:       "card",
		Reference:   "pay-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "card", tx.Chain)
	assert.Equal(t, int64(2500), primary.funded["lithic-card-9"])

	receipt, err := adapter.GetReceipt(ctx, tx.TxHash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, rails.ReceiptConfirmed, receipt.Status)

	assert.Equal(t, "lithic", adapter.ProviderName())
	assert.Equal(t, "card", adapter.Rail())
}

func TestRailAdapterSubmitRequiresCardID(t *testing.T) {
	adapter := NewRailAdapter(NewRouter(newFakeProvider("lithic"), nil))

	_, err := adapter.Submit(context.Background(), rails.TransactionRequest{AmountMinor: 100})
	require.Error(t, err)
	assert.Equal(t, sarderr.CodeInvalidPayload, sarderr.CodeOf(err))
}

func TestRailAdapterSubmitUnknownCard(t *testing.T) {
	adapter := NewRailAdapter(NewRouter(newFakeProvider("lithic"), nil))

	_, err := adapter.Submit(context.Background(), rails.TransactionRequest{
		ToAddress:   "card-missing",
		AmountMinor: 100,
	})
	require.Error(t, err)

	receipt, err := adapter.GetReceipt(context.Background(), "never-submitted")
	require.NoError(t, err)
	assert.Nil(t, receipt)
}
