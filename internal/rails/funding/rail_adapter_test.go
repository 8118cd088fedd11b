package funding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardis/internal/rails"
)

func TestRailAdapterSubmitFailsOver(t *testing.T) {
	ctx := context.Background()
	primary := &fakeAdapter{name: "stripe_treasury", rail: "bank_transfer", err: errors.New("treasury down")}
	backup := &fakeAdapter{name: "bank", rail: "ach"}
	adapter := NewRailAdapter([]Adapter{primary, backup})

	tx, err := adapter.Submit(ctx, rails.TransactionRequest{
		WalletID:    "wallet-1",
		Token:       "usd",
		AmountMinor: 100000,
		Chain:       "bank_transfer",
		Reference:   "fund-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "bank-tp-1", tx.TxHash)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)

	receipt, err := adapter.GetReceipt(ctx, tx.TxHash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, rails.ReceiptConfirmed, receipt.Status)

	assert.Equal(t, "stripe_treasury", adapter.ProviderName())
	assert.Equal(t, "bank_transfer", adapter.Rail())
}

func TestRailAdapterSubmitAllProvidersFail(t *testing.T) {
	adapter := NewRailAdapter([]Adapter{
		&fakeAdapter{name: "stripe_treasury", rail: "bank_transfer", err: errors.New("down")},
	})

	_, err := adapter.Submit(context.Background(), rails.TransactionRequest{AmountMinor: 100})
	require.Error(t, err)
	var routing *RoutingError
	assert.ErrorAs(t, err, &routing)
}

func TestBankAdapterFund(t *testing.T) {
	var authHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfers", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"bt-42","status":"accepted","amount_minor":5000}`))
	}))
	defer ts.Close()

	adapter := NewBankAdapter(ts.URL, "key-1", time.Second)
	result, err := adapter.Fund(context.Background(), fundingReq())
	require.NoError(t, err)
	assert.Equal(t, "bt-42", result.ExternalID)
	assert.Equal(t, "bank", result.Provider)
	assert.Equal(t, "Bearer key-1", authHeader)
}

func TestBankAdapterFundRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"insufficient balance"}`))
	}))
	defer ts.Close()

	adapter := NewBankAdapter(ts.URL, "key-1", time.Second)
	_, err := adapter.Fund(context.Background(), fundingReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}
