package card

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lithicServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("Authorization"))
		calls = append(calls, r.Method+" "+r.URL.Path)

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/cards":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "VIRTUAL", body["type"])
			assert.Equal(t, "DAILY", body["spend_limit_duration"])
			json.NewEncoder(w).Encode(lithicCard{
				Token: "card-abc", Last4: "4242", State: "OPEN",
				SpendLimit: 50000, Duration: "DAILY",
				Created: "2026-08-24T14:00:00Z",
			})
		case r.Method == http.MethodPatch && r.URL.Path == "/cards/card-abc":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/cards/card-abc":
			json.NewEncoder(w).Encode(lithicCard{Token: "card-abc"})
		case r.Method == http.MethodGet && r.URL.Path == "/transactions":
			assert.Equal(t, "card-abc", r.URL.Query().Get("card_token"))
			w.Write([]byte(`{"data":[{"token":"tx-1","amount":1200,"status":"SETTLED",` +
				`"merchant":{"descriptor":"COFFEE BAR"},"created":"2026-08-24T13:00:00Z"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestLithicCreateCard(t *testing.T) {
	srv, _ := lithicServer(t)
	p := NewLithicProvider("test-key", srv.URL, time.Second)

	c, err := p.CreateCard(context.Background(), createReq())
	require.NoError(t, err)
	assert.Equal(t, "card-abc", c.ProviderCardID)
	assert.Equal(t, "lithic", c.Provider)
	assert.Equal(t, "4242", c.Last4)
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, int64(50000), c.SpendLimit)
}

func TestLithicStateTransitions(t *testing.T) {
	srv, calls := lithicServer(t)
	p := NewLithicProvider("test-key", srv.URL, time.Second)
	ctx := context.Background()

	require.NoError(t, p.FreezeCard(ctx, "card-abc"))
	require.NoError(t, p.UnfreezeCard(ctx, "card-abc"))
	require.NoError(t, p.CancelCard(ctx, "card-abc"))
	assert.Equal(t, []string{
		"PATCH /cards/card-abc",
		"PATCH /cards/card-abc",
		"PATCH /cards/card-abc",
	}, *calls)
}

func TestLithicOwnsCard(t *testing.T) {
	srv, _ := lithicServer(t)
	p := NewLithicProvider("test-key", srv.URL, time.Second)
	ctx := context.Background()

	owns, err := p.OwnsCard(ctx, "card-abc")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = p.OwnsCard(ctx, "card-unknown")
	require.NoError(t, err)
	assert.False(t, owns)
}

func TestLithicListTransactions(t *testing.T) {
	srv, _ := lithicServer(t)
	p := NewLithicProvider("test-key", srv.URL, time.Second)

	txs, err := p.ListTransactions(context.Background(), "card-abc")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "tx-1", txs[0].TransactionID)
	assert.Equal(t, "COFFEE BAR", txs[0].MerchantName)
	assert.Equal(t, int64(1200), txs[0].AmountMinor)
}
