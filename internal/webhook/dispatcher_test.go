package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedHook struct {
	body      []byte
	signature string
	eventType string
}

func hookServer(t *testing.T, failures int) (*httptest.Server, *[]receivedHook) {
	t.Helper()
	var mu sync.Mutex
	var received []receivedHook
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count <= failures {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		received = append(received, receivedHook{
			body:      body,
			signature: r.Header.Get("X-Sardis-Signature"),
			eventType: r.Header.Get("X-Sardis-Event"),
		})
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func newTestDispatcher(subs SubscriptionStore) *Dispatcher {
	d := NewDispatcher(subs, time.Second)
	d.baseBackoff = 0 // tests drive retries explicitly
	clock := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	return d
}

func subscribe(t *testing.T, store SubscriptionStore, url string, events ...string) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), Subscription{
		EndpointID: "ep-1",
		URL:        url,
		Secret:     "whsec_test",
		Events:     events,
		Enabled:    true,
	}))
}

func TestDeliverySignedAndReceived(t *testing.T) {
	srv, received := hookServer(t, 0)
	store := NewMemorySubscriptions()
	subscribe(t, store, srv.URL)
	d := newTestDispatcher(store)
	ctx := context.Background()

	require.NoError(t, d.Emit(ctx, EventPaymentSucceeded, map[string]any{
		"payment_id": "pay-9f2c", "amount_minor": 5500,
	}))
	assert.Equal(t, 1, d.ProcessDue(ctx))
	assert.Zero(t, d.Pending())

	require.Len(t, *received, 1)
	hook := (*received)[0]
	assert.Equal(t, EventPaymentSucceeded, hook.eventType)
	assert.True(t, VerifySignature(hook.body, "whsec_test", hook.signature))

	var payload Event
	require.NoError(t, json.Unmarshal(hook.body, &payload))
	assert.Equal(t, EventPaymentSucceeded, payload.EventType)
	assert.NotEmpty(t, payload.EventID)
	assert.Equal(t, "pay-9f2c", payload.Data["payment_id"])
}

func TestEventFiltering(t *testing.T) {
	srv, received := hookServer(t, 0)
	store := NewMemorySubscriptions()
	subscribe(t, store, srv.URL, EventPaymentFailed)
	d := newTestDispatcher(store)
	ctx := context.Background()

	require.NoError(t, d.Emit(ctx, EventPaymentSucceeded, nil))
	assert.Zero(t, d.Pending())

	require.NoError(t, d.Emit(ctx, EventPaymentFailed, nil))
	assert.Equal(t, 1, d.ProcessDue(ctx))
	assert.Len(t, *received, 1)
}

func TestDisabledSubscriptionSkipped(t *testing.T) {
	srv, _ := hookServer(t, 0)
	store := NewMemorySubscriptions()
	require.NoError(t, store.Put(context.Background(), Subscription{
		EndpointID: "ep-off", URL: srv.URL, Secret: "s", Enabled: false,
	}))
	d := newTestDispatcher(store)

	require.NoError(t, d.Emit(context.Background(), EventRiskAlert, nil))
	assert.Zero(t, d.Pending())
}

func TestRetryThenSuccess(t *testing.T) {
	srv, received := hookServer(t, 2)
	store := NewMemorySubscriptions()
	subscribe(t, store, srv.URL)
	d := newTestDispatcher(store)
	ctx := context.Background()

	require.NoError(t, d.Emit(ctx, EventPaymentInitiated, nil))
	d.ProcessDue(ctx) // 502
	d.ProcessDue(ctx) // 502
	d.ProcessDue(ctx) // 200
	assert.Zero(t, d.Pending())
	assert.Len(t, *received, 1)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	srv, _ := hookServer(t, 100)
	store := NewMemorySubscriptions()
	subscribe(t, store, srv.URL)
	d := newTestDispatcher(store)
	ctx := context.Background()

	require.NoError(t, d.Emit(ctx, EventPolicyBlocked, map[string]any{"reason": "per_transaction_limit"}))
	for i := 0; i < defaultMaxAttempts; i++ {
		d.ProcessDue(ctx)
	}
	assert.Zero(t, d.Pending())

	dead := d.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, DeliveryDead, dead[0].Status)
	require.Len(t, dead[0].Attempts, defaultMaxAttempts)
	for _, a := range dead[0].Attempts {
		assert.Equal(t, http.StatusBadGateway, a.StatusCode)
	}
}

func TestBackoffSchedulesFutureRetry(t *testing.T) {
	srv, _ := hookServer(t, 100)
	store := NewMemorySubscriptions()
	subscribe(t, store, srv.URL)
	d := newTestDispatcher(store)
	d.baseBackoff = 30 * time.Second
	ctx := context.Background()

	require.NoError(t, d.Emit(ctx, EventRiskAlert, nil))
	assert.Equal(t, 1, d.ProcessDue(ctx))
	// Clock has not advanced, so the retry is not yet due.
	assert.Equal(t, 0, d.ProcessDue(ctx))
	assert.Equal(t, 1, d.Pending())
}
