package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardis/internal/canonical"
	"github.com/sardislabs/sardis/internal/sarderr"
)

type payload struct {
	Amount int64  `json:"amount"`
	Dest   string `json:"dest"`
}

func newRunner(t *testing.T) (*Runner, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	r := NewRunner(store)
	r.PendingWait = 500 * time.Millisecond
	r.PollInterval = 10 * time.Millisecond
	return r, store
}

func TestRunExecutesOnceAndReplaysResponse(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()
	var calls int32

	fn := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(`{"tx":"0xabc"}`), nil
	}

	resp1, err := r.Run(ctx, "settle", "key-1", payload{Amount: 100, Dest: "0x1"}, time.Hour, fn)
	require.NoError(t, err)
	resp2, err := r.Run(ctx, "settle", "key-1", payload{Amount: 100, Dest: "0x1"}, time.Hour, fn)
	require.NoError(t, err)

	assert.Equal(t, resp1, resp2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRunConflictOnDifferentBody(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()
	fn := func(context.Context) ([]byte, error) { return []byte(`ok`), nil }

	_, err := r.Run(ctx, "settle", "key-1", payload{Amount: 100, Dest: "0x1"}, time.Hour, fn)
	require.NoError(t, err)

	_, err = r.Run(ctx, "settle", "key-1", payload{Amount: 999, Dest: "0x1"}, time.Hour, fn)
	require.Error(t, err)
	assert.Equal(t, sarderr.CodeIdempotencyConflict, sarderr.CodeOf(err))
}

func TestRunRetriesAfterFailure(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()
	var calls int32

	fn := func(context.Context) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("rail down")
		}
		return []byte(`ok`), nil
	}

	_, err := r.Run(ctx, "settle", "key-1", payload{Amount: 100}, time.Hour, fn)
	require.Error(t, err)

	resp, err := r.Run(ctx, "settle", "key-1", payload{Amount: 100}, time.Hour, fn)
	require.NoError(t, err)
	assert.Equal(t, []byte(`ok`), resp)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRunWaitsForConcurrentCompletion(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.Run(ctx, "settle", "key-1", payload{Amount: 100}, time.Hour,
			func(context.Context) ([]byte, error) {
				<-release
				return []byte(`winner`), nil
			})
		assert.NoError(t, err)
	}()

	// Give the first caller time to claim the record, then race in.
	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := r.Run(ctx, "settle", "key-1", payload{Amount: 100}, time.Hour,
			func(context.Context) ([]byte, error) {
				t.Error("second caller must not execute")
				return nil, nil
			})
		assert.NoError(t, err)
		assert.Equal(t, []byte(`winner`), resp)
	}()

	close(release)
	wg.Wait()
	<-done
}

func TestRunPendingTimeout(t *testing.T) {
	r, store := newRunner(t)
	ctx := context.Background()

	// Simulate a stuck concurrent execution by inserting a pending record.
	_, created, err := store.Insert(ctx, Record{
		Key: "key-1", Operation: "settle",
		RequestHash: mustHash(t, payload{Amount: 100}),
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = r.Run(ctx, "settle", "key-1", payload{Amount: 100}, time.Hour,
		func(context.Context) ([]byte, error) { return []byte(`x`), nil })
	require.Error(t, err)
	assert.Equal(t, sarderr.CodeIdempotencyInProgress, sarderr.CodeOf(err))
}

func TestConcurrentInsertSingleWinner(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.Insert(ctx, Record{
				Key: "key-1", Operation: "settle", RequestHash: "h",
				ExpiresAt: time.Now().Add(time.Hour),
			})
			require.NoError(t, err)
			if created {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func mustHash(t *testing.T, v any) string {
	t.Helper()
	h, err := canonical.RequestHash(v)
	require.NoError(t, err)
	return h
}
