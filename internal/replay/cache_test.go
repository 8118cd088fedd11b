package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndInsertFreshThenReplay(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	defer cache.Close()
	ctx := context.Background()

	fresh, err := cache.CheckAndInsert(ctx, "mandate-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = cache.CheckAndInsert(ctx, "mandate-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestCheckAndInsertConcurrent(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	defer cache.Close()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	freshCount := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := cache.CheckAndInsert(ctx, "contested", time.Now().Add(time.Hour))
			require.NoError(t, err)
			freshCount <- fresh
		}()
	}
	wg.Wait()
	close(freshCount)

	wins := 0
	for fresh := range freshCount {
		if fresh {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent caller may observe fresh")
}

func TestRemoveAllowsReinsert(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	defer cache.Close()
	ctx := context.Background()

	_, err := cache.CheckAndInsert(ctx, "mandate-2", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, cache.Remove(ctx, "mandate-2"))

	fresh, err := cache.CheckAndInsert(ctx, "mandate-2", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestExpiredEntryIsFreshAgain(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	defer cache.Close()
	ctx := context.Background()

	cache.mu.Lock()
	cache.seen["stale"] = time.Now().Add(-time.Second)
	cache.mu.Unlock()

	fresh, err := cache.CheckAndInsert(ctx, "stale", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, fresh)
}
