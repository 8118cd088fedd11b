package lockcache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Balance is a cached on-rail balance snapshot.
type Balance struct {
	WalletID    string    `json:"wallet_id"`
	Token       string    `json:"token"`
	AmountMinor int64     `json:"amount_minor"`
	Generation  uint64    `json:"generation"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// CacheStats are the cache's running counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Deletes   uint64
	Errors    uint64
	AvgMicros uint64
}

// HitRate is hits / (hits + misses).
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// BalanceCache stores balances keyed by (wallet, token) with a per-wallet
// generation. Invalidating a wallet bumps its generation; a write that still
// carries the old generation is invisible to subsequent reads.
type BalanceCache interface {
	Get(ctx context.Context, walletID, token string) (Balance, bool, error)
	// Set writes the balance under the given generation. The write is a no-op
	// for readers if the wallet's generation has moved past it.
	Set(ctx context.Context, b Balance, ttl time.Duration) error
	// Generation returns the wallet's current generation.
	Generation(ctx context.Context, walletID string) (uint64, error)
	// InvalidateWallet bumps the generation, hiding all cached balances for
	// the wallet at once.
	InvalidateWallet(ctx context.Context, walletID string) error
	Stats() CacheStats
}

type statCounters struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64
	errors  atomic.Uint64
	// latency accumulators for the average
	totalMicros atomic.Uint64
	samples     atomic.Uint64
}

func (c *statCounters) observe(start time.Time) {
	c.totalMicros.Add(uint64(time.Since(start).Microseconds()))
	c.samples.Add(1)
}

func (c *statCounters) snapshot() CacheStats {
	s := CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
	if n := c.samples.Load(); n > 0 {
		s.AvgMicros = c.totalMicros.Load() / n
	}
	return s
}

type memoryBalanceEntry struct {
	balance   Balance
	expiresAt time.Time
}

// MemoryBalanceCache is an in-process BalanceCache.
type MemoryBalanceCache struct {
	mu          sync.Mutex
	balances    map[string]memoryBalanceEntry // wallet:token:generation
	generations map[string]uint64
	stats       statCounters
}

// NewMemoryBalanceCache constructs an empty cache.
func NewMemoryBalanceCache() *MemoryBalanceCache {
	return &MemoryBalanceCache{
		balances:    make(map[string]memoryBalanceEntry),
		generations: make(map[string]uint64),
	}
}

func balanceKey(walletID, token string, generation uint64) string {
	return walletID + ":" + token + ":" + strconv.FormatUint(generation, 10)
}

func (c *MemoryBalanceCache) Get(_ context.Context, walletID, token string) (Balance, bool, error) {
	start := time.Now()
	defer c.stats.observe(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.generations[walletID]
	entry, ok := c.balances[balanceKey(walletID, token, gen)]
	if !ok || !time.Now().Before(entry.expiresAt) {
		c.stats.misses.Add(1)
		return Balance{}, false, nil
	}
	c.stats.hits.Add(1)
	return entry.balance, true, nil
}

func (c *MemoryBalanceCache) Set(_ context.Context, b Balance, ttl time.Duration) error {
	start := time.Now()
	defer c.stats.observe(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[balanceKey(b.WalletID, b.Token, b.Generation)] = memoryBalanceEntry{
		balance:   b,
		expiresAt: time.Now().Add(ttl),
	}
	c.stats.sets.Add(1)
	return nil
}

func (c *MemoryBalanceCache) Generation(_ context.Context, walletID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[walletID], nil
}

func (c *MemoryBalanceCache) InvalidateWallet(_ context.Context, walletID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[walletID]++
	c.stats.deletes.Add(1)
	return nil
}

func (c *MemoryBalanceCache) Stats() CacheStats { return c.stats.snapshot() }

const (
	redisBalancePrefix    = "sardis:balance:"
	redisGenerationPrefix = "sardis:balance_gen:"
)

// RedisBalanceCache implements BalanceCache on Redis. The generation lives in
// its own key and is bumped with INCR.
type RedisBalanceCache struct {
	client *redis.Client
	stats  statCounters
}

// NewRedisBalanceCache wraps an existing client.
func NewRedisBalanceCache(client *redis.Client) *RedisBalanceCache {
	return &RedisBalanceCache{client: client}
}

func (c *RedisBalanceCache) Get(ctx context.Context, walletID, token string) (Balance, bool, error) {
	start := time.Now()
	defer c.stats.observe(start)

	gen, err := c.Generation(ctx, walletID)
	if err != nil {
		c.stats.errors.Add(1)
		return Balance{}, false, err
	}

	raw, err := c.client.Get(ctx, redisBalancePrefix+balanceKey(walletID, token, gen)).Result()
	if err == redis.Nil {
		c.stats.misses.Add(1)
		return Balance{}, false, nil
	}
	if err != nil {
		c.stats.errors.Add(1)
		return Balance{}, false, fmt.Errorf("get balance: %w", err)
	}

	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.stats.errors.Add(1)
		return Balance{}, false, fmt.Errorf("parse cached balance: %w", err)
	}
	c.stats.hits.Add(1)
	return Balance{WalletID: walletID, Token: token, AmountMinor: amount, Generation: gen}, true, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, b Balance, ttl time.Duration) error {
	start := time.Now()
	defer c.stats.observe(start)

	key := redisBalancePrefix + balanceKey(b.WalletID, b.Token, b.Generation)
	if err := c.client.Set(ctx, key, strconv.FormatInt(b.AmountMinor, 10), ttl).Err(); err != nil {
		c.stats.errors.Add(1)
		return fmt.Errorf("set balance: %w", err)
	}
	c.stats.sets.Add(1)
	return nil
}

func (c *RedisBalanceCache) Generation(ctx context.Context, walletID string) (uint64, error) {
	raw, err := c.client.Get(ctx, redisGenerationPrefix+walletID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance generation: %w", err)
	}
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance generation: %w", err)
	}
	return gen, nil
}

func (c *RedisBalanceCache) InvalidateWallet(ctx context.Context, walletID string) error {
	if err := c.client.Incr(ctx, redisGenerationPrefix+walletID).Err(); err != nil {
		c.stats.errors.Add(1)
		return fmt.Errorf("invalidate wallet balances: %w", err)
	}
	c.stats.deletes.Add(1)
	return nil
}

func (c *RedisBalanceCache) Stats() CacheStats { return c.stats.snapshot() }
