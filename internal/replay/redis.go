package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sardis:replay:"

// RedisCache is a Cache backed by Redis SET NX with per-key TTL, safe across
// multiple orchestrator instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// CheckAndInsert implements Cache. SET NX makes the check-and-record atomic:
// exactly one concurrent caller wins the insert.
func (c *RedisCache) CheckAndInsert(ctx context.Context, mandateID string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := c.client.SetNX(ctx, keyPrefix+mandateID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay: redis setnx: %w", err)
	}
	return ok, nil
}

// Remove implements Cache.
func (c *RedisCache) Remove(ctx context.Context, mandateID string) error {
	if err := c.client.Del(ctx, keyPrefix+mandateID).Err(); err != nil {
		return fmt.Errorf("replay: redis del: %w", err)
	}
	return nil
}

// Close is a no-op; the shared client is owned by the caller.
func (c *RedisCache) Close() error { return nil }
