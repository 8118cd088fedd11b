package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sardis:idem:"

// RedisStore implements Store on Redis. Insert uses SET NX so exactly one
// concurrent caller creates the pending record.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(operation, key string) string {
	return redisKeyPrefix + operation + ":" + key
}

func (s *RedisStore) Insert(ctx context.Context, rec Record) (Record, bool, error) {
	now := time.Now()
	rec.Status = StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal idempotency record: %w", err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return Record{}, false, fmt.Errorf("idempotency record already expired")
	}

	ok, err := s.client.SetNX(ctx, s.key(rec.Operation, rec.Key), raw, ttl).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("insert idempotency record: %w", err)
	}
	if ok {
		return rec, true, nil
	}

	existing, err := s.Get(ctx, rec.Operation, rec.Key)
	if err != nil {
		return Record{}, false, err
	}
	return existing, false, nil
}

func (s *RedisStore) Get(ctx context.Context, operation, key string) (Record, error) {
	raw, err := s.client.Get(ctx, s.key(operation, key)).Bytes()
	if err == redis.Nil {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get idempotency record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Update(ctx context.Context, rec Record) error {
	rec.UpdatedAt = time.Now()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("idempotency record already expired")
	}
	// KEEPTTL is not used: the record carries its own deadline.
	if err := s.client.Set(ctx, s.key(rec.Operation, rec.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the client.
func (s *RedisStore) Close() error { return nil }
