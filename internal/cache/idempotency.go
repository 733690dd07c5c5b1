package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 30 * time.Minute

// IdempotencyCache remembers transcription responses by client-supplied key so
// a retried upload of the same segment is answered without another engine call.
type IdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyCache returns nil when client is nil; a nil cache misses on
// every lookup and ignores stores.
func NewIdempotencyCache(client *redis.Client, ttl time.Duration) *IdempotencyCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &IdempotencyCache{client: client, ttl: ttl}
}

// Lookup decodes the stored response for key into dst.
func (c *IdempotencyCache) Lookup(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, c.prefixed(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Store saves value under key unless another request stored it first.
func (c *IdempotencyCache) Store(ctx context.Context, key string, value any) error {
	if c == nil || key == "" {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.SetNX(ctx, c.prefixed(key), data, c.ttl).Err()
}

func (c *IdempotencyCache) prefixed(key string) string {
	return "idem:transcribe:" + key
}
