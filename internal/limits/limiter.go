// Package limits throttles transcription uploads per client with Redis
// counters, so several server replicas share one budget.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

type LimitConfig struct {
	RequestsPerMinute int
	ParallelRequests  int
}

// Enabled reports whether any limit is configured.
func (c LimitConfig) Enabled() bool {
	return c.RequestsPerMinute > 0 || c.ParallelRequests > 0
}

type RateLimiter struct {
	client *redis.Client
	cfg    LimitConfig
	now    func() time.Time
	// parallelTTL bounds a leaked slot when a release never happens.
	parallelTTL time.Duration
}

// NewRateLimiter returns a limiter. A nil client disables limiting.
func NewRateLimiter(client *redis.Client, cfg LimitConfig) *RateLimiter {
	return &RateLimiter{
		client:      client,
		cfg:         cfg,
		now:         time.Now,
		parallelTTL: 5 * time.Minute,
	}
}

// Acquire admits one request for key. The returned release must be called
// once the request finished; it is never nil.
func (l *RateLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	noop := func() {}
	if l == nil || l.client == nil || !l.cfg.Enabled() {
		return noop, nil
	}
	if l.cfg.RequestsPerMinute > 0 {
		if err := l.countCheck(ctx, fmt.Sprintf("rpm:%s", key), time.Minute, l.cfg.RequestsPerMinute); err != nil {
			return noop, err
		}
	}
	if l.cfg.ParallelRequests > 0 {
		semKey := fmt.Sprintf("sem:%s", key)
		if err := l.semaphoreAcquire(ctx, semKey, l.cfg.ParallelRequests); err != nil {
			return noop, err
		}
		return func() { l.semaphoreRelease(context.WithoutCancel(ctx), semKey) }, nil
	}
	return noop, nil
}

func (l *RateLimiter) countCheck(ctx context.Context, key string, window time.Duration, limit int) error {
	bucket := l.now().UTC().Unix() / int64(window.Seconds())
	redisKey := fmt.Sprintf("%s:%d", key, bucket)

	cnt, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("rate limit counter: %w", err)
	}
	if cnt == 1 {
		l.client.Expire(ctx, redisKey, window)
	}
	if int(cnt) > limit {
		return ErrLimitExceeded
	}
	return nil
}

func (l *RateLimiter) semaphoreAcquire(ctx context.Context, key string, max int) error {
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("parallel limit counter: %w", err)
	}
	if cnt == 1 {
		l.client.Expire(ctx, key, l.parallelTTL)
	}
	if int(cnt) > max {
		l.client.Decr(ctx, key)
		return ErrLimitExceeded
	}
	return nil
}

func (l *RateLimiter) semaphoreRelease(ctx context.Context, key string) {
	l.client.Decr(ctx, key)
}
