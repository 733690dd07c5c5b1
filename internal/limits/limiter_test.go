package limits

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg LimitConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	limiter := NewRateLimiter(client, cfg)
	limiter.now = func() time.Time { return time.Unix(1_800_000_000, 0) }
	return limiter, server
}

func TestRateLimiterEnforcesParallel(t *testing.T) {
	limiter, _ := newTestLimiter(t, LimitConfig{ParallelRequests: 1})
	ctx := context.Background()

	release, err := limiter.Acquire(ctx, "client:a")
	require.NoError(t, err)

	_, err = limiter.Acquire(ctx, "client:a")
	require.ErrorIs(t, err, ErrLimitExceeded)

	_, err = limiter.Acquire(ctx, "client:b")
	require.NoError(t, err)

	release()
	_, err = limiter.Acquire(ctx, "client:a")
	require.NoError(t, err)
}

func TestRateLimiterEnforcesRPM(t *testing.T) {
	limiter, server := newTestLimiter(t, LimitConfig{RequestsPerMinute: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		release, err := limiter.Acquire(ctx, "client:a")
		require.NoError(t, err, "request %d", i)
		release()
	}
	_, err := limiter.Acquire(ctx, "client:a")
	require.ErrorIs(t, err, ErrLimitExceeded)

	bucket := limiter.now().UTC().Unix() / 60
	key := fmt.Sprintf("rpm:client:a:%d", bucket)
	require.True(t, server.Exists(key))
	require.Equal(t, time.Minute, server.TTL(key))

	limiter.now = func() time.Time { return time.Unix(1_800_000_060, 0) }
	_, err = limiter.Acquire(ctx, "client:a")
	require.NoError(t, err)
}

func TestRateLimiterRejectedParallelDoesNotLeak(t *testing.T) {
	limiter, server := newTestLimiter(t, LimitConfig{ParallelRequests: 2})
	ctx := context.Background()

	_, err := limiter.Acquire(ctx, "k")
	require.NoError(t, err)
	_, err = limiter.Acquire(ctx, "k")
	require.NoError(t, err)
	_, err = limiter.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrLimitExceeded)

	got, err := server.Get("sem:k")
	require.NoError(t, err)
	require.Equal(t, "2", got)
}

func TestRateLimiterDisabled(t *testing.T) {
	release, err := NewRateLimiter(nil, LimitConfig{RequestsPerMinute: 1}).Acquire(context.Background(), "x")
	require.NoError(t, err)
	require.NotNil(t, release)
	release()

	var nilLimiter *RateLimiter
	_, err = nilLimiter.Acquire(context.Background(), "x")
	require.NoError(t, err)

	limiter, _ := newTestLimiter(t, LimitConfig{})
	for i := 0; i < 10; i++ {
		_, err := limiter.Acquire(context.Background(), "x")
		require.NoError(t, err)
	}
}
