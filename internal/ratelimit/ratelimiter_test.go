package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestRateLimiter_AllowWithDetails(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		defer mr.Close()
		defer client.Close()

		limiter := NewRateLimiter(client, 0, time.Minute)
		ctx := context.Background()

		clientKey := "203.0.113.1"
		limit := 5

		// Make 5 requests - should all be allowed
		for i := 0; i < 5; i++ {
			allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, clientKey, limit)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, limit-i-1, remaining)
			assert.False(t, resetAt.IsZero())
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		defer mr.Close()
		defer client.Close()

		limiter := NewRateLimiter(client, 0, time.Minute)
		ctx := context.Background()

		clientKey := "203.0.113.2"
		limit := 3

		// Make 3 requests - should all be allowed
		for i := 0; i < 3; i++ {
			allowed, _, _, err := limiter.AllowWithDetails(ctx, clientKey, limit)
			require.NoError(t, err)
			assert.True(t, allowed)
		}

		// 4th request should be blocked
		allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, clientKey, limit)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
		assert.False(t, resetAt.IsZero())
	})

	t.Run("unlimited when limit is 0", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		defer mr.Close()
		defer client.Close()

		limiter := NewRateLimiter(client, 0, time.Minute)
		ctx := context.Background()

		clientKey := "test-key-unlimited"
		limit := 0

		// Make many requests - should all be allowed
		for i := 0; i < 100; i++ {
			allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, clientKey, limit)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, -1, remaining) // -1 indicates unlimited
			assert.True(t, resetAt.IsZero())
		}
	})

	t.Run("resets after window expires", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		defer mr.Close()
		defer client.Close()

		limiter := NewRateLimiter(client, 0, time.Minute)
		ctx := context.Background()

		clientKey := "test-key-window"
		limit := 2

		// Use up the limit
		allowed, _, _, err := limiter.AllowWithDetails(ctx, clientKey, limit)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, _, _, err = limiter.AllowWithDetails(ctx, clientKey, limit)
		require.NoError(t, err)
		assert.True(t, allowed)

		// Should be blocked
		allowed, _, _, err = limiter.AllowWithDetails(ctx, clientKey, limit)
		require.NoError(t, err)
		assert.False(t, allowed)

		// The window key expires with the window
		mr.FastForward(time.Minute + time.Second)

		// Should be allowed again once the window has passed
		allowed, remaining, _, err := limiter.AllowWithDetails(ctx, clientKey, limit)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, limit-1, remaining)
	})
}

func TestRateLimiter_Allow(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	limiter := NewRateLimiter(client, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "198.51.100.7")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := limiter.Allow(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.ResetAt.After(time.Now()))

	// Other clients are unaffected.
	res, err = limiter.Allow(ctx, "198.51.100.8")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRateLimiter_RejectedRequestsDoNotCount(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	limiter := NewRateLimiter(client, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.Allow(ctx, "client")
		require.NoError(t, err)
	}

	usage, err := client.ZCard(ctx, redisKey("client")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage)
}

func TestRateLimiter_RedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	mr.Close()

	limiter := NewRateLimiter(client, 3, time.Minute)
	_, err := limiter.Allow(context.Background(), "client")
	assert.Error(t, err)
}

func TestNoopLimiter(t *testing.T) {
	limiter := NewNoopLimiter()
	ctx := context.Background()

	// Should always allow
	for i := 0; i < 100; i++ {
		res, err := limiter.Allow(ctx, "any-key")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, -1, res.Remaining)
	}
}
