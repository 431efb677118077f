package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultWindow is the sliding window used when none is configured.
const DefaultWindow = time.Minute

// Result describes a single rate limit decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int       // -1 when unlimited
	ResetAt   time.Time // zero when unlimited
}

// Limiter is used to enforce per-key rate limits.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// NoopLimiter allows all requests. Used when Redis is not configured.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(ctx context.Context, key string) (Result, error) {
	return Result{Allowed: true, Remaining: -1}, nil
}

// slidingWindowScript trims the window, admits the request if there is room,
// and reports the count plus the time the oldest entry leaves the window.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)

	local allowed = 0
	if count < limit then
		redis.call('ZADD', key, now, member)
		count = count + 1
		allowed = 1
	end
	redis.call('PEXPIRE', key, window)

	local reset = now + window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end

	return {allowed, count, reset}
`)

// RateLimiter implements distributed rate limiting using Redis sorted sets
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter creates a sliding-window limiter admitting limit requests per
// window for each key. A limit of 0 or less disables limiting.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RateLimiter{client: client, limit: limit, window: window}
}

func redisKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}

// Allow checks the configured limit for key.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (Result, error) {
	allowed, remaining, resetAt, err := rl.AllowWithDetails(ctx, key, rl.limit)
	if err != nil {
		return Result{}, err
	}
	return Result{Allowed: allowed, Limit: rl.limit, Remaining: remaining, ResetAt: resetAt}, nil
}

// AllowWithDetails checks if a request should be allowed for the given key
// under limit. Rejected requests do not count against the window.
func (rl *RateLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		// No limit configured
		return true, -1, time.Time{}, nil
	}

	now := time.Now()
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString())

	res, err := slidingWindowScript.Run(
		ctx,
		rl.client,
		[]string{redisKey(key)},
		now.UnixMilli(),
		rl.window.Milliseconds(),
		limit,
		member,
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: unexpected reply %v", res)
	}

	allowed := res[0] == 1
	remaining := limit - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.UnixMilli(res[2])

	return allowed, remaining, resetAt, nil
}
