// Package ratelimit throttles management API callers with token buckets,
// shared through Redis when available and held in process otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

// Result is the outcome of one Allow call.
type Result struct {
	// Allowed indicates if the request is allowed
	Allowed bool
	// Limit is the bucket capacity
	Limit int64
	// Remaining is the number of whole tokens left
	Remaining int64
	// RetryAfter is the wait until one token is available; zero when allowed
	RetryAfter time.Duration
}

// ================================================================================
// Local limiter
// ================================================================================

// LocalRateLimiter keeps one bucket per key in process.
type LocalRateLimiter struct {
	pool   *TokenBucketPool
	limit  int64
	window time.Duration
	now    func() time.Time

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewLocalRateLimiter allows limit requests per window per key, refilling
// continuously. A nil now uses time.Now.
func NewLocalRateLimiter(limit int64, window time.Duration, now func() time.Time) *LocalRateLimiter {
	if now == nil {
		now = time.Now
	}
	return &LocalRateLimiter{
		pool:        NewTokenBucketPool(float64(limit), float64(limit)/window.Seconds()),
		limit:       limit,
		window:      window,
		now:         now,
		lastCleanup: now(),
	}
}

// Allow takes one token from the bucket of key.
func (l *LocalRateLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()
	l.sweep(now)
	allowed, remaining, retry := l.pool.GetOrCreate(key, now).Take(now)
	return Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  int64(math.Floor(remaining)),
		RetryAfter: retry,
	}, nil
}

// Reset refills the bucket of key.
func (l *LocalRateLimiter) Reset(_ context.Context, key string) error {
	l.pool.Remove(key)
	return nil
}

// sweep drops buckets idle for a whole window. Such a bucket has refilled
// completely, so dropping it changes no outcome.
func (l *LocalRateLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastCleanup) < l.window {
		return
	}
	l.pool.Cleanup(now, l.window)
	l.lastCleanup = now
}

// ================================================================================
// Redis limiter
// ================================================================================

// tokenBucketScript refills and takes from a bucket stored as a hash.
// Returns {allowed, remaining, capacity, retry_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

local elapsed = math.max(0, now - last_refill)
tokens = math.min(tokens + elapsed * rate / 1000, capacity)

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    retry_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('PEXPIRE', key, math.ceil((capacity - tokens) / rate * 1000) + 1000)

return {allowed, math.floor(tokens), math.floor(capacity), retry_ms}
`)

// RedisRateLimiter shares buckets between replicas through Redis.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	limit    int64
	rate     float64 // tokens per second
	prefix   string
	local    bool
	fallback *LocalRateLimiter
	now      func() time.Time
	logger   logger.Logger
}

// RedisOption configures a RedisRateLimiter.
type RedisOption func(*RedisRateLimiter)

// WithLocalFallback answers from in-process buckets while Redis is unreachable.
func WithLocalFallback() RedisOption {
	return func(r *RedisRateLimiter) { r.local = true }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RedisOption {
	return func(r *RedisRateLimiter) { r.now = now }
}

// NewRedisRateLimiter allows limit requests per window per key.
func NewRedisRateLimiter(client redis.UniversalClient, limit int64, window time.Duration, log logger.Logger, opts ...RedisOption) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, errors.BadParameter("redis", "redis client is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.BadParameter("ratelimit", "limit and window must be positive")
	}
	r := &RedisRateLimiter{
		client: client,
		limit:  limit,
		rate:   float64(limit) / window.Seconds(),
		prefix: constants.RedisKeyPrefixRateLimit,
		now:    time.Now,
		logger: log.WithComponent("RedisRateLimiter"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.local {
		r.fallback = NewLocalRateLimiter(limit, window, r.now)
	}
	return r, nil
}

// Allow takes one token from the shared bucket of key.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := r.now()
	raw, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key}, r.limit, r.rate, now.UnixMilli()).Result()
	if err == nil {
		var res Result
		if res, err = parseScriptResult(raw); err == nil {
			return res, nil
		}
	}
	if r.fallback != nil {
		r.logger.Warn(ctx, "Redis rate limit check failed, using local bucket",
			logger.String("key", key), logger.Err(err))
		return r.fallback.Allow(ctx, key)
	}
	return Result{}, errors.StorageFailure("rate limit", err)
}

// Reset refills the bucket of key.
func (r *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	if r.fallback != nil {
		_ = r.fallback.Reset(ctx, key)
	}
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil && err != redis.Nil {
		return errors.StorageFailure("rate limit reset", err)
	}
	return nil
}

func parseScriptResult(raw interface{}) (Result, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return Result{}, fmt.Errorf("unexpected rate limit script result %v", raw)
	}
	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return Result{}, fmt.Errorf("unexpected rate limit script value %v", v)
		}
		ints[i] = n
	}
	return Result{
		Allowed:    ints[0] == 1,
		Remaining:  ints[1],
		Limit:      ints[2],
		RetryAfter: time.Duration(ints[3]) * time.Millisecond,
	}, nil
}
