package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Unix(1700000000, 0)} }

type limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
	Reset(ctx context.Context, key string) error
}

// exerciseBucket checks a 3-per-minute budget against any limiter.
func exerciseBucket(t *testing.T, l limiter, clk *clock) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "user:alice")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.EqualValues(t, 3, res.Limit)
		assert.EqualValues(t, 2-i, res.Remaining)
	}

	res, err := l.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 20*time.Second, res.RetryAfter)

	other, err := l.Allow(ctx, "user:bob")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "buckets are per key")

	clk.advance(20 * time.Second)
	res, err = l.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "one token refilled")

	require.NoError(t, l.Reset(ctx, "user:alice"))
	res, err = l.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 2, res.Remaining)
}

func TestLocalRateLimiter(t *testing.T) {
	clk := newClock()
	exerciseBucket(t, NewLocalRateLimiter(3, time.Minute, clk.now), clk)
}

func TestLocalRateLimiter_SweepsIdleBuckets(t *testing.T) {
	clk := newClock()
	l := NewLocalRateLimiter(3, time.Minute, clk.now)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a")
	_, _ = l.Allow(ctx, "b")
	assert.Equal(t, 2, l.pool.Size())

	clk.advance(2 * time.Minute)
	_, _ = l.Allow(ctx, "c")
	assert.Equal(t, 1, l.pool.Size())
}

func TestRedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clk := newClock()
	l, err := NewRedisRateLimiter(rdb, 3, time.Minute, logger.NewNoopLogger(), WithClock(clk.now))
	require.NoError(t, err)
	exerciseBucket(t, l, clk)
	assert.True(t, mr.Exists("keystore:ratelimit:user:alice"))
}

func TestRedisRateLimiter_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clk := newClock()
	a, err := NewRedisRateLimiter(rdb, 2, time.Minute, logger.NewNoopLogger(), WithClock(clk.now))
	require.NoError(t, err)
	b, err := NewRedisRateLimiter(rdb, 2, time.Minute, logger.NewNoopLogger(), WithClock(clk.now))
	require.NoError(t, err)

	ctx := context.Background()
	res, _ := a.Allow(ctx, "ip:10.0.0.1")
	assert.True(t, res.Allowed)
	res, _ = b.Allow(ctx, "ip:10.0.0.1")
	assert.True(t, res.Allowed)
	res, _ = a.Allow(ctx, "ip:10.0.0.1")
	assert.False(t, res.Allowed)
}

func TestRedisRateLimiter_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	clk := newClock()

	strict, err := NewRedisRateLimiter(rdb, 3, time.Minute, logger.NewNoopLogger(), WithClock(clk.now))
	require.NoError(t, err)
	lenient, err := NewRedisRateLimiter(rdb, 3, time.Minute, logger.NewNoopLogger(), WithClock(clk.now), WithLocalFallback())
	require.NoError(t, err)

	mr.Close()
	ctx := context.Background()

	_, err = strict.Allow(ctx, "user:alice")
	assert.True(t, errors.Is(err, errors.ErrStorageFailure))

	res, err := lenient.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 2, res.Remaining)
}

func TestNewRedisRateLimiter_Validation(t *testing.T) {
	_, err := NewRedisRateLimiter(nil, 3, time.Minute, logger.NewNoopLogger())
	assert.True(t, errors.Is(err, errors.ErrBadParameter))

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	_, err = NewRedisRateLimiter(rdb, 0, time.Minute, logger.NewNoopLogger())
	assert.True(t, errors.Is(err, errors.ErrBadParameter))
}
