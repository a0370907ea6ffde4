package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm in process.
// Tokens refill continuously at rate per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64   // Maximum number of tokens
	tokens     float64   // Current number of tokens
	rate       float64   // Tokens added per second
	lastRefill time.Time // Last time tokens were refilled
}

// NewTokenBucket creates a full bucket at now.
func NewTokenBucket(capacity, rate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		rate:       rate,
		lastRefill: now,
	}
}

// Take consumes one token if available and reports what is left and, when
// denied, how long until a token is available.
func (tb *TokenBucket) Take(now time.Time) (allowed bool, remaining float64, retryAfter time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true, tb.tokens, 0
	}
	wait := (1 - tb.tokens) / tb.rate
	return false, tb.tokens, time.Duration(wait * float64(time.Second))
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// ================================================================================
// Bucket Pool
// ================================================================================

// TokenBucketPool manages one bucket per key.
type TokenBucketPool struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucketEntry
	capacity float64
	rate     float64
}

type tokenBucketEntry struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// NewTokenBucketPool creates an empty pool whose buckets share capacity and rate.
func NewTokenBucketPool(capacity, rate float64) *TokenBucketPool {
	return &TokenBucketPool{
		buckets:  make(map[string]*tokenBucketEntry),
		capacity: capacity,
		rate:     rate,
	}
}

// GetOrCreate returns the bucket of key, creating a full one on first use.
func (p *TokenBucketPool) GetOrCreate(key string, now time.Time) *TokenBucket {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.buckets[key]; ok {
		entry.lastUsed = now
		return entry.bucket
	}
	bucket := NewTokenBucket(p.capacity, p.rate, now)
	p.buckets[key] = &tokenBucketEntry{bucket: bucket, lastUsed: now}
	return bucket
}

// Remove drops the bucket of key.
func (p *TokenBucketPool) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buckets, key)
}

// Cleanup removes buckets idle for longer than maxIdle and returns how many.
func (p *TokenBucketPool) Cleanup(now time.Time, maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, entry := range p.buckets {
		if now.Sub(entry.lastUsed) > maxIdle {
			delete(p.buckets, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of buckets in the pool.
func (p *TokenBucketPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}
