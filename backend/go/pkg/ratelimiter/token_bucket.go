package ratelimiter

import (
	"math"
	"sync"
	"time"
)

// TokenBucket refills at rate tokens per second up to capacity, so a client can burst
// capacity requests after being idle.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	refilled time.Time
	now      func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		refilled: time.Now(),
		now:      time.Now,
	}
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	if elapsed := now.Sub(tb.refilled); elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed.Seconds()*tb.rate)
		tb.refilled = now
	}
}

// Allow consumes one token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// RetryAfter is the wait until the next token. A bucket that never refills reports 0.
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens >= 1 || tb.rate <= 0 {
		return 0
	}
	return time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}
