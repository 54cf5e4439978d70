package ratelimiter

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RateLimiter decides whether one more request may proceed.
type RateLimiter interface {
	Allow() bool
}

// KeyedLimiter hands out one limiter per key (client address, project id).
// Idle keys are evicted once more than size keys are tracked.
type KeyedLimiter struct {
	limiters *lru.Cache[string, RateLimiter]
	factory  func() RateLimiter
}

// NewKeyed creates a KeyedLimiter backed by an LRU of the given size.
func NewKeyed(size int, factory func() RateLimiter) (*KeyedLimiter, error) {
	cache, err := lru.New[string, RateLimiter](size)
	if err != nil {
		return nil, err
	}
	return &KeyedLimiter{limiters: cache, factory: factory}, nil
}

// Allow reports whether a request for key may proceed.
func (k *KeyedLimiter) Allow(key string) bool {
	limiter, ok := k.limiters.Get(key)
	if !ok {
		limiter = k.factory()
		if prev, found, _ := k.limiters.PeekOrAdd(key, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}

// RetryAfter reports how long key should wait before its next request is allowed.
// It is 0 when unknown or when key is not limited.
func (k *KeyedLimiter) RetryAfter(key string) time.Duration {
	limiter, ok := k.limiters.Peek(key)
	if !ok {
		return 0
	}
	if r, ok := limiter.(interface{ RetryAfter() time.Duration }); ok {
		return r.RetryAfter()
	}
	return 0
}
