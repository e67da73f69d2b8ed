// Package ratelimit implements a token bucket used to throttle inbound
// consumer traffic per socket.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket rate limiter. The bucket starts
// full and refills continuously at the configured rate, capped at capacity.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	capacity   float64 // maximum tokens
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket that refills at rate tokens per second and
// holds at most capacity tokens. The bucket starts full.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:       rate,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Allow reports whether a single token is available, consuming it if so.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether n tokens are available, consuming them if so.
func (tb *TokenBucket) AllowN(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	need := float64(n)
	if tb.tokens < need {
		return false
	}
	tb.tokens -= need
	return true
}

// Tokens returns the current token count, for introspection and tests.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// refill adds tokens for the time elapsed since the last refill.
// Callers must hold mu.
func (tb *TokenBucket) refill() {
	now := time.Now()
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
