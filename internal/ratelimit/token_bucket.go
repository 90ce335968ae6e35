package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a mutex-guarded token bucket. Tokens drip in at a fixed
// rate up to the capacity, so a user can burst one bucket's worth of
// requests and then settles into the sustained rate.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	level    float64
	topped   time.Time
}

// NewTokenBucket creates a full bucket. capacity bounds the burst, rate is
// the sustained tokens-per-second budget.
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		rate:     rate,
		level:    capacity,
		topped:   time.Now(),
	}
}

// Allow consumes one token when available and reports whether it did.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.drip()
	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

// Remaining returns the current token level.
func (b *TokenBucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.drip()
	return b.level
}

// Reset refills the bucket to capacity.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.level = b.capacity
	b.topped = time.Now()
}

// drip credits tokens for the time elapsed since the last update. Caller
// holds the lock.
func (b *TokenBucket) drip() {
	now := time.Now()
	b.level += now.Sub(b.topped).Seconds() * b.rate
	if b.level > b.capacity {
		b.level = b.capacity
	}
	b.topped = now
}
