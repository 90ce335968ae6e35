package ratelimit

import (
	"context"
)

// Store defines the interface for rate limit storage backends.
// Implementations can be in-memory (for single instance) or distributed.
type Store interface {
	// AllowUser checks if a request from the user should be allowed.
	AllowUser(ctx context.Context, userID int64, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// ResetUser resets the rate limit for a user.
	ResetUser(ctx context.Context, userID int64) error

	// GetUserRemaining returns remaining tokens for a user.
	GetUserRemaining(ctx context.Context, userID int64, capacity, refillRate float64) (float64, error)

	// Close releases resources.
	Close() error
}

// Limiter enforces a per-user requests-per-minute budget using a pluggable
// storage backend. For single-instance deployments, use MemoryStore.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore)
	Store Store

	// RequestsPerMinute is the sustained per-user budget. The burst
	// capacity equals one minute's worth of requests.
	RequestsPerMinute int
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Limiter{
		store:      store,
		capacity:   float64(cfg.RequestsPerMinute),
		refillRate: float64(cfg.RequestsPerMinute) / 60.0,
	}
}

// Allow checks if a request from the given user should be allowed.
func (l *Limiter) Allow(ctx context.Context, userID int64) bool {
	if userID == 0 {
		return true // No user ID, allow by default
	}

	allowed, _, err := l.store.AllowUser(ctx, userID, l.capacity, l.refillRate)
	if err != nil {
		// On error, allow the request (fail open)
		return true
	}
	return allowed
}

// Remaining returns the number of tokens remaining for the user.
func (l *Limiter) Remaining(userID int64) float64 {
	if userID == 0 {
		return l.capacity
	}

	remaining, err := l.store.GetUserRemaining(context.Background(), userID, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity // On error, return full capacity
	}
	return remaining
}

// Reset resets the rate limit for a specific user.
func (l *Limiter) Reset(userID int64) error {
	return l.store.ResetUser(context.Background(), userID)
}

// Close stops the limiter and releases resources.
func (l *Limiter) Close() error {
	return l.store.Close()
}
