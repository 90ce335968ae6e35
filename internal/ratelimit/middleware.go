package ratelimit

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// UserIDExtractor resolves the rate limit key for a request. It returns 0
// when the request carries no user identity, which exempts it from limiting.
type UserIDExtractor func(r *http.Request) int64

// RateLimitObserver is notified about rejections, typically a metrics
// collector.
type RateLimitObserver interface {
	RecordRateLimitHit(key string)
}

// Middleware wraps an HTTP handler with per-user rate limiting.
type Middleware struct {
	limiter  *Limiter
	enabled  bool
	logger   *log.Logger
	extract  UserIDExtractor
	observer RateLimitObserver
}

// NewMiddleware creates a new rate limiting middleware.
func NewMiddleware(limiter *Limiter, enabled bool, logger *log.Logger, extract UserIDExtractor) *Middleware {
	return &Middleware{
		limiter: limiter,
		enabled: enabled,
		logger:  logger,
		extract: extract,
	}
}

// SetObserver registers a rejection observer.
func (m *Middleware) SetObserver(o RateLimitObserver) { m.observer = o }

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := int64(0)
		if m.extract != nil {
			userID = m.extract(r)
		}

		if !m.limiter.Allow(r.Context(), userID) {
			m.addRateLimitHeaders(w, userID)

			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: user_id=%d path=%s", userID, r.URL.Path)
			}
			if m.observer != nil {
				m.observer.RecordRateLimitHit(strconv.FormatInt(userID, 10))
			}

			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		// Add rate limit headers to successful responses
		m.addRateLimitHeaders(w, userID)

		next.ServeHTTP(w, r)
	})
}

// addRateLimitHeaders adds standard rate limit headers to the response.
// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, userID int64) {
	if userID == 0 {
		return
	}
	remaining := m.limiter.Remaining(userID)
	limit := m.limiter.capacity

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))

	// Add reset time (when bucket will be full again)
	if remaining < limit {
		secondsNeeded := (limit - remaining) / m.limiter.refillRate
		resetTime := time.Now().Add(time.Duration(secondsNeeded * float64(time.Second)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	}
}
