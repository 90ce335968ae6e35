// Package usage defines the accounting contract for completed generation
// attempts: an append-only ledger plus per-user per-day counters that feed
// admission decisions.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one immutable ledger row, written after a successful attempt.
// The core never updates or deletes entries.
type Entry struct {
	ID           uuid.UUID  `json:"id"`
	UserID       int64      `json:"user_id"`
	SessionID    *uuid.UUID `json:"session_id,omitempty"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Tier         string     `json:"tier"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	LatencyMS    int64      `json:"latency_ms"`
	FallbackUsed bool       `json:"fallback_used"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DayCounter aggregates one user's consumption for one UTC calendar day.
type DayCounter struct {
	UserID           int64          `json:"user_id"`
	Day              string         `json:"day"`
	ProviderCalls    map[string]int `json:"provider_calls"`
	SmartCreditsUsed int            `json:"smart_credits_used"`
	TotalCostUSD     float64        `json:"total_cost_usd"`
}

// Calls returns the recorded call count for one provider.
func (c *DayCounter) Calls(providerName string) int {
	if c == nil {
		return 0
	}
	return c.ProviderCalls[providerName]
}

// CounterDelta is applied to a day counter in a single atomic statement.
type CounterDelta struct {
	Provider     string
	SmartCredits int
	CostUSD      float64
}

// Summary aggregates ledger rows over a time range.
type Summary struct {
	Requests          int                        `json:"requests"`
	TotalCostUSD      float64                    `json:"total_cost_usd"`
	TotalInputTokens  int64                      `json:"total_input_tokens"`
	TotalOutputTokens int64                      `json:"total_output_tokens"`
	ByProvider        map[string]ProviderSummary `json:"by_provider"`
}

// ProviderSummary is the per-provider slice of a Summary.
type ProviderSummary struct {
	Requests     int     `json:"requests"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// Day formats a timestamp as the UTC calendar day counters are keyed by.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Store persists ledger entries and day counters across SQLite/Postgres
// backends.
type Store interface {
	// Record appends one ledger entry.
	Record(ctx context.Context, entry Entry) error
	// IncrementCounter applies the delta to the (user, day) counter with a
	// single upsert-and-increment statement, creating the row when absent.
	// Concurrent increments for the same user must not lose updates.
	IncrementCounter(ctx context.Context, userID int64, day string, delta CounterDelta) error
	// CounterForDay returns the counter for the day, or (nil, nil) when the
	// absence is a confirmed empty result. A lookup failure is an error,
	// never a nil counter.
	CounterForDay(ctx context.Context, userID int64, day string) (*DayCounter, error)
	// SummaryRange aggregates ledger entries created at or after since.
	SummaryRange(ctx context.Context, userID int64, since time.Time) (Summary, error)
	Close() error
}
