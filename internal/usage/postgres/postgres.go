package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage"
)

// Store implements usage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed usage store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(60 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_ledger (
	id UUID PRIMARY KEY,
	user_id BIGINT NOT NULL,
	session_id UUID,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	tier TEXT NOT NULL,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd NUMERIC(12,6) NOT NULL DEFAULT 0 CHECK(cost_usd >= 0),
	latency_ms BIGINT NOT NULL DEFAULT 0,
	fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_ledger_user_created ON usage_ledger(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS usage_counters (
	user_id BIGINT NOT NULL,
	day DATE NOT NULL,
	provider TEXT NOT NULL,
	calls BIGINT NOT NULL DEFAULT 0,
	smart_credits BIGINT NOT NULL DEFAULT 0,
	cost_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, day, provider)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health probing.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Record inserts a new ledger entry.
func (s *Store) Record(ctx context.Context, entry usage.Entry) error {
	if entry.UserID == 0 {
		return errors.New("ledger record requires user id")
	}
	if entry.Provider == "" {
		return errors.New("ledger record requires provider")
	}
	if entry.CostUSD < 0 {
		return fmt.Errorf("negative cost %f", entry.CostUSD)
	}
	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var sessionID any
	if entry.SessionID != nil {
		sessionID = *entry.SessionID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_ledger(id, user_id, session_id, provider, model, tier, input_tokens, output_tokens, cost_usd, latency_ms, fallback_used, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id,
		entry.UserID,
		sessionID,
		entry.Provider,
		entry.Model,
		entry.Tier,
		entry.InputTokens,
		entry.OutputTokens,
		entry.CostUSD,
		entry.LatencyMS,
		entry.FallbackUsed,
		created,
	)
	return err
}

// IncrementCounter applies the delta as a single upsert so overlapping
// requests from the same user cannot lose updates.
func (s *Store) IncrementCounter(ctx context.Context, userID int64, day string, delta usage.CounterDelta) error {
	if userID == 0 {
		return errors.New("counter increment requires user id")
	}
	if delta.Provider == "" {
		return errors.New("counter increment requires provider")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_counters(user_id, day, provider, calls, smart_credits, cost_usd)
VALUES($1, $2, $3, 1, $4, $5)
ON CONFLICT(user_id, day, provider) DO UPDATE SET
	calls = usage_counters.calls + 1,
	smart_credits = usage_counters.smart_credits + EXCLUDED.smart_credits,
	cost_usd = usage_counters.cost_usd + EXCLUDED.cost_usd`,
		userID, day, delta.Provider, delta.SmartCredits, delta.CostUSD)
	return err
}

// CounterForDay aggregates the per-provider rows into one DayCounter.
// No rows is a confirmed empty result and yields (nil, nil).
func (s *Store) CounterForDay(ctx context.Context, userID int64, day string) (*usage.DayCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT provider, calls, smart_credits, cost_usd
FROM usage_counters
WHERE user_id = $1 AND day = $2`, userID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counter *usage.DayCounter
	for rows.Next() {
		var providerName string
		var calls, credits int
		var cost float64
		if err := rows.Scan(&providerName, &calls, &credits, &cost); err != nil {
			return nil, err
		}
		if counter == nil {
			counter = &usage.DayCounter{UserID: userID, Day: day, ProviderCalls: map[string]int{}}
		}
		counter.ProviderCalls[providerName] = calls
		counter.SmartCreditsUsed += credits
		counter.TotalCostUSD += cost
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counter, nil
}

// SummaryRange aggregates ledger entries created at or after since.
func (s *Store) SummaryRange(ctx context.Context, userID int64, since time.Time) (usage.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT provider,
	COUNT(*),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(cost_usd), 0)
FROM usage_ledger
WHERE user_id = $1 AND created_at >= $2
GROUP BY provider`, userID, since.UTC())
	if err != nil {
		return usage.Summary{}, err
	}
	defer rows.Close()

	summary := usage.Summary{ByProvider: map[string]usage.ProviderSummary{}}
	for rows.Next() {
		var providerName string
		var requests int
		var in, out int64
		var cost float64
		if err := rows.Scan(&providerName, &requests, &in, &out, &cost); err != nil {
			return usage.Summary{}, err
		}
		summary.Requests += requests
		summary.TotalCostUSD += cost
		summary.TotalInputTokens += in
		summary.TotalOutputTokens += out
		summary.ByProvider[providerName] = usage.ProviderSummary{
			Requests:     requests,
			CostUSD:      cost,
			InputTokens:  in,
			OutputTokens: out,
		}
	}
	return summary, rows.Err()
}
