package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage"
)

// Store implements usage.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite usage store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// serialize concurrent writers instead of failing fast
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// pragmas apply per connection; a single-connection pool keeps them in force
	db.SetMaxOpenConns(1)

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
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	session_id TEXT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	tier TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0 CHECK(cost_usd >= 0),
	latency_ms INTEGER NOT NULL DEFAULT 0,
	fallback_used INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_ledger_user_created ON usage_ledger(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS usage_counters (
	user_id INTEGER NOT NULL,
	day TEXT NOT NULL,
	provider TEXT NOT NULL,
	calls INTEGER NOT NULL DEFAULT 0,
	smart_credits INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
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
		sessionID = entry.SessionID.String()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_ledger(id, user_id, session_id, provider, model, tier, input_tokens, output_tokens, cost_usd, latency_ms, fallback_used, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		entry.UserID,
		sessionID,
		entry.Provider,
		entry.Model,
		entry.Tier,
		entry.InputTokens,
		entry.OutputTokens,
		entry.CostUSD,
		entry.LatencyMS,
		boolToInt(entry.FallbackUsed),
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
VALUES(?, ?, ?, 1, ?, ?)
ON CONFLICT(user_id, day, provider) DO UPDATE SET
	calls = calls + 1,
	smart_credits = smart_credits + excluded.smart_credits,
	cost_usd = cost_usd + excluded.cost_usd`,
		userID, day, delta.Provider, delta.SmartCredits, delta.CostUSD)
	return err
}

// CounterForDay aggregates the per-provider rows into one DayCounter.
// No rows is a confirmed empty result and yields (nil, nil).
func (s *Store) CounterForDay(ctx context.Context, userID int64, day string) (*usage.DayCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT provider, calls, smart_credits, cost_usd
FROM usage_counters
WHERE user_id = ? AND day = ?`, userID, day)
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
SELECT provider, input_tokens, output_tokens, cost_usd
FROM usage_ledger
WHERE user_id = ? AND created_at >= ?`, userID, since.UTC())
	if err != nil {
		return usage.Summary{}, err
	}
	defer rows.Close()
	return scanSummary(rows)
}

func scanSummary(rows *sql.Rows) (usage.Summary, error) {
	summary := usage.Summary{ByProvider: map[string]usage.ProviderSummary{}}
	for rows.Next() {
		var providerName string
		var in, out int64
		var cost float64
		if err := rows.Scan(&providerName, &in, &out, &cost); err != nil {
			return usage.Summary{}, err
		}
		summary.Requests++
		summary.TotalCostUSD += cost
		summary.TotalInputTokens += in
		summary.TotalOutputTokens += out
		bucket := summary.ByProvider[providerName]
		bucket.Requests++
		bucket.CostUSD += cost
		bucket.InputTokens += in
		bucket.OutputTokens += out
		summary.ByProvider[providerName] = bucket
	}
	return summary, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
