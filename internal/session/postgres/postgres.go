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

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/session"
)

// Store implements session.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed session store using the provided DSN and
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
CREATE TABLE IF NOT EXISTS sessions (
	id UUID PRIMARY KEY,
	user_id BIGINT NOT NULL,
	mode TEXT NOT NULL DEFAULT 'auto',
	provider_pref TEXT,
	message_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	session_id UUID NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
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

// GetOrCreate returns the caller's session or starts a fresh one.
func (s *Store) GetOrCreate(ctx context.Context, userID int64, sessionID *uuid.UUID, mode, providerPref string) (*session.Session, error) {
	if userID == 0 {
		return nil, errors.New("session requires user id")
	}
	if sessionID != nil {
		found, err := s.find(ctx, userID, *sessionID)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:           uuid.New(),
		UserID:       userID,
		Mode:         mode,
		ProviderPref: providerPref,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	var pref any
	if providerPref != "" {
		pref = providerPref
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, user_id, mode, provider_pref, message_count, created_at, last_active_at)
VALUES($1, $2, $3, $4, 0, $5, $6)`,
		sess.ID, userID, mode, pref, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) find(ctx context.Context, userID int64, id uuid.UUID) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, mode, provider_pref, message_count, created_at, last_active_at
FROM sessions
WHERE id = $1 AND user_id = $2`, id, userID)

	var sess session.Session
	var pref sql.NullString
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Mode, &pref, &sess.MessageCount, &sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.ProviderPref = pref.String
	return &sess, nil
}

// History returns up to limit trailing messages in chronological order.
func (s *Store) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]provider.Message, error) {
	if limit <= 0 {
		limit = session.HistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT role, content FROM (
	SELECT role, content, created_at
	FROM messages
	WHERE session_id = $1
	ORDER BY created_at DESC
	LIMIT $2
) trailing
ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []provider.Message
	for rows.Next() {
		var m provider.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

// AppendExchange stores the prompt/reply pair in one transaction.
func (s *Store) AppendExchange(ctx context.Context, sessionID uuid.UUID, prompt, reply string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	// distinct timestamps keep ORDER BY created_at stable
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, role, content, created_at) VALUES($1, $2, 'user', $3, $4)`,
		uuid.New(), sessionID, prompt, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, role, content, created_at) VALUES($1, $2, 'assistant', $3, $4)`,
		uuid.New(), sessionID, reply, now.Add(time.Microsecond)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET message_count = message_count + 2, last_active_at = $1 WHERE id = $2`,
		now, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}
