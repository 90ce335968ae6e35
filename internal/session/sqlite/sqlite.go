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

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/session"
)

// Store implements session.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite session store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
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
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	mode TEXT NOT NULL DEFAULT 'auto',
	provider_pref TEXT,
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_active_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
VALUES(?, ?, ?, ?, 0, ?, ?)`,
		sess.ID.String(), userID, mode, pref, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) find(ctx context.Context, userID int64, id uuid.UUID) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, mode, provider_pref, message_count, created_at, last_active_at
FROM sessions
WHERE id = ? AND user_id = ?`, id.String(), userID)

	var sess session.Session
	var rawID string
	var pref sql.NullString
	err := row.Scan(&rawID, &sess.UserID, &sess.Mode, &pref, &sess.MessageCount, &sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("corrupt session id %q: %w", rawID, err)
	}
	sess.ID = parsed
	sess.ProviderPref = pref.String
	return &sess, nil
}

// History returns up to limit trailing messages in chronological order.
func (s *Store) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]provider.Message, error) {
	if limit <= 0 {
		limit = session.HistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT role, content
FROM messages
WHERE session_id = ?
ORDER BY created_at DESC
LIMIT ?`, sessionID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reversed []provider.Message
	for rows.Next() {
		var m provider.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	history := make([]provider.Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		history = append(history, reversed[i])
	}
	return history, nil
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
INSERT INTO messages(id, session_id, role, content, created_at) VALUES(?, ?, 'user', ?, ?)`,
		uuid.New().String(), sessionID.String(), prompt, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, role, content, created_at) VALUES(?, ?, 'assistant', ?, ?)`,
		uuid.New().String(), sessionID.String(), reply, now.Add(time.Microsecond)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET message_count = message_count + 2, last_active_at = ? WHERE id = ?`,
		now, sessionID.String()); err != nil {
		return err
	}
	return tx.Commit()
}
