package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

// Store implements userstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite user store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create user db directory: %w", err)
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
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	telegram_id INTEGER NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT 'demo',
	authorized INTEGER NOT NULL DEFAULT 0,
	subscription_tier TEXT NOT NULL DEFAULT 'free',
	subscription_expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_users_telegram ON users(telegram_id);
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

const userColumns = `id, telegram_id, role, authorized, subscription_tier, subscription_expires_at, created_at`

func scanUser(row *sql.Row) (*userstore.User, error) {
	var u userstore.User
	var role, tier string
	var authorized int
	var expires sql.NullTime
	err := row.Scan(&u.ID, &u.TelegramID, &role, &authorized, &tier, &expires, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = userstore.Role(role)
	u.Authorized = authorized != 0
	u.SubscriptionTier = userstore.SubscriptionTier(tier)
	if expires.Valid {
		t := expires.Time
		u.SubscriptionExpiresAt = &t
	}
	return &u, nil
}

// FindByID returns the user with the given primary key.
func (s *Store) FindByID(ctx context.Context, id int64) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// FindByTelegramID returns the user owning the given telegram id.
func (s *Store) FindByTelegramID(ctx context.Context, telegramID int64) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	return scanUser(row)
}

// EnsureUser returns the account for telegramID, creating an unauthorized
// one on first contact.
func (s *Store) EnsureUser(ctx context.Context, telegramID int64, role userstore.Role) (*userstore.User, error) {
	if role == "" {
		role = userstore.RoleDemo
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(telegram_id, role, authorized, subscription_tier, created_at)
VALUES(?, ?, 0, 'free', ?)
ON CONFLICT(telegram_id) DO NOTHING`, telegramID, string(role), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return s.FindByTelegramID(ctx, telegramID)
}

// SetAuthorized flips the authorization flag.
func (s *Store) SetAuthorized(ctx context.Context, id int64, authorized bool) error {
	val := 0
	if authorized {
		val = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET authorized = ? WHERE id = ?`, val, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetSubscription records a purchased (or lapsed) plan.
func (s *Store) SetSubscription(ctx context.Context, id int64, tier userstore.SubscriptionTier, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET subscription_tier = ?, subscription_expires_at = ? WHERE id = ?`,
		string(tier), expiresAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return userstore.ErrNotFound
	}
	return nil
}
