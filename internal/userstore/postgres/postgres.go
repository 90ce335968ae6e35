package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// register postgres driver
	_ "github.com/lib/pq"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
)

// Store implements userstore.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed user store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
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
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	telegram_id BIGINT NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT 'demo',
	authorized BOOLEAN NOT NULL DEFAULT FALSE,
	subscription_tier TEXT NOT NULL DEFAULT 'free',
	subscription_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	var expires sql.NullTime
	err := row.Scan(&u.ID, &u.TelegramID, &role, &u.Authorized, &tier, &expires, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = userstore.Role(role)
	u.SubscriptionTier = userstore.SubscriptionTier(tier)
	if expires.Valid {
		t := expires.Time
		u.SubscriptionExpiresAt = &t
	}
	return &u, nil
}

// FindByID returns the user with the given primary key.
func (s *Store) FindByID(ctx context.Context, id int64) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// FindByTelegramID returns the user owning the given telegram id.
func (s *Store) FindByTelegramID(ctx context.Context, telegramID int64) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID)
	return scanUser(row)
}

// EnsureUser returns the account for telegramID, creating an unauthorized
// one on first contact.
func (s *Store) EnsureUser(ctx context.Context, telegramID int64, role userstore.Role) (*userstore.User, error) {
	if role == "" {
		role = userstore.RoleDemo
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(telegram_id, role, authorized, subscription_tier)
VALUES($1, $2, FALSE, 'free')
ON CONFLICT(telegram_id) DO NOTHING`, telegramID, string(role))
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return s.FindByTelegramID(ctx, telegramID)
}

// SetAuthorized flips the authorization flag.
func (s *Store) SetAuthorized(ctx context.Context, id int64, authorized bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET authorized = $1 WHERE id = $2`, authorized, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetSubscription records a purchased (or lapsed) plan.
func (s *Store) SetSubscription(ctx context.Context, id int64, tier userstore.SubscriptionTier, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET subscription_tier = $1, subscription_expires_at = $2 WHERE id = $3`,
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
