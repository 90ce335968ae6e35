// Package userstore persists aggregator users. The dispatch core only reads
// identity fields; the sole mutations it triggers live in the usage package.
package userstore

import (
	"context"
	"errors"
	"time"
)

// Role represents the access level of a user.
type Role string

const (
	// RoleDemo is the restricted trial tier.
	RoleDemo Role = "demo"
	// RoleFullAccess unlocks every configured provider.
	RoleFullAccess Role = "full_access"
)

// SubscriptionTier names a paid plan. Plan limits themselves are owned by the
// policy package; the store only records which plan a user bought.
type SubscriptionTier string

const (
	TierFree      SubscriptionTier = "free"
	TierStarter   SubscriptionTier = "starter"
	TierPro       SubscriptionTier = "pro"
	TierUnlimited SubscriptionTier = "unlimited"
)

// User is an aggregator account.
type User struct {
	ID                    int64
	TelegramID            int64
	Role                  Role
	Authorized            bool
	SubscriptionTier      SubscriptionTier
	SubscriptionExpiresAt *time.Time
	CreatedAt             time.Time
}

// EffectiveSubscription returns the plan the user is entitled to right now.
// An expired paid plan reads as free without mutating the stored record.
func (u *User) EffectiveSubscription(now time.Time) SubscriptionTier {
	tier := u.SubscriptionTier
	if tier == "" {
		return TierFree
	}
	if tier != TierFree && u.SubscriptionExpiresAt != nil && u.SubscriptionExpiresAt.Before(now) {
		return TierFree
	}
	return tier
}

// ErrNotFound is returned when a lookup matches no user.
var ErrNotFound = errors.New("user not found")

// Store persists users across SQLite/Postgres backends.
type Store interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByTelegramID(ctx context.Context, telegramID int64) (*User, error)
	// EnsureUser returns the user with the given telegram id, creating an
	// unauthorized account with the role on first contact.
	EnsureUser(ctx context.Context, telegramID int64, role Role) (*User, error)
	SetAuthorized(ctx context.Context, id int64, authorized bool) error
	SetSubscription(ctx context.Context, id int64, tier SubscriptionTier, expiresAt *time.Time) error
	Close() error
}
