// Package session persists chat sessions and their message history. The
// dispatcher only ever reads the most recent slice of a conversation to build
// the provider call.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
)

// HistoryLimit caps how many trailing messages are replayed to a provider.
const HistoryLimit = 10

// Session is one conversation thread owned by a user.
type Session struct {
	ID           uuid.UUID `json:"id"`
	UserID       int64     `json:"user_id"`
	Mode         string    `json:"mode"`
	ProviderPref string    `json:"provider_pref,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Store persists sessions and messages.
type Store interface {
	// GetOrCreate returns the session with the given id when it exists and
	// belongs to the user; otherwise it creates a fresh one.
	GetOrCreate(ctx context.Context, userID int64, sessionID *uuid.UUID, mode, providerPref string) (*Session, error)
	// History returns up to limit trailing messages in chronological order.
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]provider.Message, error)
	// AppendExchange stores the prompt/reply pair and bumps the session's
	// message count and activity timestamp.
	AppendExchange(ctx context.Context, sessionID uuid.UUID, prompt, reply string) error
	Close() error
}
