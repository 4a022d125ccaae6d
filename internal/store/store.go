// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/cat-engine/internal/domain"
)

// ItemRepository persists calibrated items.
type ItemRepository interface {
	// LoadItems returns calibrated items ordered by id, optionally restricted to domains.
	LoadItems(ctx context.Context, domains ...string) ([]domain.Item, error)

	// UpsertItems inserts or recalibrates items in a single transaction.
	UpsertItems(ctx context.Context, items []domain.Item) error
}

// SessionRepository persists diagnostic sessions together with their response history.
type SessionRepository interface {
	// SaveSession writes the session row and appends any responses not yet stored.
	SaveSession(ctx context.Context, s *domain.Session) error

	// LoadSession returns the session with the given id, or domain.ErrNotFound.
	LoadSession(ctx context.Context, id string) (*domain.Session, error)

	// ListStaleSessions returns ids of active sessions with no activity since cutoff.
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]string, error)

	// ListSessionsByUser returns a user's sessions, newest first.
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error)
}

// UserRepository persists session owners.
type UserRepository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Repository is the full persistence surface backed by one database.
type Repository interface {
	ItemRepository
	SessionRepository
	UserRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
