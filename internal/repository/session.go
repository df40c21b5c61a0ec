package repository

import (
	"context"

	"livesession/internal/domain"
)

// SessionRepository defines the persistence operations for sessions and
// their participants.
type SessionRepository interface {
	// Create persists a new session. The stored version starts at 1.
	Create(ctx context.Context, session *domain.Session) error

	// GetByID retrieves a session with its participants ordered by join time.
	GetByID(ctx context.Context, id string) (*domain.Session, error)

	// Update replaces the session if the stored version equals session.Version,
	// then bumps session.Version. Returns ErrVersionConflict otherwise.
	Update(ctx context.Context, session *domain.Session) error

	// ListLive retrieves sessions that are PENDING or ACTIVE.
	ListLive(ctx context.Context) ([]*domain.Session, error)
}
