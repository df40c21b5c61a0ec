package repository

import (
	"context"
	"time"

	"livesession/internal/domain"
)

// InvitationRepository defines the persistence operations for invitations.
type InvitationRepository interface {
	// Create persists a new invitation.
	Create(ctx context.Context, inv *domain.Invitation) error

	// GetByTokenHash retrieves an invitation by the hash of its token.
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Invitation, error)

	// MarkUsed atomically consumes an unused, unrevoked invitation that
	// has not expired at at. Returns ErrAlreadyUsed if it was consumed
	// before and ErrNotLive if it was revoked or expired.
	MarkUsed(ctx context.Context, id, userID string, at time.Time) error

	// RevokeBySession invalidates every unused, unrevoked invitation of a session.
	RevokeBySession(ctx context.Context, sessionID string, at time.Time) (int, error)

	// RevokeForInvitee invalidates the unused, unrevoked invitations issued
	// to the same invitee (matched by phone or email) within a session.
	RevokeForInvitee(ctx context.Context, sessionID, phone, email string, at time.Time) (int, error)
}
