package postgres

import (
	"context"
	"database/sql"
	"time"

	"livesession/internal/domain"
	"livesession/internal/repository"
)

// InvitationRepository is a PostgreSQL implementation of repository.InvitationRepository.
type InvitationRepository struct {
	q Querier
}

// NewInvitationRepository creates a new PostgreSQL invitation repository.
func NewInvitationRepository(db *sql.DB) *InvitationRepository {
	return &InvitationRepository{q: db}
}

// NewInvitationRepositoryWithTx creates an invitation repository using a transaction.
func NewInvitationRepositoryWithTx(tx *sql.Tx) *InvitationRepository {
	return &InvitationRepository{q: tx}
}

// Create persists a new invitation. The plain token is never stored.
func (r *InvitationRepository) Create(ctx context.Context, inv *domain.Invitation) error {
	query := `
		INSERT INTO invitations (id, session_id, token_hash, role, invitee_name, invitee_email, invitee_phone, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.q.ExecContext(ctx, query,
		inv.ID,
		inv.SessionID,
		inv.TokenHash,
		inv.Role,
		inv.InviteeName,
		toNullString(inv.InviteeEmail),
		toNullString(inv.InviteePhone),
		inv.IssuedAt,
		inv.ExpiresAt,
	)
	return mapError(err)
}

// GetByTokenHash retrieves an invitation by the hash of its token.
func (r *InvitationRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Invitation, error) {
	query := `
		SELECT id, session_id, token_hash, role, invitee_name, invitee_email, invitee_phone,
			issued_at, expires_at, used_at, used_by, revoked_at
		FROM invitations WHERE token_hash = $1
	`
	var inv domain.Invitation
	var email, phone, usedBy sql.NullString
	var usedAt, revokedAt sql.NullTime

	err := r.q.QueryRowContext(ctx, query, tokenHash).Scan(
		&inv.ID,
		&inv.SessionID,
		&inv.TokenHash,
		&inv.Role,
		&inv.InviteeName,
		&email,
		&phone,
		&inv.IssuedAt,
		&inv.ExpiresAt,
		&usedAt,
		&usedBy,
		&revokedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	inv.InviteeEmail = email.String
	inv.InviteePhone = phone.String
	inv.UsedBy = usedBy.String
	if usedAt.Valid {
		inv.UsedAt = usedAt.Time
	}
	if revokedAt.Valid {
		inv.RevokedAt = revokedAt.Time
	}
	return &inv, nil
}

// MarkUsed consumes the invitation. The conditional update makes concurrent
// consumers race on a single row; only one of them sees a row affected.
// Revoked and expired rows never match.
func (r *InvitationRepository) MarkUsed(ctx context.Context, id, userID string, at time.Time) error {
	query := `
		UPDATE invitations SET used_at = $2, used_by = $3
		WHERE id = $1 AND used_at IS NULL AND revoked_at IS NULL AND expires_at > $2
	`
	result, err := r.q.ExecContext(ctx, query, id, at, userID)
	if err != nil {
		return mapError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var used bool
	err = r.q.QueryRowContext(ctx, `SELECT used_at IS NOT NULL FROM invitations WHERE id = $1`, id).Scan(&used)
	if err != nil {
		return mapError(err)
	}
	if used {
		return repository.ErrAlreadyUsed
	}
	return repository.ErrNotLive
}

// RevokeBySession invalidates every unused, unrevoked invitation of a session.
func (r *InvitationRepository) RevokeBySession(ctx context.Context, sessionID string, at time.Time) (int, error) {
	query := `
		UPDATE invitations SET revoked_at = $2
		WHERE session_id = $1 AND used_at IS NULL AND revoked_at IS NULL
	`
	return r.exec(ctx, query, sessionID, at)
}

// RevokeForInvitee invalidates the live invitations issued to the same
// invitee, matched by phone or email, within a session.
func (r *InvitationRepository) RevokeForInvitee(ctx context.Context, sessionID, phone, email string, at time.Time) (int, error) {
	query := `
		UPDATE invitations SET revoked_at = $2
		WHERE session_id = $1 AND used_at IS NULL AND revoked_at IS NULL
			AND ((invitee_phone IS NOT NULL AND invitee_phone = $3) OR (invitee_email IS NOT NULL AND invitee_email = $4))
	`
	return r.exec(ctx, query, sessionID, at, toNullString(phone), toNullString(email))
}

func (r *InvitationRepository) exec(ctx context.Context, query string, args ...any) (int, error) {
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}
