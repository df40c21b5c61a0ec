package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"livesession/internal/domain"
	"livesession/internal/repository"
)

// SessionRepository is a PostgreSQL implementation of repository.SessionRepository.
// Participants are stored in session_participants, ordered by position.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new PostgreSQL session repository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, account_id, name, destination_identifier, destination_lat, destination_lng,
	expires_at, tracking_mode, state, expiration_reason, created_by, version, created_at, updated_at, expired_at`

// Create persists a new session and its participants. The version starts at 1.
func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO sessions (` + sessionColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`
		_, err := tx.ExecContext(ctx, query,
			session.ID,
			session.AccountID,
			session.Name,
			session.Destination.Identifier,
			session.Destination.Lat,
			session.Destination.Lng,
			session.ExpiresAt,
			session.TrackingMode,
			session.State,
			toNullString(string(session.ExpirationReason)),
			session.CreatedBy,
			1,
			session.CreatedAt,
			session.UpdatedAt,
			toNullTime(session.ExpiredAt),
		)
		if err != nil {
			return mapError(err)
		}
		if err := insertParticipants(ctx, tx, session); err != nil {
			return err
		}
		session.Version = 1
		return nil
	})
}

// GetByID retrieves a session with its participants.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := loadParticipants(ctx, r.db, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Update replaces the session if the stored version matches session.Version.
func (r *SessionRepository) Update(ctx context.Context, session *domain.Session) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE sessions
			SET tracking_mode = $3, state = $4, expiration_reason = $5, updated_at = $6, expired_at = $7,
				version = version + 1
			WHERE id = $1 AND version = $2
		`
		result, err := tx.ExecContext(ctx, query,
			session.ID,
			session.Version,
			session.TrackingMode,
			session.State,
			toNullString(string(session.ExpirationReason)),
			session.UpdatedAt,
			toNullTime(session.ExpiredAt),
		)
		if err != nil {
			return mapError(err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var exists bool
			err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, session.ID).Scan(&exists)
			if err != nil {
				return mapError(err)
			}
			if !exists {
				return repository.ErrNotFound
			}
			return repository.ErrVersionConflict
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM session_participants WHERE session_id = $1`, session.ID); err != nil {
			return mapError(err)
		}
		if err := insertParticipants(ctx, tx, session); err != nil {
			return err
		}
		session.Version++
		return nil
	})
}

// ListLive retrieves sessions that are PENDING or ACTIVE.
func (r *SessionRepository) ListLive(ctx context.Context) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE state IN ('PENDING', 'ACTIVE') ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, session := range sessions {
		if err := loadParticipants(ctx, r.db, session); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (r *SessionRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var reason sql.NullString
	var expiredAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.AccountID,
		&session.Name,
		&session.Destination.Identifier,
		&session.Destination.Lat,
		&session.Destination.Lng,
		&session.ExpiresAt,
		&session.TrackingMode,
		&session.State,
		&reason,
		&session.CreatedBy,
		&session.Version,
		&session.CreatedAt,
		&session.UpdatedAt,
		&expiredAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if reason.Valid {
		session.ExpirationReason = domain.ExpirationReason(reason.String)
	}
	if expiredAt.Valid {
		session.ExpiredAt = expiredAt.Time
	}
	return &session, nil
}

func insertParticipants(ctx context.Context, q Querier, session *domain.Session) error {
	query := `
		INSERT INTO session_participants (session_id, user_id, position, role, state, joined_at, left_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i, p := range session.Participants {
		_, err := q.ExecContext(ctx, query,
			session.ID,
			p.UserID,
			i,
			p.Role,
			p.State,
			toNullTime(p.JoinedAt),
			toNullTime(p.LeftAt),
		)
		if err != nil {
			return fmt.Errorf("insert participant %s: %w", p.UserID, mapError(err))
		}
	}
	return nil
}

func loadParticipants(ctx context.Context, q Querier, session *domain.Session) error {
	query := `
		SELECT user_id, role, state, joined_at, left_at
		FROM session_participants WHERE session_id = $1 ORDER BY position
	`
	rows, err := q.QueryContext(ctx, query, session.ID)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	session.Participants = nil
	for rows.Next() {
		var p domain.Participant
		var joinedAt, leftAt sql.NullTime
		if err := rows.Scan(&p.UserID, &p.Role, &p.State, &joinedAt, &leftAt); err != nil {
			return err
		}
		if joinedAt.Valid {
			p.JoinedAt = joinedAt.Time
		}
		if leftAt.Valid {
			p.LeftAt = leftAt.Time
		}
		session.Participants = append(session.Participants, p)
	}
	return rows.Err()
}
