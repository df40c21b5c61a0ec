package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/internal/domain"
	"livesession/internal/repository"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var sessionColumnNames = []string{
	"id", "account_id", "name", "destination_identifier", "destination_lat", "destination_lng",
	"expires_at", "tracking_mode", "state", "expiration_reason", "created_by", "version",
	"created_at", "updated_at", "expired_at",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func testSession() *domain.Session {
	return &domain.Session{
		ID:           "s1",
		AccountID:    "acct",
		Name:         "simple session",
		Destination:  domain.Destination{Identifier: "w9823", Lat: 37.7875694, Lng: -122.4112239},
		ExpiresAt:    now.Add(time.Hour),
		TrackingMode: domain.TrackingModeSmart,
		State:        domain.SessionStateActive,
		Participants: []domain.Participant{
			{UserID: "driver", Role: domain.UserRoleDriver, State: domain.MembershipJoined, JoinedAt: now},
		},
		CreatedBy: "driver",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSessionRepository_Create(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	s := testSession()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_participants")).
		WithArgs("s1", "driver", 0, domain.UserRoleDriver, domain.MembershipJoined, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), s))
	assert.Equal(t, 1, s.Version)
}

func TestSessionRepository_CreateDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), testSession())
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)
}

func TestSessionRepository_GetByID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionColumnNames).AddRow(
			"s1", "acct", "simple session", "w9823", 37.7875694, -122.4112239,
			now.Add(time.Hour), "SMART", "EXPIRED", "DRIVER_LEFT", "driver", 3,
			now, now.Add(time.Minute), now.Add(time.Minute),
		))
	mock.ExpectQuery(regexp.QuoteMeta("FROM session_participants WHERE session_id = $1 ORDER BY position")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "role", "state", "joined_at", "left_at"}).
			AddRow("driver", "DRIVER", "LEFT", now, now.Add(time.Minute)).
			AddRow("motorist", "MOTORIST", "JOINED", now, nil))

	s, err := repo.GetByID(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, domain.SessionStateExpired, s.State)
	assert.Equal(t, domain.ExpirationReasonDriverLeft, s.ExpirationReason)
	assert.Equal(t, domain.TrackingModeSmart, s.TrackingMode)
	assert.Equal(t, 3, s.Version)
	assert.Equal(t, "w9823", s.Destination.Identifier)
	assert.Equal(t, now.Add(time.Minute), s.ExpiredAt)
	require.Len(t, s.Participants, 2)
	assert.Equal(t, domain.MembershipLeft, s.Participants[0].State)
	assert.True(t, s.Participants[1].LeftAt.IsZero())
	assert.True(t, s.IsUserJoined("motorist"))
}

func TestSessionRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionColumnNames))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSessionRepository_Update(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)
	s := testSession()
	s.Version = 2
	s.MarkExpired(domain.ExpirationReasonDriverLeft, now)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions")).
		WithArgs("s1", 2, domain.TrackingModeSmart, domain.SessionStateExpired, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM session_participants WHERE session_id = $1")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_participants")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Update(context.Background(), s))
	assert.Equal(t, 3, s.Version)
}

func TestSessionRepository_UpdateStaleVersion(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
		want   error
	}{
		{"stale version", true, repository.ErrVersionConflict},
		{"deleted session", false, repository.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			repo := NewSessionRepository(db)
			s := testSession()
			s.Version = 1

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions")).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)")).
				WithArgs("s1").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))
			mock.ExpectRollback()

			err := repo.Update(context.Background(), s)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 1, s.Version)
		})
	}
}

func TestSessionRepository_ConnectionFailureIsUnavailable(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE state IN ('PENDING', 'ACTIVE')")).
		WillReturnError(&pq.Error{Code: "08006"})

	_, err := repo.ListLive(context.Background())
	assert.ErrorIs(t, err, repository.ErrUnavailable)
}

func TestSessionRepository_ListLive(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE state IN ('PENDING', 'ACTIVE') ORDER BY created_at")).
		WillReturnRows(sqlmock.NewRows(sessionColumnNames).AddRow(
			"s1", "acct", "simple session", "w9823", 37.78, -122.41,
			now.Add(time.Hour), "SMART", "ACTIVE", nil, "driver", 1,
			now, now, nil,
		))
	mock.ExpectQuery(regexp.QuoteMeta("FROM session_participants")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "role", "state", "joined_at", "left_at"}).
			AddRow("driver", "DRIVER", "JOINED", now, nil))

	live, err := repo.ListLive(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Empty(t, live[0].ExpirationReason)
	assert.True(t, live[0].ExpiredAt.IsZero())
	assert.True(t, live[0].IsUserJoined("driver"))
}

func TestInvitationRepository_MarkUsed(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		row      string
		want     error
	}{
		{"first use", 1, "", nil},
		{"already used", 0, "used", repository.ErrAlreadyUsed},
		{"revoked or expired", 0, "unused", repository.ErrNotLive},
		{"unknown", 0, "missing", repository.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			repo := NewInvitationRepository(db)

			mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND used_at IS NULL AND revoked_at IS NULL AND expires_at > $2")).
				WithArgs("i1", now, "motorist").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			if tt.affected == 0 {
				q := mock.ExpectQuery(regexp.QuoteMeta("SELECT used_at IS NOT NULL FROM invitations WHERE id = $1")).
					WithArgs("i1")
				if tt.row == "missing" {
					q.WillReturnError(sql.ErrNoRows)
				} else {
					q.WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(tt.row == "used"))
				}
			}

			err := repo.MarkUsed(context.Background(), "i1", "motorist", now)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInvitationRepository_GetByTokenHash(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInvitationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM invitations WHERE token_hash = $1")).
		WithArgs("hash").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "session_id", "token_hash", "role", "invitee_name", "invitee_email", "invitee_phone",
			"issued_at", "expires_at", "used_at", "used_by", "revoked_at",
		}).AddRow("i1", "s1", "hash", "MOTORIST", "Customer", "customer@me.com", nil, now, now.Add(time.Hour), nil, nil, nil))

	inv, err := repo.GetByTokenHash(context.Background(), "hash")
	require.NoError(t, err)
	assert.Equal(t, domain.UserRoleMotorist, inv.Role)
	assert.Equal(t, "customer@me.com", inv.InviteeEmail)
	assert.Empty(t, inv.InviteePhone)
	assert.True(t, inv.IsLive(now))
}

func TestInvitationRepository_RevokeForInvitee(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInvitationRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE invitations SET revoked_at = $2")).
		WithArgs("s1", now, "+14159495533", nil).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RevokeForInvitee(context.Background(), "s1", "+14159495533", "", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUserRepository_GetByDeviceID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE device_id = $1")).
		WithArgs("phone-a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_id", "name", "phone", "role", "created_at", "updated_at"}).
			AddRow("u1", "phone-a", "Dan", "+14155550100", "DRIVER", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE device_id = $1")).
		WithArgs("phone-b").
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_id", "name", "phone", "role", "created_at", "updated_at"}))

	u, err := repo.GetByDeviceID(context.Background(), "phone-a")
	require.NoError(t, err)
	assert.Equal(t, domain.UserRoleDriver, u.Role)

	_, err = repo.GetByDeviceID(context.Background(), "phone-b")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMigrate(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS users")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Migrate(context.Background(), db))
}
