package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the tables used by the repositories. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	phone      TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id                     TEXT PRIMARY KEY,
	account_id             TEXT NOT NULL,
	name                   TEXT NOT NULL,
	destination_identifier TEXT NOT NULL,
	destination_lat        DOUBLE PRECISION NOT NULL,
	destination_lng        DOUBLE PRECISION NOT NULL,
	expires_at             TIMESTAMPTZ NOT NULL,
	tracking_mode          TEXT NOT NULL,
	state                  TEXT NOT NULL,
	expiration_reason      TEXT,
	created_by             TEXT NOT NULL,
	version                INTEGER NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL,
	expired_at             TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS sessions_live_idx ON sessions (state) WHERE state IN ('PENDING', 'ACTIVE');

CREATE TABLE IF NOT EXISTS session_participants (
	session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	position   INTEGER NOT NULL,
	role       TEXT NOT NULL,
	state      TEXT NOT NULL,
	joined_at  TIMESTAMPTZ,
	left_at    TIMESTAMPTZ,
	PRIMARY KEY (session_id, user_id)
);

CREATE TABLE IF NOT EXISTS invitations (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
	token_hash    TEXT NOT NULL UNIQUE,
	role          TEXT NOT NULL,
	invitee_name  TEXT NOT NULL,
	invitee_email TEXT,
	invitee_phone TEXT,
	issued_at     TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	used_at       TIMESTAMPTZ,
	used_by       TEXT,
	revoked_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS invitations_session_idx ON invitations (session_id);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
