package domain

import "time"

// Invitation is a single-use credential permitting one join against a
// specific session and role.
//
// Only TokenHash is persisted. Token and URL are populated once, on issue.
type Invitation struct {
	ID        string
	SessionID string
	TokenHash string
	Token     string
	URL       string
	Role      UserRole

	InviteeName  string
	InviteeEmail string
	InviteePhone string

	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    time.Time
	UsedBy    string
	RevokedAt time.Time
}

// IsUsed reports whether the invitation has been consumed.
func (i *Invitation) IsUsed() bool {
	return !i.UsedAt.IsZero()
}

// IsRevoked reports whether the invitation was invalidated before use.
func (i *Invitation) IsRevoked() bool {
	return !i.RevokedAt.IsZero()
}

// IsLive reports whether the invitation can still be consumed at now.
func (i *Invitation) IsLive(now time.Time) bool {
	return !i.IsUsed() && !i.IsRevoked() && now.Before(i.ExpiresAt)
}
