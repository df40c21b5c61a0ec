package domain

import "time"

// MembershipState represents a participant's membership in a session.
type MembershipState string

const (
	MembershipInvited MembershipState = "INVITED"
	MembershipJoined  MembershipState = "JOINED"
	MembershipLeft    MembershipState = "LEFT"
)

// Participant is a user's membership record within one session.
type Participant struct {
	UserID   string
	Role     UserRole
	State    MembershipState
	JoinedAt time.Time
	LeftAt   time.Time // Zero until the participant leaves
}
