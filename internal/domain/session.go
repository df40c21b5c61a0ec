package domain

import "time"

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	SessionStatePending SessionState = "PENDING"
	SessionStateActive  SessionState = "ACTIVE"
	SessionStateExpired SessionState = "EXPIRED"
	// SessionStateLeft is only ever reported in a participant's view of a
	// session; it is never persisted as the session's own state.
	SessionStateLeft SessionState = "LEFT"
)

// ExpirationReason records why a session reached EXPIRED.
type ExpirationReason string

const (
	ExpirationReasonTimeElapsed ExpirationReason = "TIME_ELAPSED"
	ExpirationReasonDriverLeft  ExpirationReason = "DRIVER_LEFT"
	ExpirationReasonClosed      ExpirationReason = "CLOSED"
)

// TrackingMode is the policy governing the sampling cadence of the live-location feed.
type TrackingMode string

const (
	TrackingModeContinuous TrackingMode = "CONTINUOUS"
	TrackingModeSmart      TrackingMode = "SMART"
	TrackingModeOff        TrackingMode = "OFF"
)

// Valid reports whether the mode is one of the known modes.
func (m TrackingMode) Valid() bool {
	switch m {
	case TrackingModeContinuous, TrackingModeSmart, TrackingModeOff:
		return true
	}
	return false
}

// Session is a time-bounded, named context binding a driver and zero or more
// motorists to a shared destination and live-location feed.
type Session struct {
	ID           string
	AccountID    string
	Name         string
	Destination  Destination
	ExpiresAt    time.Time // Immutable after creation
	TrackingMode TrackingMode
	State        SessionState

	// Participants is ordered by join time.
	Participants []Participant

	ExpirationReason ExpirationReason
	CreatedBy        string
	Version          int // Optimistic concurrency token, bumped on every update
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiredAt        time.Time
}

// IsExpired reports whether the session reached its terminal state.
func (s *Session) IsExpired() bool {
	return s.State == SessionStateExpired
}

// HasElapsed reports whether the expiration timestamp has been reached at now.
func (s *Session) HasElapsed(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Participant returns the membership record for userID, or nil.
// The returned pointer aliases the session's participant slice.
func (s *Session) Participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// IsUserJoined reports whether userID currently holds a JOINED membership.
func (s *Session) IsUserJoined(userID string) bool {
	p := s.Participant(userID)
	return p != nil && p.State == MembershipJoined
}

// JoinedParticipants returns the participants currently JOINED, in join order.
func (s *Session) JoinedParticipants() []Participant {
	var out []Participant
	for _, p := range s.Participants {
		if p.State == MembershipJoined {
			out = append(out, p)
		}
	}
	return out
}

// MarkExpired moves the session to EXPIRED. It is a no-op when already expired.
func (s *Session) MarkExpired(reason ExpirationReason, now time.Time) {
	if s.State == SessionStateExpired {
		return
	}
	s.State = SessionStateExpired
	s.ExpirationReason = reason
	s.ExpiredAt = now
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	out.Participants = append([]Participant(nil), s.Participants...)
	return &out
}

// ViewFor returns a copy of the session as seen by userID: a participant who
// left an otherwise live session sees it as LEFT.
func (s *Session) ViewFor(userID string) *Session {
	out := s.Clone()
	if p := out.Participant(userID); p != nil && p.State == MembershipLeft && out.State != SessionStateExpired {
		out.State = SessionStateLeft
	}
	return out
}
