package service

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that react per category
// rather than per error.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindAuthorization Kind = "AUTHORIZATION"
	KindPermission    Kind = "PERMISSION"
	KindState         Kind = "STATE"
	KindConflict      Kind = "CONFLICT"
	KindTransient     Kind = "TRANSIENT"
	KindNotFound      Kind = "NOT_FOUND"
	KindInternal      Kind = "INTERNAL"
)

// Base errors, one per kind. Every specific error below wraps exactly one of
// them, so errors.Is matches both the specific error and its kind.
var (
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("not authorized")
	ErrPermission    = errors.New("permission denied")
	ErrState         = errors.New("invalid state")
	ErrConflict      = errors.New("conflict")
	ErrTransient     = errors.New("temporarily unavailable")
	ErrNotFound      = errors.New("not found")
)

var (
	// ErrInvalidUser is returned when a user profile fails validation.
	ErrInvalidUser = fmt.Errorf("%w: invalid user", ErrValidation)

	// ErrUserNotSaved is returned when the device has no saved profile.
	ErrUserNotSaved = fmt.Errorf("%w: user not saved", ErrValidation)

	// ErrInvalidRole is returned when a role is not DRIVER or MOTORIST.
	ErrInvalidRole = fmt.Errorf("%w: invalid role", ErrValidation)

	// ErrInvalidSessionID is returned when a session ID is empty.
	ErrInvalidSessionID = fmt.Errorf("%w: invalid session id", ErrValidation)

	// ErrInvalidSessionName is returned when the session name is empty.
	ErrInvalidSessionName = fmt.Errorf("%w: invalid session name", ErrValidation)

	// ErrInvalidDestination is returned when the destination identifier or coordinates are invalid.
	ErrInvalidDestination = fmt.Errorf("%w: invalid destination", ErrValidation)

	// ErrExpirationInPast is returned when a session would expire at or before creation.
	ErrExpirationInPast = fmt.Errorf("%w: expiration is not in the future", ErrValidation)

	// ErrInvalidTrackingMode is returned for an unknown tracking mode.
	ErrInvalidTrackingMode = fmt.Errorf("%w: invalid tracking mode", ErrValidation)

	// ErrInvalidInvitee is returned when the invitee has no name or no reachable contact.
	ErrInvalidInvitee = fmt.Errorf("%w: invalid invitee", ErrValidation)

	// ErrInvalidLocation is returned when location coordinates are invalid.
	ErrInvalidLocation = fmt.Errorf("%w: invalid location", ErrValidation)

	// ErrInvalidAccount is returned when the account token is empty.
	ErrInvalidAccount = fmt.Errorf("%w: invalid account", ErrValidation)
)

var (
	// ErrInvalidToken is returned when a token is unknown or bound to another session.
	ErrInvalidToken = fmt.Errorf("%w: invalid invitation token", ErrAuthorization)

	// ErrTokenAlreadyUsed is returned when a token was consumed before.
	ErrTokenAlreadyUsed = fmt.Errorf("%w: invitation token already used", ErrAuthorization)

	// ErrTokenExpired is returned when a token outlived its validity or was revoked.
	ErrTokenExpired = fmt.Errorf("%w: invitation token expired", ErrAuthorization)

	// ErrTokenRoleMismatch is returned when the joining user's role differs from the invited role.
	ErrTokenRoleMismatch = fmt.Errorf("%w: invitation token issued for another role", ErrAuthorization)

	// ErrNotInvited is returned when a user joins without a token and holds no membership.
	ErrNotInvited = fmt.Errorf("%w: not invited to session", ErrAuthorization)
)

var (
	// ErrNotDriver is returned when an operation requires a joined driver.
	ErrNotDriver = fmt.Errorf("%w: only a joined driver may do this", ErrPermission)

	// ErrCreatorNotDriver is returned when a non-driver tries to create a session.
	ErrCreatorNotDriver = fmt.Errorf("%w: only a driver may create a session", ErrPermission)

	// ErrNotParticipant is returned when the user is not a joined participant.
	ErrNotParticipant = fmt.Errorf("%w: not a session participant", ErrPermission)
)

var (
	// ErrSessionExpired is returned for mutations of an expired session.
	ErrSessionExpired = fmt.Errorf("%w: session expired", ErrState)

	// ErrSessionPending is returned when the session was not confirmed yet.
	ErrSessionPending = fmt.Errorf("%w: session not active yet", ErrState)

	// ErrParticipantLeft is returned when a user who left tries to act on the session.
	ErrParticipantLeft = fmt.Errorf("%w: participant left the session", ErrState)

	// ErrSessionNotFound is returned when the session does not exist.
	ErrSessionNotFound = fmt.Errorf("%w: session not found", ErrNotFound)

	// ErrUserNotFound is returned when the user does not exist.
	ErrUserNotFound = fmt.Errorf("%w: user not found", ErrNotFound)

	// ErrSessionConflict is returned when concurrent updates could not be reconciled.
	ErrSessionConflict = fmt.Errorf("%w: session modified concurrently", ErrConflict)
)

// KindOf reports the kind of err. Unclassified errors are INTERNAL.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrState):
		return KindState
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}
