package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating an entity whose ID is taken.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrVersionConflict is returned when an update was based on a stale version.
	ErrVersionConflict = errors.New("entity version conflict")

	// ErrAlreadyUsed is returned when marking an already consumed invitation as used.
	ErrAlreadyUsed = errors.New("invitation already used")

	// ErrNotLive is returned when marking a revoked or expired invitation as used.
	ErrNotLive = errors.New("invitation revoked or expired")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers may retry it.
	ErrUnavailable = errors.New("store unavailable")
)
