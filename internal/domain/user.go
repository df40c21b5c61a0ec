package domain

import (
	"strings"
	"time"
)

// UserRole represents the part a user plays in a session.
type UserRole string

const (
	UserRoleDriver   UserRole = "DRIVER"
	UserRoleMotorist UserRole = "MOTORIST"
)

// Valid reports whether the role is one of the known roles.
func (r UserRole) Valid() bool {
	return r == UserRoleDriver || r == UserRoleMotorist
}

// User represents the profile bound to a device.
type User struct {
	ID        string
	DeviceID  string
	Name      string
	Phone     string
	Role      UserRole
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeName trims leading/trailing whitespace and collapses internal whitespace runs.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
