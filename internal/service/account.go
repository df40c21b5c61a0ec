package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"livesession/internal/domain"
)

// Account scopes the sessions a client creates and sees.
type Account struct {
	Token               string
	DefaultTrackingMode domain.TrackingMode
}

// NewAccount validates the account token and defaults the tracking mode to SMART.
func NewAccount(token string, mode domain.TrackingMode) (Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Account{}, ErrInvalidAccount
	}
	if mode == "" {
		mode = domain.TrackingModeSmart
	}
	if !mode.Valid() {
		return Account{}, ErrInvalidTrackingMode
	}
	return Account{Token: token, DefaultTrackingMode: mode}, nil
}

// ID derives a stable identifier from the token so the token itself is never stored.
func (a Account) ID() string {
	if a.Token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(a.Token))
	return hex.EncodeToString(sum[:8])
}
