package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"livesession/internal/clock"
	"livesession/internal/domain"
	"livesession/internal/repository"
)

// tokenBytes is the amount of randomness in an invitation token (256 bits).
const tokenBytes = 32

// Invitee identifies the person an invitation is addressed to.
type Invitee struct {
	DisplayName string `validate:"required"`
	Email       string `validate:"required_without=Phone,omitempty,email"`
	Phone       string `validate:"required_without=Email,omitempty,e164"`
}

// TokenIssuer issues and consumes single-use invitation tokens.
type TokenIssuer struct {
	invRepo  repository.InvitationRepository
	clock    clock.Clock
	ttl      time.Duration
	baseURL  *url.URL
	validate *validator.Validate
	retry    RetryPolicy
	randRead func([]byte) (int, error)
}

// NewTokenIssuer creates a new TokenIssuer. Join URLs are baseURL with the
// token appended as the last path segment.
func NewTokenIssuer(invRepo repository.InvitationRepository, clk clock.Clock, ttl time.Duration, baseURL string, retry RetryPolicy) (*TokenIssuer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse invitation base url: %w", err)
	}
	return &TokenIssuer{
		invRepo:  invRepo,
		clock:    clk,
		ttl:      ttl,
		baseURL:  u,
		validate: validator.New(),
		retry:    retry,
		randRead: rand.Read,
	}, nil
}

// HashToken returns the stored form of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue creates an invitation for the session. The invitation expires after
// the configured TTL or with the session, whichever comes first. Earlier
// live invitations for the same invitee are revoked.
func (t *TokenIssuer) Issue(ctx context.Context, session *domain.Session, role domain.UserRole, invitee Invitee) (*domain.Invitation, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if err := t.validate.Struct(invitee); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvitee, err)
	}

	now := t.clock.Now()
	if session.IsExpired() || session.HasElapsed(now) {
		return nil, ErrSessionExpired
	}

	token, err := t.newToken()
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(t.ttl)
	if t.ttl <= 0 || session.ExpiresAt.Before(expiresAt) {
		expiresAt = session.ExpiresAt
	}

	inv := &domain.Invitation{
		ID:           uuid.New().String(),
		SessionID:    session.ID,
		TokenHash:    HashToken(token),
		Role:         role,
		InviteeName:  domain.NormalizeName(invitee.DisplayName),
		InviteeEmail: invitee.Email,
		InviteePhone: invitee.Phone,
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
	}

	err = retry(ctx, t.retry, func() error {
		_, err := t.invRepo.RevokeForInvitee(ctx, session.ID, invitee.Phone, invitee.Email, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := retry(ctx, t.retry, func() error { return t.invRepo.Create(ctx, inv) }); err != nil {
		return nil, err
	}

	inv.Token = token
	inv.URL = t.baseURL.JoinPath(token).String()
	return inv, nil
}

// Check looks up a token for sessionID. It reports a consumed token as
// ErrTokenAlreadyUsed regardless of the session's state.
func (t *TokenIssuer) Check(ctx context.Context, token, sessionID string) (*domain.Invitation, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	inv, err := retryValue(ctx, t.retry, func() (*domain.Invitation, error) {
		return t.invRepo.GetByTokenHash(ctx, HashToken(token))
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if inv.SessionID != sessionID {
		return nil, ErrInvalidToken
	}
	if inv.IsUsed() {
		return nil, ErrTokenAlreadyUsed
	}
	return inv, nil
}

// Validate checks that a looked-up invitation can be consumed by a user with role.
func (t *TokenIssuer) Validate(inv *domain.Invitation, role domain.UserRole) error {
	if inv.IsUsed() {
		return ErrTokenAlreadyUsed
	}
	if inv.IsRevoked() || !t.clock.Now().Before(inv.ExpiresAt) {
		return ErrTokenExpired
	}
	if inv.Role != role {
		return ErrTokenRoleMismatch
	}
	return nil
}

// Consume atomically marks the invitation as used by userID. Exactly one of
// several concurrent consumers succeeds; the others get ErrTokenAlreadyUsed.
// An invitation revoked or expired since it was read gives ErrTokenExpired.
func (t *TokenIssuer) Consume(ctx context.Context, inv *domain.Invitation, userID string) (*domain.Invitation, error) {
	now := t.clock.Now()
	err := retry(ctx, t.retry, func() error { return t.invRepo.MarkUsed(ctx, inv.ID, userID, now) })
	if errors.Is(err, repository.ErrAlreadyUsed) {
		return nil, ErrTokenAlreadyUsed
	}
	if errors.Is(err, repository.ErrNotLive) {
		return nil, ErrTokenExpired
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	out := *inv
	out.UsedAt = now
	out.UsedBy = userID
	return &out, nil
}

// Redeem checks, validates and consumes a token in one step, reading the
// invitation afresh.
func (t *TokenIssuer) Redeem(ctx context.Context, token, sessionID string, role domain.UserRole, userID string) (*domain.Invitation, error) {
	inv, err := t.Check(ctx, token, sessionID)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(inv, role); err != nil {
		return nil, err
	}
	return t.Consume(ctx, inv, userID)
}

// RevokeSession invalidates every live invitation of a session.
func (t *TokenIssuer) RevokeSession(ctx context.Context, sessionID string) (int, error) {
	now := t.clock.Now()
	return retryValue(ctx, t.retry, func() (int, error) {
		return t.invRepo.RevokeBySession(ctx, sessionID, now)
	})
}

func (t *TokenIssuer) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(readerFunc(t.randRead), buf); err != nil {
		return "", fmt.Errorf("generate invitation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
