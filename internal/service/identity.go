package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"livesession/internal/clock"
	"livesession/internal/domain"
	"livesession/internal/repository"
)

// SaveUserRequest contains the profile to bind to a device.
type SaveUserRequest struct {
	DeviceID string          `validate:"required"`
	Name     string          `validate:"required,max=100"`
	Phone    string          `validate:"required,e164"`
	Role     domain.UserRole `validate:"required,oneof=DRIVER MOTORIST"`
}

// IdentityStore maps devices to persisted user profiles.
type IdentityStore struct {
	userRepo repository.UserRepository
	clock    clock.Clock
	validate *validator.Validate
	retry    RetryPolicy
	log      *slog.Logger
}

// NewIdentityStore creates a new IdentityStore.
func NewIdentityStore(userRepo repository.UserRepository, clk clock.Clock, retry RetryPolicy, log *slog.Logger) *IdentityStore {
	if log == nil {
		log = slog.Default()
	}
	return &IdentityStore{
		userRepo: userRepo,
		clock:    clk,
		validate: validator.New(),
		retry:    retry,
		log:      log,
	}
}

// SaveUser creates or overwrites the profile bound to the request's device.
// Re-saving keeps the user ID.
func (s *IdentityStore) SaveUser(ctx context.Context, req SaveUserRequest) (*domain.User, error) {
	req.Name = domain.NormalizeName(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}

	now := s.clock.Now()
	user := &domain.User{
		ID:        uuid.New().String(),
		DeviceID:  req.DeviceID,
		Name:      req.Name,
		Phone:     req.Phone,
		Role:      req.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}

	existing, err := s.byDevice(ctx, req.DeviceID)
	switch {
	case err == nil:
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
	case !errors.Is(err, ErrUserNotSaved):
		return nil, err
	}

	if err := retry(ctx, s.retry, func() error { return s.userRepo.Upsert(ctx, user) }); err != nil {
		return nil, err
	}
	s.log.Info("user saved", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// AssignRole changes the role of the profile bound to deviceID.
func (s *IdentityStore) AssignRole(ctx context.Context, deviceID string, role domain.UserRole) (*domain.User, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	user, err := s.byDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	user.Role = role
	user.UpdatedAt = s.clock.Now()
	if err := retry(ctx, s.retry, func() error { return s.userRepo.Upsert(ctx, user) }); err != nil {
		return nil, err
	}
	return user, nil
}

// CurrentUser returns the profile bound to deviceID.
func (s *IdentityStore) CurrentUser(ctx context.Context, deviceID string) (*domain.User, error) {
	if deviceID == "" {
		return nil, ErrUserNotSaved
	}
	return s.byDevice(ctx, deviceID)
}

// GetUser returns the user with the given ID.
func (s *IdentityStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := retryValue(ctx, s.retry, func() (*domain.User, error) {
		return s.userRepo.GetByID(ctx, id)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (s *IdentityStore) byDevice(ctx context.Context, deviceID string) (*domain.User, error) {
	user, err := retryValue(ctx, s.retry, func() (*domain.User, error) {
		return s.userRepo.GetByDeviceID(ctx, deviceID)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotSaved
	}
	return user, err
}
