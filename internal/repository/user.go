package repository

import (
	"context"

	"livesession/internal/domain"
)

// UserRepository defines the persistence operations for user profiles.
type UserRepository interface {
	// Upsert creates the user or overwrites the profile stored under the same ID.
	Upsert(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id string) (*domain.User, error)

	// GetByDeviceID retrieves the profile bound to a device.
	GetByDeviceID(ctx context.Context, deviceID string) (*domain.User, error)

	// GetAll retrieves all users.
	GetAll(ctx context.Context) ([]*domain.User, error)
}
