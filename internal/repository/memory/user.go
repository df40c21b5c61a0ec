// Package memory provides in-memory repositories. They back the demo client
// and tests, and are safe for concurrent use.
package memory

import (
	"context"
	"sort"
	"sync"

	"livesession/internal/domain"
	"livesession/internal/repository"
)

// UserRepository is an in-memory implementation of repository.UserRepository.
type UserRepository struct {
	mu         sync.RWMutex
	byID       map[string]domain.User
	idByDevice map[string]string
}

// NewUserRepository creates an empty UserRepository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:       make(map[string]domain.User),
		idByDevice: make(map[string]string),
	}
}

func (r *UserRepository) Upsert(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[user.ID]; ok && prev.DeviceID != user.DeviceID {
		delete(r.idByDevice, prev.DeviceID)
	}
	r.byID[user.ID] = *user
	r.idByDevice[user.DeviceID] = user.ID
	return nil
}

func (r *UserRepository) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *UserRepository) GetByDeviceID(_ context.Context, deviceID string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.idByDevice[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u := r.byID[id]
	return &u, nil
}

func (r *UserRepository) GetAll(_ context.Context) ([]*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.User, 0, len(r.byID))
	for _, u := range r.byID {
		u := u
		out = append(out, &u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
