package memory

import (
	"context"
	"sort"
	"sync"

	"livesession/internal/domain"
	"livesession/internal/repository"
)

// SessionRepository is an in-memory implementation of repository.SessionRepository.
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewSessionRepository creates an empty SessionRepository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{sessions: make(map[string]*domain.Session)}
}

func (r *SessionRepository) Create(_ context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; ok {
		return repository.ErrAlreadyExists
	}
	session.Version = 1
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *SessionRepository) GetByID(_ context.Context, id string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *SessionRepository) Update(_ context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[session.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != session.Version {
		return repository.ErrVersionConflict
	}
	session.Version++
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *SessionRepository) ListLive(_ context.Context) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.State == domain.SessionStatePending || s.State == domain.SessionStateActive {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Count returns the number of stored sessions.
func (r *SessionRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
