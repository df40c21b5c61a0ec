package memory

import (
	"context"
	"sync"
	"time"

	"livesession/internal/domain"
	"livesession/internal/repository"
)

// InvitationRepository is an in-memory implementation of repository.InvitationRepository.
type InvitationRepository struct {
	mu     sync.Mutex
	byID   map[string]*domain.Invitation
	byHash map[string]string
}

// NewInvitationRepository creates an empty InvitationRepository.
func NewInvitationRepository() *InvitationRepository {
	return &InvitationRepository{
		byID:   make(map[string]*domain.Invitation),
		byHash: make(map[string]string),
	}
}

func (r *InvitationRepository) Create(_ context.Context, inv *domain.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[inv.ID]; ok {
		return repository.ErrAlreadyExists
	}
	if _, ok := r.byHash[inv.TokenHash]; ok {
		return repository.ErrAlreadyExists
	}
	stored := *inv
	stored.Token = ""
	stored.URL = ""
	r.byID[inv.ID] = &stored
	r.byHash[inv.TokenHash] = inv.ID
	return nil
}

func (r *InvitationRepository) GetByTokenHash(_ context.Context, tokenHash string) (*domain.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *r.byID[id]
	return &out, nil
}

func (r *InvitationRepository) MarkUsed(_ context.Context, id, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if inv.IsUsed() {
		return repository.ErrAlreadyUsed
	}
	if !inv.IsLive(at) {
		return repository.ErrNotLive
	}
	inv.UsedAt = at
	inv.UsedBy = userID
	return nil
}

func (r *InvitationRepository) RevokeBySession(_ context.Context, sessionID string, at time.Time) (int, error) {
	return r.revoke(at, func(inv *domain.Invitation) bool {
		return inv.SessionID == sessionID
	})
}

func (r *InvitationRepository) RevokeForInvitee(_ context.Context, sessionID, phone, email string, at time.Time) (int, error) {
	return r.revoke(at, func(inv *domain.Invitation) bool {
		if inv.SessionID != sessionID {
			return false
		}
		return (phone != "" && inv.InviteePhone == phone) || (email != "" && inv.InviteeEmail == email)
	})
}

func (r *InvitationRepository) revoke(at time.Time, match func(*domain.Invitation) bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inv := range r.byID {
		if inv.IsUsed() || inv.IsRevoked() || !match(inv) {
			continue
		}
		inv.RevokedAt = at
		n++
	}
	return n, nil
}
