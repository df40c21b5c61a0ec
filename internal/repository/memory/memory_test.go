package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/internal/domain"
	"livesession/internal/repository"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSessionRepository_VersionedUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository()

	s := &domain.Session{ID: "s1", State: domain.SessionStateActive, CreatedAt: now}
	require.NoError(t, repo.Create(ctx, s))
	assert.Equal(t, 1, s.Version)
	assert.ErrorIs(t, repo.Create(ctx, s), repository.ErrAlreadyExists)

	first, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	stale, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)

	first.Name = "renamed"
	require.NoError(t, repo.Update(ctx, first))
	assert.Equal(t, 2, first.Version)

	stale.Name = "lost"
	assert.ErrorIs(t, repo.Update(ctx, stale), repository.ErrVersionConflict)

	stored, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", stored.Name)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &domain.Session{ID: "missing"}), repository.ErrNotFound)
}

func TestSessionRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository()
	s := &domain.Session{ID: "s1", Participants: []domain.Participant{{UserID: "u1", State: domain.MembershipJoined}}}
	require.NoError(t, repo.Create(ctx, s))

	s.Participants[0].State = domain.MembershipLeft
	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	got.Participants[0].State = domain.MembershipInvited

	again, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.MembershipJoined, again.Participants[0].State)
}

func TestSessionRepository_ListLive(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository()
	require.NoError(t, repo.Create(ctx, &domain.Session{ID: "later", State: domain.SessionStateActive, CreatedAt: now.Add(time.Minute)}))
	require.NoError(t, repo.Create(ctx, &domain.Session{ID: "earlier", State: domain.SessionStatePending, CreatedAt: now}))
	require.NoError(t, repo.Create(ctx, &domain.Session{ID: "done", State: domain.SessionStateExpired, CreatedAt: now}))

	live, err := repo.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "earlier", live[0].ID)
	assert.Equal(t, "later", live[1].ID)
	assert.Equal(t, 3, repo.Count())
}

func TestUserRepository_DeviceBinding(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepository()

	u := &domain.User{ID: "u1", DeviceID: "phone-a", Name: "Dan"}
	require.NoError(t, repo.Upsert(ctx, u))

	got, err := repo.GetByDeviceID(ctx, "phone-a")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	moved := *u
	moved.DeviceID = "phone-b"
	require.NoError(t, repo.Upsert(ctx, &moved))

	_, err = repo.GetByDeviceID(ctx, "phone-a")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	got, err = repo.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "phone-b", got.DeviceID)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInvitationRepository_StoresHashOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewInvitationRepository()

	inv := &domain.Invitation{ID: "i1", SessionID: "s1", TokenHash: "h1", Token: "secret", URL: "https://x/secret"}
	require.NoError(t, repo.Create(ctx, inv))
	assert.ErrorIs(t, repo.Create(ctx, &domain.Invitation{ID: "i2", TokenHash: "h1"}), repository.ErrAlreadyExists)

	got, err := repo.GetByTokenHash(ctx, "h1")
	require.NoError(t, err)
	assert.Empty(t, got.Token)
	assert.Empty(t, got.URL)
	assert.Equal(t, "secret", inv.Token, "caller's copy is untouched")

	_, err = repo.GetByTokenHash(ctx, "unknown")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestInvitationRepository_MarkUsedOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewInvitationRepository()
	require.NoError(t, repo.Create(ctx, &domain.Invitation{ID: "i1", SessionID: "s1", TokenHash: "h1", ExpiresAt: now.Add(time.Hour)}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	used, won := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.MarkUsed(ctx, "i1", "u", now)
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				won++
			case repository.ErrAlreadyUsed:
				used++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, 9, used)
	assert.ErrorIs(t, repo.MarkUsed(ctx, "missing", "u", now), repository.ErrNotFound)
}

func TestInvitationRepository_MarkUsedRequiresLive(t *testing.T) {
	ctx := context.Background()
	repo := NewInvitationRepository()
	require.NoError(t, repo.Create(ctx, &domain.Invitation{ID: "revoked", SessionID: "s1", TokenHash: "h1", InviteePhone: "+1", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, repo.Create(ctx, &domain.Invitation{ID: "expired", SessionID: "s1", TokenHash: "h2", ExpiresAt: now}))

	_, err := repo.RevokeForInvitee(ctx, "s1", "+1", "", now)
	require.NoError(t, err)

	assert.ErrorIs(t, repo.MarkUsed(ctx, "revoked", "u", now), repository.ErrNotLive)
	assert.ErrorIs(t, repo.MarkUsed(ctx, "expired", "u", now), repository.ErrNotLive)

	got, err := repo.GetByTokenHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, got.IsUsed())
}

func TestInvitationRepository_Revoke(t *testing.T) {
	ctx := context.Background()
	repo := NewInvitationRepository()
	require.NoError(t, repo.Create(ctx, &domain.Invitation{ID: "a", SessionID: "s1", TokenHash: "ha", InviteePhone: "+1"}))
	require.NoError(t, repo.Create(ctx, &domain.Invitation{ID: "b", SessionID: "s1", TokenHash: "hb", InviteeEmail: "b@me.com"}))
	require.NoError(t, repo.Create(ctx, &domain.Invitation{ID: "c", SessionID: "s1", TokenHash: "hc", InviteePhone: "+1", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, repo.Create(ctx, &domain.Invitation{ID: "d", SessionID: "s2", TokenHash: "hd", InviteePhone: "+1"}))
	require.NoError(t, repo.MarkUsed(ctx, "c", "u", now))

	n, err := repo.RevokeForInvitee(ctx, "s1", "+1", "", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.RevokeBySession(ctx, "s1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only b is still unused and unrevoked")

	d, err := repo.GetByTokenHash(ctx, "hd")
	require.NoError(t, err)
	assert.False(t, d.IsRevoked())
}
