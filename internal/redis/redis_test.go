package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/internal/domain"
	"livesession/internal/repository"
	"livesession/internal/repository/memory"
	"livesession/internal/service"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLockStore_AcquireAndRelease(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewLockStore(client)
	ctx := context.Background()

	ok, err := store.AcquireSessionLock(ctx, "s1", "owner-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireSessionLock(ctx, "s1", "owner-b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held by owner-a")

	// Releasing someone else's lock is a no-op.
	require.NoError(t, store.ReleaseSessionLock(ctx, "s1", "owner-b"))
	assert.True(t, mr.Exists(sessionLockKey("s1")))

	require.NoError(t, store.ReleaseSessionLock(ctx, "s1", "owner-a"))
	assert.False(t, mr.Exists(sessionLockKey("s1")))

	ok, err = store.AcquireSessionLock(ctx, "s1", "owner-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockStore_ExpiresAfterTTL(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewLockStore(client)
	ctx := context.Background()

	ok, err := store.AcquireSessionLock(ctx, "s1", "crashed", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	ok, err = store.AcquireSessionLock(ctx, "s1", "owner-b", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocationStore_LatestPerParticipant(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewLocationStore(client)
	ctx := context.Background()

	require.NoError(t, store.UpdateLocation(ctx, domain.LocationSample{SessionID: "s1", UserID: "driver", Lat: 37.7799, Lng: -122.4194, RecordedAt: now.Add(time.Minute)}))
	require.NoError(t, store.UpdateLocation(ctx, domain.LocationSample{SessionID: "s1", UserID: "motorist", Lat: 37.7850, Lng: -122.4100, RecordedAt: now}))
	require.NoError(t, store.UpdateLocation(ctx, domain.LocationSample{SessionID: "s1", UserID: "driver", Lat: 37.7810, Lng: -122.4180, RecordedAt: now.Add(2 * time.Minute)}))
	require.NoError(t, store.UpdateLocation(ctx, domain.LocationSample{SessionID: "s2", UserID: "other", Lat: 1, Lng: 1, RecordedAt: now}))

	samples, err := store.SessionLocations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "motorist", samples[0].UserID)
	assert.Equal(t, "driver", samples[1].UserID)
	assert.InDelta(t, 37.7810, samples[1].Lat, 1e-4)
	assert.InDelta(t, -122.4180, samples[1].Lng, 1e-4)
	assert.True(t, samples[1].RecordedAt.Equal(now.Add(2*time.Minute)))
	assert.Equal(t, "s1", samples[1].SessionID)

	assert.Equal(t, LocationTTL, mr.TTL(sessionLocationKey("s1")))
}

func TestLocationStore_Remove(t *testing.T) {
	_, client := newTestClient(t)
	store := NewLocationStore(client)
	ctx := context.Background()

	require.NoError(t, store.UpdateLocation(ctx, domain.LocationSample{SessionID: "s1", UserID: "driver", Lat: 37.78, Lng: -122.41, RecordedAt: now}))
	require.NoError(t, store.UpdateLocation(ctx, domain.LocationSample{SessionID: "s1", UserID: "motorist", Lat: 37.79, Lng: -122.42, RecordedAt: now}))

	require.NoError(t, store.RemoveParticipant(ctx, "s1", "motorist"))
	samples, err := store.SessionLocations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "driver", samples[0].UserID)

	require.NoError(t, store.RemoveSession(ctx, "s1"))
	samples, err = store.SessionLocations(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestExpirationBroker_DeliversAcrossSubscribers(t *testing.T) {
	mr, client := newTestClient(t)
	broker := NewExpirationBroker(client, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan service.ExpirationEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- broker.SubscribeExpirations(ctx, func(e service.ExpirationEvent) { received <- e })
	}()
	require.Eventually(t, func() bool { return mr.PubSubNumPat() > 0 }, 2*time.Second, 5*time.Millisecond)

	// Malformed payloads are skipped.
	mr.Publish(expirationChannelPrefix+"s0", "not json")

	want := service.ExpirationEvent{SessionID: "s1", Reason: domain.ExpirationReasonDriverLeft, ExpiredAt: now}
	require.NoError(t, broker.PublishExpiration(context.Background(), want))

	select {
	case got := <-received:
		assert.Equal(t, want.SessionID, got.SessionID)
		assert.Equal(t, want.Reason, got.Reason)
		assert.True(t, want.ExpiredAt.Equal(got.ExpiredAt))
	case <-time.After(2 * time.Second):
		t.Fatal("expiration was not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestCachedSessionRepository(t *testing.T) {
	mr, client := newTestClient(t)
	next := memory.NewSessionRepository()
	repo := NewCachedSessionRepository(next, NewCacheStore(client), discardLogger())
	ctx := context.Background()

	s := &domain.Session{
		ID:          "s1",
		Name:        "simple session",
		Destination: domain.Destination{Identifier: "w9823", Lat: 37.7875694, Lng: -122.4112239},
		ExpiresAt:   now.Add(time.Hour),
		State:       domain.SessionStateActive,
		Participants: []domain.Participant{
			{UserID: "driver", Role: domain.UserRoleDriver, State: domain.MembershipJoined, JoinedAt: now},
		},
		CreatedAt: now,
	}
	require.NoError(t, repo.Create(ctx, s))
	assert.False(t, mr.Exists(sessionCachePrefix+"s1"))

	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(sessionCachePrefix+"s1"), "read populates the cache")
	assert.Equal(t, SessionCacheTTL, mr.TTL(sessionCachePrefix+"s1"))

	cached, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, got.Name, cached.Name)
	assert.True(t, cached.ExpiresAt.Equal(s.ExpiresAt))
	assert.True(t, cached.IsUserJoined("driver"))
	assert.Equal(t, 1, cached.Version)

	cached.Name = "renamed"
	require.NoError(t, repo.Update(ctx, cached))
	assert.False(t, mr.Exists(sessionCachePrefix+"s1"), "write invalidates the cache")

	fresh, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", fresh.Name)
	assert.Equal(t, 2, fresh.Version)

	// A stale write still drops the cached copy.
	_, err = repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Update(ctx, got), repository.ErrVersionConflict)
	assert.False(t, mr.Exists(sessionCachePrefix+"s1"))

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCachedSessionRepository_FallsBackWhenRedisIsDown(t *testing.T) {
	mr, client := newTestClient(t)
	next := memory.NewSessionRepository()
	repo := NewCachedSessionRepository(next, NewCacheStore(client), discardLogger())
	ctx := context.Background()
	require.NoError(t, next.Create(ctx, &domain.Session{ID: "s1", Name: "simple session"}))

	mr.Close()

	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "simple session", got.Name)
}
