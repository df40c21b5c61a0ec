package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"livesession/internal/clock"
	"livesession/internal/domain"
	"livesession/internal/repository"
	"livesession/internal/repository/memory"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var testDestination = domain.Destination{Identifier: "w9823", Lat: 37.7875694, Lng: -122.4112239}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

// harness wires a SessionManager over memory repositories and a fake clock.
type harness struct {
	clock       *clock.Fake
	users       *memory.UserRepository
	sessions    *memory.SessionRepository
	invitations *memory.InvitationRepository
	bus         *NotificationBus
	identity    *IdentityStore
	tokens      *TokenIssuer
	tracker     *recordingTracker
	manager     *SessionManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:       clock.NewFake(testNow),
		users:       memory.NewUserRepository(),
		sessions:    memory.NewSessionRepository(),
		invitations: memory.NewInvitationRepository(),
		tracker:     &recordingTracker{},
	}
	h.bus = NewNotificationBus(nil, nil, h.clock, testLogger())
	// Timer counts in these tests cover session timers only.
	h.bus.SetRetention(0, 0)
	h.identity = NewIdentityStore(h.users, h.clock, fastRetry(), testLogger())

	var err error
	h.tokens, err = NewTokenIssuer(h.invitations, h.clock, 2*time.Hour, "https://sessions.test/join", fastRetry())
	require.NoError(t, err)

	h.manager = h.newManager(t, h.sessions)
	t.Cleanup(func() {
		h.manager.Close()
		h.bus.Close()
	})
	return h
}

// newManager creates another manager over the same stores, as a second
// process would.
func (h *harness) newManager(t *testing.T, sessions repository.SessionRepository) *SessionManager {
	t.Helper()
	account, err := NewAccount("acct-token", domain.TrackingModeSmart)
	require.NoError(t, err)
	return NewSessionManager(SessionManagerDeps{
		Sessions: sessions,
		Identity: h.identity,
		Tokens:   h.tokens,
		Bus:      h.bus,
		Tracker:  h.tracker,
		Clock:    h.clock,
		Logger:   testLogger(),
	}, SessionManagerConfig{Account: account, Retry: fastRetry()})
}

// managerWithInvitations creates a manager whose tokens are backed by invs.
func (h *harness) managerWithInvitations(t *testing.T, invs repository.InvitationRepository) *SessionManager {
	t.Helper()
	tokens, err := NewTokenIssuer(invs, h.clock, 2*time.Hour, "https://sessions.test/join", fastRetry())
	require.NoError(t, err)
	account, err := NewAccount("acct-token", domain.TrackingModeSmart)
	require.NoError(t, err)
	m := NewSessionManager(SessionManagerDeps{
		Sessions: h.sessions,
		Identity: h.identity,
		Tokens:   tokens,
		Bus:      h.bus,
		Tracker:  h.tracker,
		Clock:    h.clock,
		Logger:   testLogger(),
	}, SessionManagerConfig{Account: account, Retry: fastRetry()})
	t.Cleanup(m.Close)
	return m
}

func (h *harness) saveUser(t *testing.T, device, name string, role domain.UserRole) *domain.User {
	t.Helper()
	user, err := h.identity.SaveUser(context.Background(), SaveUserRequest{
		DeviceID: device,
		Name:     name,
		Phone:    "+14155550100",
		Role:     role,
	})
	require.NoError(t, err)
	return user
}

func (h *harness) createSession(t *testing.T, driverID string) *domain.Session {
	t.Helper()
	s, err := h.manager.Create(context.Background(), driverID, CreateSessionRequest{
		Name:        "simple session",
		Destination: testDestination,
		ExpiresAt:   testNow.Add(time.Hour),
	})
	require.NoError(t, err)
	return s
}

func (h *harness) invite(t *testing.T, sessionID, driverID string, role domain.UserRole, email string) *domain.Invitation {
	t.Helper()
	inv, err := h.manager.Invite(context.Background(), driverID, sessionID, InviteRequest{
		DisplayName: "Customer",
		Role:        role,
		Email:       email,
	})
	require.NoError(t, err)
	return inv
}

// joinedMotorist saves a motorist, invites and joins them.
func (h *harness) joinedMotorist(t *testing.T, sessionID, driverID, device string) *domain.User {
	t.Helper()
	m := h.saveUser(t, device, "Motorist "+device, domain.UserRoleMotorist)
	inv := h.invite(t, sessionID, driverID, domain.UserRoleMotorist, device+"@example.com")
	_, err := h.manager.Join(context.Background(), m.ID, sessionID, inv.Token)
	require.NoError(t, err)
	return m
}

// expirations collects expiration events delivered to a listener.
type expirations struct {
	mu     sync.Mutex
	events []ExpirationEvent
	ch     chan ExpirationEvent
}

func newExpirations() *expirations {
	return &expirations{ch: make(chan ExpirationEvent, 16)}
}

func (e *expirations) OnExpired(event ExpirationEvent) {
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
	e.ch <- event
}

func (e *expirations) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func (e *expirations) wait(t *testing.T) ExpirationEvent {
	t.Helper()
	select {
	case event := <-e.ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiration")
		return ExpirationEvent{}
	}
}

// recordingTracker records the tracking calls of a manager.
type recordingTracker struct {
	mu    sync.Mutex
	calls []string
	modes map[string]domain.TrackingMode
}

func (r *recordingTracker) Start(sessionID string, mode domain.TrackingMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modes == nil {
		r.modes = make(map[string]domain.TrackingMode)
	}
	r.modes[sessionID] = mode
	r.calls = append(r.calls, "start:"+string(mode))
}

func (r *recordingTracker) Stop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modes, sessionID)
	r.calls = append(r.calls, "stop")
}

func (r *recordingTracker) mode(sessionID string) (domain.TrackingMode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modes[sessionID]
	return m, ok
}

// hookedInvitations calls onLookup after every token lookup and fails
// MarkUsed while down is set.
type hookedInvitations struct {
	*memory.InvitationRepository
	onLookup func(n int32)
	lookups  atomic.Int32
	down     atomic.Bool
}

func (r *hookedInvitations) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Invitation, error) {
	inv, err := r.InvitationRepository.GetByTokenHash(ctx, tokenHash)
	if r.onLookup != nil {
		r.onLookup(r.lookups.Add(1))
	}
	return inv, err
}

func (r *hookedInvitations) MarkUsed(ctx context.Context, id, userID string, at time.Time) error {
	if r.down.Load() {
		return fmt.Errorf("%w: connection refused", repository.ErrUnavailable)
	}
	return r.InvitationRepository.MarkUsed(ctx, id, userID, at)
}
