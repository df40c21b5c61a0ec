package tests

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"livesession/internal/clock"
	"livesession/internal/domain"
	"livesession/internal/repository"
	"livesession/internal/repository/memory"
	"livesession/internal/service"
)

// ──────────────────────────────────────────────
// MOCK SESSION REPOSITORY
// ──────────────────────────────────────────────

// MockSessionRepository wraps the memory repository with counters and error injection.
type MockSessionRepository struct {
	*memory.SessionRepository

	// Counters for verification
	CreateCallCount int32
	UpdateCallCount int32

	// Error injection
	mu          sync.Mutex
	UpdateError error
}

// NewMockSessionRepository creates a new mock session repository.
func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{SessionRepository: memory.NewSessionRepository()}
}

func (m *MockSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	atomic.AddInt32(&m.CreateCallCount, 1)
	return m.SessionRepository.Create(ctx, session)
}

func (m *MockSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	atomic.AddInt32(&m.UpdateCallCount, 1)
	m.mu.Lock()
	err := m.UpdateError
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.SessionRepository.Update(ctx, session)
}

// SetUpdateError injects an error returned by every Update.
func (m *MockSessionRepository) SetUpdateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateError = err
}

// ──────────────────────────────────────────────
// MOCK LOCK STORE
// ──────────────────────────────────────────────

// MockLockStore is a mock implementation of service.SessionLocker shared by
// several managers standing in for separate processes.
type MockLockStore struct {
	mu    sync.Mutex
	locks map[string]string

	// Counters
	AcquireCallCount int32
	ReleaseCallCount int32

	// Error injection
	AcquireError error
}

// NewMockLockStore creates a new mock lock store.
func NewMockLockStore() *MockLockStore {
	return &MockLockStore{locks: make(map[string]string)}
}

func (m *MockLockStore) AcquireSessionLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	atomic.AddInt32(&m.AcquireCallCount, 1)
	if m.AcquireError != nil {
		return false, m.AcquireError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[sessionID]; held {
		return false, nil
	}
	m.locks[sessionID] = owner
	return true, nil
}

func (m *MockLockStore) ReleaseSessionLock(ctx context.Context, sessionID, owner string) error {
	atomic.AddInt32(&m.ReleaseCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[sessionID] == owner {
		delete(m.locks, sessionID)
	}
	return nil
}

// IsLocked checks if a session is locked (for test assertions).
func (m *MockLockStore) IsLocked(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[sessionID]
	return ok
}

// ──────────────────────────────────────────────
// MOCK LOCATION STORE
// ──────────────────────────────────────────────

// MockLocationStore keeps the latest sample per participant.
type MockLocationStore struct {
	mu      sync.Mutex
	samples map[string]map[string]domain.LocationSample

	// Counters
	UpdateLocationCallCount int32

	// Error injection
	UpdateLocationError error
}

// NewMockLocationStore creates a new mock location store.
func NewMockLocationStore() *MockLocationStore {
	return &MockLocationStore{samples: make(map[string]map[string]domain.LocationSample)}
}

func (m *MockLocationStore) UpdateLocation(ctx context.Context, sample domain.LocationSample) error {
	atomic.AddInt32(&m.UpdateLocationCallCount, 1)
	if m.UpdateLocationError != nil {
		return m.UpdateLocationError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.samples[sample.SessionID]
	if !ok {
		byUser = make(map[string]domain.LocationSample)
		m.samples[sample.SessionID] = byUser
	}
	byUser[sample.UserID] = sample
	return nil
}

func (m *MockLocationStore) SessionLocations(ctx context.Context, sessionID string) ([]domain.LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LocationSample, 0, len(m.samples[sessionID]))
	for _, s := range m.samples[sessionID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// ──────────────────────────────────────────────
// MOCK EXPIRATION BROKER
// ──────────────────────────────────────────────

// MockExpirationBroker fans expiration events out to every subscribed bus.
type MockExpirationBroker struct {
	mu       sync.Mutex
	handlers map[int]func(service.ExpirationEvent)
	next     int

	// Counters
	PublishCallCount int32
}

// NewMockExpirationBroker creates a new mock broker.
func NewMockExpirationBroker() *MockExpirationBroker {
	return &MockExpirationBroker{handlers: make(map[int]func(service.ExpirationEvent))}
}

func (m *MockExpirationBroker) PublishExpiration(ctx context.Context, event service.ExpirationEvent) error {
	atomic.AddInt32(&m.PublishCallCount, 1)
	m.mu.Lock()
	handlers := make([]func(service.ExpirationEvent), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (m *MockExpirationBroker) SubscribeExpirations(ctx context.Context, handle func(service.ExpirationEvent)) error {
	m.mu.Lock()
	id := m.next
	m.next++
	m.handlers[id] = handle
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.handlers, id)
	m.mu.Unlock()
	return ctx.Err()
}

// Subscribers returns the number of subscribed buses.
func (m *MockExpirationBroker) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// ──────────────────────────────────────────────
// PROCESS FIXTURE
// ──────────────────────────────────────────────

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var testDestination = domain.Destination{Identifier: "w9823", Lat: 37.7875694, Lng: -122.4112239}

// Store is the state shared by every process of a deployment.
type Store struct {
	Clock       *clock.Fake
	Users       repository.UserRepository
	Sessions    *MockSessionRepository
	Invitations repository.InvitationRepository
	Locks       *MockLockStore
	Locations   *MockLocationStore
	Broker      *MockExpirationBroker
}

// NewStore creates an empty shared store.
func NewStore() *Store {
	return &Store{
		Clock:       clock.NewFake(testNow),
		Users:       memory.NewUserRepository(),
		Sessions:    NewMockSessionRepository(),
		Invitations: memory.NewInvitationRepository(),
		Locks:       NewMockLockStore(),
		Locations:   NewMockLocationStore(),
		Broker:      NewMockExpirationBroker(),
	}
}

// Process is one coordination process over a shared Store.
type Process struct {
	Bus      *service.NotificationBus
	Identity *service.IdentityStore
	Sessions *service.SessionManager

	stop context.CancelFunc
	done chan struct{}
}

// StartProcess wires a process over the store and subscribes its bus to the broker.
func (s *Store) StartProcess() *Process {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	retry := service.RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	bus := service.NewNotificationBus(s.Broker, s.Locations, s.Clock, log)
	identity := service.NewIdentityStore(s.Users, s.Clock, retry, log)
	tokens, err := service.NewTokenIssuer(s.Invitations, s.Clock, 24*time.Hour, "https://sessions.test/join", retry)
	if err != nil {
		panic(err)
	}
	account, err := service.NewAccount("acct-token", domain.TrackingModeSmart)
	if err != nil {
		panic(err)
	}
	manager := service.NewSessionManager(service.SessionManagerDeps{
		Sessions:  s.Sessions,
		Identity:  identity,
		Tokens:    tokens,
		Bus:       bus,
		Locker:    s.Locks,
		Locations: s.Locations,
		Clock:     s.Clock,
		Logger:    log,
	}, service.SessionManagerConfig{
		Account: account,
		Lock:    service.LockConfig{TTL: time.Second, Wait: time.Second},
		Retry:   retry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{Bus: bus, Identity: identity, Sessions: manager, stop: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		_ = bus.Run(ctx)
	}()
	return p
}

// Stop shuts the process down.
func (p *Process) Stop() {
	p.stop()
	<-p.done
	p.Sessions.Close()
	p.Bus.Close()
}

// SaveUser saves a profile for device.
func (p *Process) SaveUser(ctx context.Context, device, name string, role domain.UserRole) (*domain.User, error) {
	return p.Identity.SaveUser(ctx, service.SaveUserRequest{
		DeviceID: device,
		Name:     name,
		Phone:    "+14155550100",
		Role:     role,
	})
}

// ExpirationRecorder collects expiration events.
type ExpirationRecorder struct {
	mu     sync.Mutex
	events []service.ExpirationEvent
	ch     chan service.ExpirationEvent
}

// NewExpirationRecorder creates a recorder.
func NewExpirationRecorder() *ExpirationRecorder {
	return &ExpirationRecorder{ch: make(chan service.ExpirationEvent, 16)}
}

func (r *ExpirationRecorder) OnExpired(event service.ExpirationEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.ch <- event
}

// Wait returns the next event or false after timeout.
func (r *ExpirationRecorder) Wait(timeout time.Duration) (service.ExpirationEvent, bool) {
	select {
	case e := <-r.ch:
		return e, true
	case <-time.After(timeout):
		return service.ExpirationEvent{}, false
	}
}

// Count returns the number of events received.
func (r *ExpirationRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// WaitForSubscribers blocks until n buses subscribed to the broker.
func (s *Store) WaitForSubscribers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Broker.Subscribers() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
