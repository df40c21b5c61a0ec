package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"livesession/internal/clock"
	"livesession/internal/domain"
	"livesession/internal/repository"
)

const maxSessionNameLength = 100

// errNoChange is returned by a mutation that leaves the session untouched.
var errNoChange = errors.New("no change")

// LocationReader reads the latest positions stored for a session.
type LocationReader interface {
	SessionLocations(ctx context.Context, sessionID string) ([]domain.LocationSample, error)
}

// SessionManagerDeps contains the collaborators of a SessionManager.
// Tracker, Locker and Locations are optional.
type SessionManagerDeps struct {
	Sessions  repository.SessionRepository
	Identity  *IdentityStore
	Tokens    *TokenIssuer
	Bus       *NotificationBus
	Tracker   Tracker
	Locker    SessionLocker
	Locations LocationReader
	Clock     clock.Clock
	Logger    *slog.Logger
}

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	Account Account
	Lock    LockConfig
	Retry   RetryPolicy
}

// SessionManager owns the session state machines, membership and expiration.
type SessionManager struct {
	sessionRepo repository.SessionRepository
	identity    *IdentityStore
	tokens      *TokenIssuer
	bus         *NotificationBus
	tracker     Tracker
	locations   LocationReader
	lock        *sessionLock
	clock       clock.Clock
	log         *slog.Logger
	account     Account
	retry       RetryPolicy
	newID       func() string

	mu       sync.Mutex
	timers   map[string]*armedTimer
	active   map[string]bool
	tracked  map[string]bool
	watching map[string]func()
	closed   bool
}

type armedTimer struct {
	timer clock.Timer
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(deps SessionManagerDeps, cfg SessionManagerConfig) *SessionManager {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		sessionRepo: deps.Sessions,
		identity:    deps.Identity,
		tokens:      deps.Tokens,
		bus:         deps.Bus,
		tracker:     deps.Tracker,
		locations:   deps.Locations,
		lock:        newSessionLock(deps.Locker, cfg.Lock, log),
		clock:       deps.Clock,
		log:         log,
		account:     cfg.Account,
		retry:       cfg.Retry,
		newID:       func() string { return uuid.New().String() },
		timers:      make(map[string]*armedTimer),
		active:      make(map[string]bool),
		tracked:     make(map[string]bool),
		watching:    make(map[string]func()),
	}
}

// CreateSessionRequest contains the parameters for creating a session.
type CreateSessionRequest struct {
	Name         string
	Destination  domain.Destination
	ExpiresAt    time.Time
	TrackingMode domain.TrackingMode // Optional: empty means the account default
}

// InviteRequest contains the parameters for inviting a participant.
type InviteRequest struct {
	DisplayName string
	Role        domain.UserRole
	Email       string
	Phone       string
}

// mutation is one serialized change of a session. change may run more than
// once and must not mutate the session when it returns an error. commit runs
// once, after the change was saved. When commit fails, undo reverts the
// saved change and the reverted session is saved again.
type mutation struct {
	change func(s *domain.Session) error
	commit func(s *domain.Session) error
	undo   func(s *domain.Session)
}

// Create persists a new session as PENDING, then confirms it as ACTIVE with
// the creator joined as DRIVER. Nothing is persisted when validation fails.
func (m *SessionManager) Create(ctx context.Context, actorID string, req CreateSessionRequest) (*domain.Session, error) {
	name := domain.NormalizeName(req.Name)
	if name == "" || len(name) > maxSessionNameLength {
		return nil, ErrInvalidSessionName
	}
	if !req.Destination.Valid() {
		return nil, ErrInvalidDestination
	}
	mode := req.TrackingMode
	if mode == "" {
		mode = lo.Ternary(m.account.DefaultTrackingMode != "", m.account.DefaultTrackingMode, domain.TrackingModeSmart)
	}
	if !mode.Valid() {
		return nil, ErrInvalidTrackingMode
	}
	now := m.clock.Now()
	if !req.ExpiresAt.After(now) {
		return nil, ErrExpirationInPast
	}

	actor, err := m.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.UserRoleDriver {
		return nil, ErrCreatorNotDriver
	}

	session := &domain.Session{
		ID:           m.newID(),
		AccountID:    m.account.ID(),
		Name:         name,
		Destination:  req.Destination,
		ExpiresAt:    req.ExpiresAt,
		TrackingMode: mode,
		State:        domain.SessionStatePending,
		Participants: []domain.Participant{{
			UserID: actor.ID,
			Role:   domain.UserRoleDriver,
			State:  domain.MembershipInvited,
		}},
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := retry(ctx, m.retry, func() error { return m.sessionRepo.Create(ctx, session) }); err != nil {
		return nil, err
	}
	m.log.Info("session created", "session_id", session.ID, "state", session.State)

	confirmed, err := m.apply(ctx, session.ID, mutation{
		change: func(s *domain.Session) error {
			if s.State != domain.SessionStatePending {
				return errNoChange
			}
			p := s.Participant(actor.ID)
			p.State = domain.MembershipJoined
			p.JoinedAt = m.clock.Now()
			s.State = domain.SessionStateActive
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	if confirmed.State == domain.SessionStateActive {
		m.startTracking(confirmed.ID, confirmed.TrackingMode)
		m.bus.NotifySessionCreated(ctx, confirmed)
	}
	m.log.Info("session confirmed", "session_id", confirmed.ID, "state", confirmed.State)
	return confirmed.ViewFor(actor.ID), nil
}

// Find returns the session, or nil without error when it is unknown.
// A session past its expiration is expired before it is returned.
func (m *SessionManager) Find(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.apply(ctx, sessionID, mutation{
		change: func(*domain.Session) error { return errNoChange },
	})
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Join adds the actor to the session. With a token, the token must be
// unused, live and issued for the actor's role; it is consumed on success.
// Without a token only an existing participant may join again.
func (m *SessionManager) Join(ctx context.Context, actorID, sessionID, token string) (*domain.Session, error) {
	actor, err := m.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var inv *domain.Invitation
	if token != "" {
		// A consumed token is reported as such whatever the session state.
		inv, err = m.tokens.Check(ctx, token, sessionID)
		if err != nil {
			return nil, err
		}
	}

	var (
		joined bool
		prev   *domain.Participant
	)
	s, err := m.apply(ctx, sessionID, mutation{
		change: func(s *domain.Session) error {
			joined, prev = false, nil
			switch s.State {
			case domain.SessionStateExpired:
				return ErrSessionExpired
			case domain.SessionStatePending:
				return ErrSessionPending
			}

			p := s.Participant(actor.ID)
			if p != nil {
				switch p.State {
				case domain.MembershipLeft:
					return ErrParticipantLeft
				case domain.MembershipJoined:
					return errNoChange
				}
			}
			if inv != nil {
				if err := m.tokens.Validate(inv, actor.Role); err != nil {
					return err
				}
			} else if p == nil {
				return ErrNotInvited
			}

			now := m.clock.Now()
			if p == nil {
				s.Participants = append(s.Participants, domain.Participant{
					UserID:   actor.ID,
					Role:     actor.Role,
					State:    domain.MembershipJoined,
					JoinedAt: now,
				})
			} else {
				before := *p
				prev = &before
				p.State = domain.MembershipJoined
				p.JoinedAt = now
			}
			joined = true
			return nil
		},
		commit: func(s *domain.Session) error {
			if inv == nil || !joined {
				return nil
			}
			// The invitation is read again under the session lock so a
			// revocation since the first lookup is honoured.
			_, err := m.tokens.Redeem(ctx, token, s.ID, actor.Role, actor.ID)
			return err
		},
		undo: func(s *domain.Session) {
			if prev != nil {
				if p := s.Participant(actor.ID); p != nil {
					*p = *prev
				}
			} else {
				s.Participants = lo.Reject(s.Participants, func(p domain.Participant, _ int) bool {
					return p.UserID == actor.ID
				})
			}
			joined = false
		},
	})
	if err != nil {
		return nil, err
	}

	m.startTracking(s.ID, s.TrackingMode)
	if joined {
		m.log.Info("participant joined", "session_id", s.ID, "user_id", actor.ID, "role", actor.Role)
		m.bus.NotifyParticipantJoined(ctx, s, actor.ID)
	}
	return s.ViewFor(actor.ID), nil
}

// Invite issues an invitation for the session. Only a joined driver may invite.
func (m *SessionManager) Invite(ctx context.Context, actorID, sessionID string, req InviteRequest) (*domain.Invitation, error) {
	actor, err := m.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var inv *domain.Invitation
	_, err = m.apply(ctx, sessionID, mutation{
		change: func(s *domain.Session) error {
			if s.IsExpired() {
				return ErrSessionExpired
			}
			p := s.Participant(actor.ID)
			if p == nil || p.State != domain.MembershipJoined || p.Role != domain.UserRoleDriver {
				return ErrNotDriver
			}
			if s.State == domain.SessionStatePending {
				return ErrSessionPending
			}
			return errNoChange
		},
		commit: func(s *domain.Session) error {
			var err error
			inv, err = m.tokens.Issue(ctx, s, req.Role, Invitee{
				DisplayName: req.DisplayName,
				Email:       req.Email,
				Phone:       req.Phone,
			})
			return err
		},
	})
	if err != nil {
		return nil, err
	}

	m.bus.NotifyInvitationIssued(ctx, inv, actor.ID)
	return inv, nil
}

// Leave marks the actor as LEFT. When the sole driver leaves, the session
// expires for every participant. Leaving an expired session returns it as is.
func (m *SessionManager) Leave(ctx context.Context, actorID, sessionID string) (*domain.Session, error) {
	var left bool
	s, err := m.apply(ctx, sessionID, mutation{
		change: func(s *domain.Session) error {
			left = false
			if s.IsExpired() {
				return errNoChange
			}
			p := s.Participant(actorID)
			if p == nil {
				return ErrNotParticipant
			}
			if p.State == domain.MembershipLeft {
				return errNoChange
			}

			now := m.clock.Now()
			p.State = domain.MembershipLeft
			p.LeftAt = now
			left = true

			if p.Role == domain.UserRoleDriver && !m.hasJoinedDriver(s) {
				s.MarkExpired(domain.ExpirationReasonDriverLeft, now)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	m.stopTracking(s.ID)
	if left {
		m.log.Info("participant left", "session_id", s.ID, "user_id", actorID, "state", s.State)
		m.bus.NotifyParticipantLeft(ctx, s, actorID)
	}
	return s.ViewFor(actorID), nil
}

// Expire force-expires the session. Only its creator or a joined driver may
// expire it. Expiring an expired session is a no-op.
func (m *SessionManager) Expire(ctx context.Context, actorID, sessionID string) (*domain.Session, error) {
	if actorID == "" {
		return nil, ErrUserNotSaved
	}
	return m.apply(ctx, sessionID, mutation{
		change: func(s *domain.Session) error {
			p := s.Participant(actorID)
			isDriver := p != nil && p.State == domain.MembershipJoined && p.Role == domain.UserRoleDriver
			if s.CreatedBy != actorID && !isDriver {
				return ErrNotDriver
			}
			if s.IsExpired() {
				return errNoChange
			}
			s.MarkExpired(domain.ExpirationReasonClosed, m.clock.Now())
			return nil
		},
	})
}

// SetTrackingMode changes the session's tracking mode. Only a joined driver
// may change it.
func (m *SessionManager) SetTrackingMode(ctx context.Context, actorID, sessionID string, mode domain.TrackingMode) (*domain.Session, error) {
	if !mode.Valid() {
		return nil, ErrInvalidTrackingMode
	}
	s, err := m.apply(ctx, sessionID, mutation{
		change: func(s *domain.Session) error {
			if s.IsExpired() {
				return ErrSessionExpired
			}
			p := s.Participant(actorID)
			if p == nil || p.State != domain.MembershipJoined || p.Role != domain.UserRoleDriver {
				return ErrNotDriver
			}
			if s.TrackingMode == mode {
				return errNoChange
			}
			s.TrackingMode = mode
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	tracked := m.tracked[s.ID]
	m.mu.Unlock()
	if tracked {
		m.tracker.Start(s.ID, s.TrackingMode)
	}
	return s.ViewFor(actorID), nil
}

// ReportLocation publishes a position of a joined participant of an active session.
func (m *SessionManager) ReportLocation(ctx context.Context, actorID, sessionID string, lat, lng float64) (*domain.LocationSample, error) {
	if !domain.IsValidLatitude(lat) || !domain.IsValidLongitude(lng) {
		return nil, ErrInvalidLocation
	}
	_, err := m.apply(ctx, sessionID, mutation{
		change: func(s *domain.Session) error {
			switch {
			case s.IsExpired():
				return ErrSessionExpired
			case s.State == domain.SessionStatePending:
				return ErrSessionPending
			case !s.IsUserJoined(actorID):
				return ErrNotParticipant
			}
			return errNoChange
		},
	})
	if err != nil {
		return nil, err
	}

	sample := &domain.LocationSample{
		SessionID:  sessionID,
		UserID:     actorID,
		Lat:        lat,
		Lng:        lng,
		RecordedAt: m.clock.Now(),
	}
	// Sink failures are logged by the bus; subscribers still get the sample.
	_ = m.bus.PublishLocation(ctx, *sample)
	return sample, nil
}

// Locations returns the latest position of every participant that reported one.
func (m *SessionManager) Locations(ctx context.Context, sessionID string) ([]domain.LocationSample, error) {
	s, err := m.Find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if m.locations != nil {
		return retryValue(ctx, m.retry, func() ([]domain.LocationSample, error) {
			return m.locations.SessionLocations(ctx, sessionID)
		})
	}
	return m.bus.Latest(sessionID), nil
}

// OnExpired registers l for the expiration of the session.
func (m *SessionManager) OnExpired(sessionID string, l ExpirationListener) (cancel func()) {
	return m.bus.OnExpired(sessionID, l)
}

// IsActive reports whether the session was last seen ACTIVE by this manager
// and no expiration of it was announced since.
func (m *SessionManager) IsActive(sessionID string) bool {
	m.mu.Lock()
	active := m.active[sessionID]
	m.mu.Unlock()
	return active && !m.bus.IsExpired(sessionID)
}

// Restore re-arms the expiration timers of live sessions after a restart and
// expires those whose time elapsed while the process was down.
func (m *SessionManager) Restore(ctx context.Context) (int, error) {
	live, err := retryValue(ctx, m.retry, func() ([]*domain.Session, error) {
		return m.sessionRepo.ListLive(ctx)
	})
	if err != nil {
		return 0, err
	}
	live = lo.Filter(live, func(s *domain.Session, _ int) bool {
		return m.account.ID() == "" || s.AccountID == m.account.ID()
	})

	for _, s := range live {
		if _, err := m.Find(ctx, s.ID); err != nil {
			m.log.Error("failed to restore session", "session_id", s.ID, "error", err)
		}
	}
	m.log.Info("sessions restored", "count", len(live))
	return len(live), nil
}

// Close cancels every expiration timer and stops tracking.
func (m *SessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.timer.Stop()
		delete(m.timers, id)
	}
	for id, cancel := range m.watching {
		cancel()
		delete(m.watching, id)
	}
	tracked := lo.Keys(m.tracked)
	m.mu.Unlock()

	for _, id := range tracked {
		m.stopTracking(id)
	}
}

// apply loads the session under the session lock, expires it if its time
// elapsed, runs the mutation and saves the result. A version conflict is
// retried once after reloading.
func (m *SessionManager) apply(ctx context.Context, sessionID string, mut mutation) (*domain.Session, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	unlock, err := m.lock.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s, expired, err := m.applyLocked(ctx, sessionID, mut)
	unlock()

	if s != nil {
		m.observe(s)
	}
	if expired {
		m.stopTracking(sessionID)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *SessionManager) applyLocked(ctx context.Context, sessionID string, mut mutation) (*domain.Session, bool, error) {
	for attempt := 0; ; attempt++ {
		s, err := m.load(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}

		now := m.clock.Now()
		wasExpired := s.IsExpired()
		lazy := false
		if !wasExpired && s.HasElapsed(now) {
			s.MarkExpired(domain.ExpirationReasonTimeElapsed, now)
			lazy = true
		}

		changeErr := mut.change(s)
		noChange := errors.Is(changeErr, errNoChange)
		if changeErr != nil && !noChange && !lazy {
			return s, false, changeErr
		}

		if changeErr == nil || lazy {
			err := m.save(ctx, s, now)
			if errors.Is(err, repository.ErrVersionConflict) {
				if attempt == 0 {
					m.log.Warn("session version conflict, retrying", "session_id", sessionID)
					continue
				}
				return nil, false, ErrSessionConflict
			}
			if err != nil {
				return nil, false, err
			}
		}

		if (changeErr == nil || noChange) && mut.commit != nil {
			if err := mut.commit(s); err != nil {
				if changeErr == nil && mut.undo != nil {
					m.revert(ctx, s, mut.undo)
				}
				return s, false, err
			}
		}

		expired := !wasExpired && s.IsExpired()
		if expired {
			m.expireLocked(ctx, s)
		}
		if changeErr != nil && !noChange {
			return s, expired, changeErr
		}
		return s, expired, nil
	}
}

func (m *SessionManager) save(ctx context.Context, s *domain.Session, now time.Time) error {
	s.UpdatedAt = now
	return retry(ctx, m.retry, func() error { return m.sessionRepo.Update(ctx, s) })
}

// revert undoes a saved change whose commit failed. The session lock is
// still held, so the stored version is the one just written.
func (m *SessionManager) revert(ctx context.Context, s *domain.Session, undo func(*domain.Session)) {
	undo(s)
	if err := m.save(ctx, s, m.clock.Now()); err != nil {
		m.log.Error("failed to revert session change", "session_id", s.ID, "error", err)
	}
}

func (m *SessionManager) load(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := retryValue(ctx, m.retry, func() (*domain.Session, error) {
		return m.sessionRepo.GetByID(ctx, sessionID)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if id := m.account.ID(); id != "" && s.AccountID != id {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// expireLocked runs the side effects of the transition to EXPIRED.
func (m *SessionManager) expireLocked(ctx context.Context, s *domain.Session) {
	m.disarm(s.ID)
	if n, err := m.tokens.RevokeSession(ctx, s.ID); err != nil {
		m.log.Error("failed to revoke invitations", "session_id", s.ID, "error", err)
	} else if n > 0 {
		m.log.Info("invitations revoked", "session_id", s.ID, "count", n)
	}
	m.log.Info("session expired", "session_id", s.ID, "reason", s.ExpirationReason)
	m.bus.PublishExpiration(ctx, ExpirationEvent{
		SessionID: s.ID,
		Reason:    s.ExpirationReason,
		ExpiredAt: s.ExpiredAt,
	})
}

// observe records the last seen state of the session and keeps its timer in
// line: armed while ACTIVE with someone joined, cancelled otherwise.
func (m *SessionManager) observe(s *domain.Session) {
	live := s.State == domain.SessionStateActive
	m.mu.Lock()
	m.active[s.ID] = live
	if !live {
		delete(m.active, s.ID)
	}
	m.mu.Unlock()

	if live && len(s.JoinedParticipants()) > 0 {
		m.arm(s)
		m.watch(s.ID)
		return
	}
	m.disarm(s.ID)
}

func (m *SessionManager) arm(s *domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.timers[s.ID]; ok {
		return
	}
	id := s.ID
	entry := &armedTimer{}
	m.timers[id] = entry
	entry.timer = m.clock.AfterFunc(s.ExpiresAt.Sub(m.clock.Now()), func() {
		m.onTimer(id, entry)
	})
}

func (m *SessionManager) disarm(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[sessionID]; ok {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(m.timers, sessionID)
	}
}

func (m *SessionManager) onTimer(sessionID string, entry *armedTimer) {
	m.mu.Lock()
	if m.timers[sessionID] != entry {
		m.mu.Unlock()
		return
	}
	delete(m.timers, sessionID)
	m.mu.Unlock()

	s, err := m.Find(context.Background(), sessionID)
	if err != nil {
		m.log.Error("expiration timer failed", "session_id", sessionID, "error", err)
		return
	}
	if s != nil && !s.IsExpired() {
		m.log.Debug("expiration timer fired early", "session_id", sessionID)
	}
}

// watch follows expirations of the session triggered elsewhere, such as
// another process sharing the backing store.
func (m *SessionManager) watch(sessionID string) {
	m.mu.Lock()
	if _, ok := m.watching[sessionID]; ok || m.closed {
		m.mu.Unlock()
		return
	}
	m.watching[sessionID] = func() {}
	m.mu.Unlock()

	cancel := m.bus.OnExpired(sessionID, ExpirationFunc(func(ExpirationEvent) {
		m.mu.Lock()
		delete(m.active, sessionID)
		delete(m.watching, sessionID)
		m.mu.Unlock()
		m.disarm(sessionID)
		m.stopTracking(sessionID)
	}))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watching[sessionID]; ok {
		m.watching[sessionID] = cancel
	}
}

func (m *SessionManager) startTracking(sessionID string, mode domain.TrackingMode) {
	if m.tracker == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.tracked[sessionID] = true
	m.mu.Unlock()
	m.tracker.Start(sessionID, mode)
}

func (m *SessionManager) stopTracking(sessionID string) {
	if m.tracker == nil {
		return
	}
	m.mu.Lock()
	tracked := m.tracked[sessionID]
	delete(m.tracked, sessionID)
	m.mu.Unlock()
	if tracked {
		m.tracker.Stop(sessionID)
	}
}

func (m *SessionManager) hasJoinedDriver(s *domain.Session) bool {
	return lo.ContainsBy(s.Participants, func(p domain.Participant) bool {
		return p.Role == domain.UserRoleDriver && p.State == domain.MembershipJoined
	})
}

func (m *SessionManager) actor(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, ErrUserNotSaved
	}
	user, err := m.identity.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrUserNotSaved
	}
	return user, err
}
