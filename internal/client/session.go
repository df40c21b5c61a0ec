package client

import (
	"context"
	"sync"

	"livesession/internal/domain"
	"livesession/internal/service"
)

// Session is a client-side handle to a session. It caches the last state
// returned by an operation.
type Session struct {
	client *Client

	mu       sync.Mutex
	snapshot *domain.Session
	expiry   ExpirationListener
	cancel   func()
}

// ID returns the session identifier, empty until the session was saved.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.ID
}

// Snapshot returns a copy of the last known session state.
func (s *Session) Snapshot() *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// IsExpired reports whether the session was last seen EXPIRED.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.IsExpired()
}

// Tracking returns the mode this device samples the session in, if any.
func (s *Session) Tracking() (domain.TrackingMode, bool) {
	id := s.ID()
	if id == "" || s.client.tracker == nil {
		return "", false
	}
	return s.client.tracker.Running(id)
}

// IsUserJoined reports whether the user was last seen JOINED.
func (s *Session) IsUserJoined(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.IsUserJoined(userID)
}

// SetTrackingMode sets the mode used by Save. On a saved session it changes
// the tracking mode of the session.
func (s *Session) SetTrackingMode(ctx context.Context, mode domain.TrackingMode, l OperationListener) {
	id := s.ID()
	if id == "" {
		s.mu.Lock()
		s.snapshot.TrackingMode = mode
		s.mu.Unlock()
		s.client.bus.DeliverOutcome(service.Outcome{Operation: "set_tracking_mode"}, operationDelivery(l))
		return
	}
	s.do(ctx, "set_tracking_mode", func(ctx context.Context, user *domain.User) (*domain.Session, error) {
		return s.client.manager.SetTrackingMode(ctx, user.ID, id, mode)
	}, l)
}

// Save creates the session with the current device's user as driver.
func (s *Session) Save(ctx context.Context, l OperationListener) {
	s.mu.Lock()
	req := service.CreateSessionRequest{
		Name:         s.snapshot.Name,
		Destination:  s.snapshot.Destination,
		ExpiresAt:    s.snapshot.ExpiresAt,
		TrackingMode: s.snapshot.TrackingMode,
	}
	s.mu.Unlock()

	s.do(ctx, "create_session", func(ctx context.Context, user *domain.User) (*domain.Session, error) {
		return s.client.manager.Create(ctx, user.ID, req)
	}, l)
}

// Join joins the session with an invitation token. An empty token rejoins
// a session the user is already a participant of.
func (s *Session) Join(ctx context.Context, token string, l OperationListener) {
	id := s.ID()
	s.do(ctx, "join_session", func(ctx context.Context, user *domain.User) (*domain.Session, error) {
		if id == "" {
			return nil, ErrSessionNotSaved
		}
		return s.client.manager.Join(ctx, user.ID, id, token)
	}, l)
}

// Leave leaves the session. When the last driver leaves, the session expires.
func (s *Session) Leave(ctx context.Context, l OperationListener) {
	id := s.ID()
	s.do(ctx, "leave_session", func(ctx context.Context, user *domain.User) (*domain.Session, error) {
		if id == "" {
			return nil, ErrSessionNotSaved
		}
		return s.client.manager.Leave(ctx, user.ID, id)
	}, l)
}

// Invite issues an invitation and reports its join URL.
func (s *Session) Invite(ctx context.Context, displayName string, role domain.UserRole, email, phone string, l InvitationListener) {
	id := s.ID()
	c := s.client
	c.run(ctx, "invite", func(ctx context.Context) service.Outcome {
		if id == "" {
			return service.Outcome{Err: ErrSessionNotSaved}
		}
		user, err := c.CurrentUser(ctx)
		if err != nil {
			return service.Outcome{SessionID: id, Err: err}
		}
		inv, err := c.manager.Invite(ctx, user.ID, id, service.InviteRequest{
			DisplayName: displayName,
			Role:        role,
			Email:       email,
			Phone:       phone,
		})
		return service.Outcome{SessionID: id, Invitation: inv, Err: err}
	}, func(o service.Outcome) {
		if o.Err != nil {
			l.OnError(o.Err)
			return
		}
		l.OnSuccess(o.Invitation.URL)
	})
}

// SetExpirationListener registers l for the expiration of the session,
// replacing any earlier listener. On an unsaved session the listener is
// registered once Save succeeds. A session that already expired notifies l
// right away.
func (s *Session) SetExpirationListener(l ExpirationListener) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.expiry = l
	s.mu.Unlock()

	s.register()
}

func (s *Session) register() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiry == nil || s.cancel != nil || s.snapshot.ID == "" {
		return
	}
	l := s.expiry
	s.cancel = s.client.manager.OnExpired(s.snapshot.ID, service.ExpirationFunc(func(e service.ExpirationEvent) {
		s.mu.Lock()
		if !s.snapshot.IsExpired() {
			s.snapshot.MarkExpired(e.Reason, e.ExpiredAt)
		}
		s.mu.Unlock()
		l.OnExpired(e.SessionID)
	}))
}

// do runs a session operation as the current device's user and stores the
// returned state.
func (s *Session) do(ctx context.Context, op string, fn func(ctx context.Context, user *domain.User) (*domain.Session, error), l OperationListener) {
	c := s.client
	c.run(ctx, op, func(ctx context.Context) service.Outcome {
		user, err := c.CurrentUser(ctx)
		if err != nil {
			return service.Outcome{Err: err}
		}
		updated, err := fn(ctx, user)
		if err != nil {
			return service.Outcome{SessionID: s.ID(), Err: err}
		}
		s.mu.Lock()
		s.snapshot = updated
		s.mu.Unlock()
		s.register()
		return service.Outcome{SessionID: updated.ID, Session: updated}
	}, operationDelivery(l))
}
