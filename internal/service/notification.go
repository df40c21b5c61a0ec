package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"livesession/internal/clock"
	"livesession/internal/domain"
)

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationSessionCreated    NotificationType = "SESSION_CREATED"
	NotificationInvitationIssued  NotificationType = "INVITATION_ISSUED"
	NotificationParticipantJoined NotificationType = "PARTICIPANT_JOINED"
	NotificationParticipantLeft   NotificationType = "PARTICIPANT_LEFT"
	NotificationSessionExpired    NotificationType = "SESSION_EXPIRED"
)

// Default cleanup delays after a session expired.
const (
	DefaultLocationGrace    = 5 * time.Minute
	DefaultExpiredRetention = 24 * time.Hour
)

// Notification represents a notification to be sent.
type Notification struct {
	Type        NotificationType
	RecipientID string // User ID, or the session ID for session-wide notices
	SessionID   string
	Title       string
	Message     string
	Data        map[string]interface{}
	CreatedAt   time.Time
}

// ExpirationEvent announces that a session reached EXPIRED.
type ExpirationEvent struct {
	SessionID string                  `json:"session_id"`
	Reason    domain.ExpirationReason `json:"reason"`
	ExpiredAt time.Time               `json:"expired_at"`
}

// ExpirationListener is notified when a session expires.
type ExpirationListener interface {
	OnExpired(event ExpirationEvent)
}

// ExpirationFunc adapts a function to ExpirationListener.
type ExpirationFunc func(event ExpirationEvent)

func (f ExpirationFunc) OnExpired(event ExpirationEvent) { f(event) }

// ExpirationBroker carries expiration events between processes.
type ExpirationBroker interface {
	PublishExpiration(ctx context.Context, event ExpirationEvent) error
	// SubscribeExpirations calls handle for every event published by any
	// process until ctx is done.
	SubscribeExpirations(ctx context.Context, handle func(ExpirationEvent)) error
}

// LocationSink stores published location samples.
type LocationSink interface {
	UpdateLocation(ctx context.Context, sample domain.LocationSample) error
}

// Outcome is the terminal result of one asynchronous operation.
type Outcome struct {
	Operation  string
	SessionID  string
	Session    *domain.Session
	Invitation *domain.Invitation
	User       *domain.User
	Err        error
}

type expirationRegistration struct {
	listener  ExpirationListener
	delivered atomic.Bool
}

type locationSubscriber struct {
	ch chan domain.LocationSample
}

// NotificationBus delivers operation outcomes, expiration events and
// location samples to registered listeners.
type NotificationBus struct {
	broker ExpirationBroker
	sink   LocationSink
	clock  clock.Clock
	log    *slog.Logger

	mu          sync.Mutex
	expired     map[string]ExpirationEvent
	expirations map[string]map[*expirationRegistration]struct{}
	subscribers map[string]map[*locationSubscriber]struct{}
	latest      map[string]map[string]domain.LocationSample
	closed      bool

	locationGrace    time.Duration
	expiredRetention time.Duration

	wg sync.WaitGroup
}

// NewNotificationBus creates a new NotificationBus. broker and sink may be nil.
func NewNotificationBus(broker ExpirationBroker, sink LocationSink, clk clock.Clock, log *slog.Logger) *NotificationBus {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &NotificationBus{
		broker:      broker,
		sink:        sink,
		clock:       clk,
		log:         log,
		expired:     make(map[string]ExpirationEvent),
		expirations: make(map[string]map[*expirationRegistration]struct{}),
		subscribers: make(map[string]map[*locationSubscriber]struct{}),
		latest:      make(map[string]map[string]domain.LocationSample),

		locationGrace:    DefaultLocationGrace,
		expiredRetention: DefaultExpiredRetention,
	}
}

// SetRetention sets how long after an expiration the session's latest
// samples and subscriptions, and the expiration record itself, are kept.
// Zero keeps them until Close.
func (b *NotificationBus) SetRetention(locationGrace, expiredRetention time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locationGrace = locationGrace
	b.expiredRetention = expiredRetention
}

// DeliverOutcome hands o to fn exactly once on its own goroutine.
func (b *NotificationBus) DeliverOutcome(o Outcome, fn func(Outcome)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("outcome listener panicked", "operation", o.Operation, "panic", r)
			}
		}()
		fn(o)
	}()
}

// OnExpired registers l for the expiration of sessionID. If the session
// already expired, l is notified right away. The returned function cancels
// the registration.
func (b *NotificationBus) OnExpired(sessionID string, l ExpirationListener) (cancel func()) {
	reg := &expirationRegistration{listener: l}

	b.mu.Lock()
	if event, ok := b.expired[sessionID]; ok {
		b.mu.Unlock()
		b.dispatch(reg, event)
		return func() {}
	}
	regs, ok := b.expirations[sessionID]
	if !ok {
		regs = make(map[*expirationRegistration]struct{})
		b.expirations[sessionID] = regs
	}
	regs[reg] = struct{}{}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if regs, ok := b.expirations[sessionID]; ok {
			delete(regs, reg)
			if len(regs) == 0 {
				delete(b.expirations, sessionID)
			}
		}
	}
}

// PublishExpiration notifies every local listener of the session and
// forwards the event to other processes.
func (b *NotificationBus) PublishExpiration(ctx context.Context, event ExpirationEvent) {
	b.deliverExpiration(event)
	b.send(ctx, Notification{
		Type:        NotificationSessionExpired,
		RecipientID: event.SessionID,
		SessionID:   event.SessionID,
		Title:       "Session Expired",
		Message:     fmt.Sprintf("Session expired: %s", event.Reason),
		Data:        map[string]interface{}{"reason": event.Reason, "expired_at": event.ExpiredAt},
		CreatedAt:   event.ExpiredAt,
	})

	if b.broker == nil {
		return
	}
	if err := b.broker.PublishExpiration(ctx, event); err != nil {
		b.log.Error("failed to publish expiration", "session_id", event.SessionID, "error", err)
	}
}

// Run redelivers expiration events published by other processes until ctx is done.
func (b *NotificationBus) Run(ctx context.Context) error {
	if b.broker == nil {
		<-ctx.Done()
		return nil
	}
	return b.broker.SubscribeExpirations(ctx, b.deliverExpiration)
}

// IsExpired reports whether an expiration of sessionID was seen.
func (b *NotificationBus) IsExpired(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.expired[sessionID]
	return ok
}

func (b *NotificationBus) deliverExpiration(event ExpirationEvent) {
	b.mu.Lock()
	_, seen := b.expired[event.SessionID]
	if !seen {
		b.expired[event.SessionID] = event
	}
	regs := b.expirations[event.SessionID]
	delete(b.expirations, event.SessionID)
	grace, retention := b.locationGrace, b.expiredRetention
	b.mu.Unlock()

	for reg := range regs {
		b.dispatch(reg, event)
	}
	if !seen {
		b.scheduleCleanup(event.SessionID, grace, retention)
	}
}

func (b *NotificationBus) scheduleCleanup(sessionID string, grace, retention time.Duration) {
	if grace > 0 {
		b.clock.AfterFunc(grace, func() { b.ForgetLocations(sessionID) })
	}
	if retention > 0 {
		b.clock.AfterFunc(retention, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.expired, sessionID)
		})
	}
}

func (b *NotificationBus) dispatch(reg *expirationRegistration, event ExpirationEvent) {
	if !reg.delivered.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("expiration listener panicked", "session_id", event.SessionID, "panic", r)
			}
		}()
		reg.listener.OnExpired(event)
	}()
}

// SubscribeLocations returns a channel receiving the samples published for
// sessionID. Samples are dropped for a subscriber whose buffer is full.
func (b *NotificationBus) SubscribeLocations(sessionID string, buffer int) (<-chan domain.LocationSample, func()) {
	sub := &locationSubscriber{ch: make(chan domain.LocationSample, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	subs, ok := b.subscribers[sessionID]
	if !ok {
		subs = make(map[*locationSubscriber]struct{})
		b.subscribers[sessionID] = subs
	}
	subs[sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subscribers[sessionID]; ok {
				if _, ok := subs[sub]; ok {
					delete(subs, sub)
					close(sub.ch)
				}
				if len(subs) == 0 {
					delete(b.subscribers, sessionID)
				}
			}
		})
	}
}

// PublishLocation stores the sample in the sink and fans it out to the
// session's subscribers.
func (b *NotificationBus) PublishLocation(ctx context.Context, sample domain.LocationSample) error {
	var sinkErr error
	if b.sink != nil {
		if err := b.sink.UpdateLocation(ctx, sample); err != nil {
			sinkErr = fmt.Errorf("store location: %w", err)
			b.log.Warn("failed to store location", "session_id", sample.SessionID, "error", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sinkErr
	}
	byUser, ok := b.latest[sample.SessionID]
	if !ok {
		byUser = make(map[string]domain.LocationSample)
		b.latest[sample.SessionID] = byUser
	}
	if prev, ok := byUser[sample.UserID]; !ok || !sample.RecordedAt.Before(prev.RecordedAt) {
		byUser[sample.UserID] = sample
	}
	for sub := range b.subscribers[sample.SessionID] {
		select {
		case sub.ch <- sample:
		default:
		}
	}
	return sinkErr
}

// Latest returns the most recent sample of every user in the session,
// oldest first.
func (b *NotificationBus) Latest(sessionID string) []domain.LocationSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.LocationSample, 0, len(b.latest[sessionID]))
	for _, s := range b.latest[sessionID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out
}

// ForgetLocations drops the latest samples and subscribers of a session.
func (b *NotificationBus) ForgetLocations(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, sessionID)
	for sub := range b.subscribers[sessionID] {
		close(sub.ch)
	}
	delete(b.subscribers, sessionID)
}

// NotifySessionCreated notifies the creator that the session is live.
func (b *NotificationBus) NotifySessionCreated(ctx context.Context, session *domain.Session) {
	b.send(ctx, Notification{
		Type:        NotificationSessionCreated,
		RecipientID: session.CreatedBy,
		SessionID:   session.ID,
		Title:       "Session Started",
		Message:     fmt.Sprintf("Session %q is active until %s", session.Name, session.ExpiresAt.Format(time.RFC3339)),
		Data: map[string]interface{}{
			"destination": session.Destination.Identifier,
			"expires_at":  session.ExpiresAt,
		},
		CreatedAt: b.clock.Now(),
	})
}

// NotifyInvitationIssued notifies the inviting driver that an invitation is ready to share.
func (b *NotificationBus) NotifyInvitationIssued(ctx context.Context, inv *domain.Invitation, inviterID string) {
	b.send(ctx, Notification{
		Type:        NotificationInvitationIssued,
		RecipientID: inviterID,
		SessionID:   inv.SessionID,
		Title:       "Invitation Ready",
		Message:     fmt.Sprintf("Invitation for %s (%s) is ready", inv.InviteeName, inv.Role),
		Data: map[string]interface{}{
			"invitation_id": inv.ID,
			"expires_at":    inv.ExpiresAt,
		},
		CreatedAt: b.clock.Now(),
	})
}

// NotifyParticipantJoined notifies the session that a user joined.
func (b *NotificationBus) NotifyParticipantJoined(ctx context.Context, session *domain.Session, userID string) {
	b.send(ctx, Notification{
		Type:        NotificationParticipantJoined,
		RecipientID: session.ID,
		SessionID:   session.ID,
		Title:       "Participant Joined",
		Message:     fmt.Sprintf("User %s joined %q", userID, session.Name),
		Data:        map[string]interface{}{"user_id": userID},
		CreatedAt:   b.clock.Now(),
	})
}

// NotifyParticipantLeft notifies the session that a user left.
func (b *NotificationBus) NotifyParticipantLeft(ctx context.Context, session *domain.Session, userID string) {
	b.send(ctx, Notification{
		Type:        NotificationParticipantLeft,
		RecipientID: session.ID,
		SessionID:   session.ID,
		Title:       "Participant Left",
		Message:     fmt.Sprintf("User %s left %q", userID, session.Name),
		Data:        map[string]interface{}{"user_id": userID},
		CreatedAt:   b.clock.Now(),
	})
}

// Wait blocks until every pending delivery returned.
func (b *NotificationBus) Wait() {
	b.wg.Wait()
}

// Close closes every location subscription and waits for pending deliveries.
func (b *NotificationBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for id, subs := range b.subscribers {
			for sub := range subs {
				close(sub.ch)
			}
			delete(b.subscribers, id)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// send records a notification. Push transports are outside this module, so
// notifications are written to the structured log.
func (b *NotificationBus) send(ctx context.Context, n Notification) {
	b.log.InfoContext(ctx, "notification",
		"type", n.Type,
		"recipient", n.RecipientID,
		"session_id", n.SessionID,
		"title", n.Title,
		"message", n.Message,
	)
}
