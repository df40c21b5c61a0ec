// Package client is the asynchronous facade used by applications. Every
// operation runs on its own goroutine and reports exactly one outcome to the
// listener it was given.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"livesession/internal/clock"
	"livesession/internal/domain"
	"livesession/internal/repository"
	"livesession/internal/service"
)

var (
	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("client already initialized")

	// ErrNotInitialized is returned by Default before Initialize succeeded.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrClosed is reported for operations started after Close.
	ErrClosed = errors.New("client closed")

	// ErrSessionNotSaved is reported for operations on a session that was not saved yet.
	ErrSessionNotSaved = errors.New("session not saved")
)

// Config contains the account scope and the tuning of a Client.
type Config struct {
	AccountToken        string
	DeviceID            string
	DefaultTrackingMode domain.TrackingMode
	OperationTimeout    time.Duration

	InvitationTTL     time.Duration
	InvitationBaseURL string

	Tracking service.TrackingConfig
	Retry    service.RetryPolicy
	Lock     service.LockConfig
}

// Deps contains the backing stores and integrations of a Client.
// Bus, Locker, Locations and Source are optional. Without a Source the
// device does not sample its location.
type Deps struct {
	Users       repository.UserRepository
	Sessions    repository.SessionRepository
	Invitations repository.InvitationRepository

	Bus       *service.NotificationBus
	Locker    service.SessionLocker
	Locations service.LocationReader
	Source    service.LocationSource
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Client is the account-scoped entry point for one device.
type Client struct {
	cfg      Config
	account  service.Account
	identity *service.IdentityStore
	manager  *service.SessionManager
	bus      *service.NotificationBus
	ownsBus  bool
	tracker  *service.TrackingEngine
	log      *slog.Logger

	wg     sync.WaitGroup
	closed atomic.Bool
}

var (
	initialized   atomic.Bool
	defaultMu     sync.RWMutex
	defaultClient *Client
)

// Initialize creates the process-wide client. It may succeed only once per
// process; later calls return ErrAlreadyInitialized.
func Initialize(cfg Config, deps Deps) (*Client, error) {
	if !initialized.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInitialized
	}
	c, err := New(cfg, deps)
	if err != nil {
		initialized.Store(false)
		return nil, err
	}
	defaultMu.Lock()
	defaultClient = c
	defaultMu.Unlock()
	return c, nil
}

// Default returns the client created by Initialize.
func Default() (*Client, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultClient == nil {
		return nil, ErrNotInitialized
	}
	return defaultClient, nil
}

// New creates a Client without touching the process-wide instance.
func New(cfg Config, deps Deps) (*Client, error) {
	account, err := service.NewAccount(cfg.AccountToken, cfg.DefaultTrackingMode)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", service.ErrValidation)
	}
	if deps.Users == nil || deps.Sessions == nil || deps.Invitations == nil {
		return nil, errors.New("client: users, sessions and invitations repositories are required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.Tracking == (service.TrackingConfig{}) {
		cfg.Tracking = service.DefaultTrackingConfig()
	}
	if cfg.Retry == (service.RetryPolicy{}) {
		cfg.Retry = service.DefaultRetryPolicy()
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("device_id", cfg.DeviceID)

	c := &Client{cfg: cfg, account: account, bus: deps.Bus, log: log}
	if c.bus == nil {
		c.bus = service.NewNotificationBus(nil, nil, clk, log)
		c.ownsBus = true
	}

	c.identity = service.NewIdentityStore(deps.Users, clk, cfg.Retry, log)
	tokens, err := service.NewTokenIssuer(deps.Invitations, clk, cfg.InvitationTTL, cfg.InvitationBaseURL, cfg.Retry)
	if err != nil {
		return nil, err
	}

	var tracker service.Tracker
	if deps.Source != nil {
		c.tracker = service.NewTrackingEngine(cfg.Tracking, deps.Source, service.LocationPublisherFunc(c.publishPosition), nil, clk, log)
		tracker = c.tracker
	}

	c.manager = service.NewSessionManager(service.SessionManagerDeps{
		Sessions:  deps.Sessions,
		Identity:  c.identity,
		Tokens:    tokens,
		Bus:       c.bus,
		Tracker:   tracker,
		Locker:    deps.Locker,
		Locations: deps.Locations,
		Clock:     clk,
		Logger:    log,
	}, service.SessionManagerConfig{
		Account: account,
		Lock:    cfg.Lock,
		Retry:   cfg.Retry,
	})
	if c.tracker != nil {
		c.tracker.SetActivityGate(c.manager.IsActive)
	}
	return c, nil
}

// Account returns the account scope of the client.
func (c *Client) Account() service.Account {
	return c.account
}

// SaveUser saves the profile of this device.
func (c *Client) SaveUser(ctx context.Context, name, phone string, role domain.UserRole, l OperationListener) {
	c.run(ctx, "save_user", func(ctx context.Context) service.Outcome {
		user, err := c.identity.SaveUser(ctx, service.SaveUserRequest{
			DeviceID: c.cfg.DeviceID,
			Name:     name,
			Phone:    phone,
			Role:     role,
		})
		return service.Outcome{User: user, Err: err}
	}, operationDelivery(l))
}

// CurrentUser returns the profile of this device.
func (c *Client) CurrentUser(ctx context.Context) (*domain.User, error) {
	return c.identity.CurrentUser(ctx, c.cfg.DeviceID)
}

// NewSession returns an unsaved session handle. Call Save to create it.
func (c *Client) NewSession(name string, destination domain.Destination, expiresAt time.Time) *Session {
	return &Session{
		client: c,
		snapshot: &domain.Session{
			Name:         name,
			Destination:  destination,
			ExpiresAt:    expiresAt,
			TrackingMode: c.account.DefaultTrackingMode,
		},
	}
}

// FindSession looks up a session. The listener receives nil when the
// session is unknown.
func (c *Client) FindSession(ctx context.Context, sessionID string, l SessionLookupListener) {
	c.run(ctx, "find_session", func(ctx context.Context) service.Outcome {
		s, err := c.manager.Find(ctx, sessionID)
		if err != nil || s == nil {
			return service.Outcome{SessionID: sessionID, Err: err}
		}
		if user, err := c.CurrentUser(ctx); err == nil {
			s = s.ViewFor(user.ID)
		}
		return service.Outcome{SessionID: sessionID, Session: s}
	}, func(o service.Outcome) {
		if o.Err != nil {
			l.OnError(o.Err)
			return
		}
		if o.Session == nil {
			l.OnSuccess(nil)
			return
		}
		l.OnSuccess(&Session{client: c, snapshot: o.Session})
	})
}

// Restore re-arms the expiration of live sessions of the account.
func (c *Client) Restore(ctx context.Context) (int, error) {
	return c.manager.Restore(ctx)
}

// Dropped returns the number of location samples that were not published.
func (c *Client) Dropped() int64 {
	if c.tracker == nil {
		return 0
	}
	return c.tracker.Dropped()
}

// Close waits for in-flight operations, stops tracking and cancels timers.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.wg.Wait()
	c.manager.Close()
	if c.tracker != nil {
		c.tracker.StopAll()
	}
	if c.ownsBus {
		c.bus.Close()
	} else {
		c.bus.Wait()
	}
}

// run executes op on its own goroutine and hands its outcome to deliver
// through the bus. The operation is not cancelled with ctx so it always
// reaches a terminal outcome.
func (c *Client) run(ctx context.Context, op string, fn func(ctx context.Context) service.Outcome, deliver func(service.Outcome)) {
	if c.closed.Load() {
		c.bus.DeliverOutcome(service.Outcome{Operation: op, Err: ErrClosed}, deliver)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.OperationTimeout)
		defer cancel()

		var o service.Outcome
		func() {
			defer func() {
				if r := recover(); r != nil {
					o = service.Outcome{Err: fmt.Errorf("%s panicked: %v", op, r)}
				}
			}()
			o = fn(ctx)
		}()
		o.Operation = op

		if o.Err != nil {
			c.log.Warn("operation failed", "operation", op, "session_id", o.SessionID, "kind", service.KindOf(o.Err), "error", o.Err)
		}
		c.bus.DeliverOutcome(o, deliver)
	}()
}

func (c *Client) publishPosition(ctx context.Context, sessionID string, pos service.Position) error {
	user, err := c.CurrentUser(ctx)
	if err != nil {
		return err
	}
	_, err = c.manager.ReportLocation(ctx, user.ID, sessionID, pos.Lat, pos.Lng)
	return err
}

func operationDelivery(l OperationListener) func(service.Outcome) {
	return func(o service.Outcome) {
		if o.Err != nil {
			l.OnError(o.Err)
			return
		}
		l.OnSuccess()
	}
}
