package app

import (
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"livesession/internal/clock"
	"livesession/internal/config"
	"livesession/internal/domain"
	internalRedis "livesession/internal/redis"
	"livesession/internal/repository"
	"livesession/internal/repository/memory"
	"livesession/internal/repository/postgres"
	"livesession/internal/service"
)

// Backends groups the stores selected by configuration.
type Backends struct {
	Users       repository.UserRepository
	Sessions    repository.SessionRepository
	Invitations repository.InvitationRepository

	// Redis-backed integrations, nil when Redis is disabled.
	Locker    service.SessionLocker
	Broker    service.ExpirationBroker
	Sink      service.LocationSink
	Locations service.LocationReader
}

// NewBackends selects the repositories and Redis stores. db may be nil for
// the memory driver and redisClient may be nil when Redis is disabled.
func NewBackends(cfg *config.Config, db *sql.DB, redisClient *redis.Client, log *slog.Logger) Backends {
	var b Backends
	if cfg.Storage.Driver == "memory" || db == nil {
		b.Users = memory.NewUserRepository()
		b.Sessions = memory.NewSessionRepository()
		b.Invitations = memory.NewInvitationRepository()
	} else {
		b.Users = postgres.NewUserRepository(db)
		b.Sessions = postgres.NewSessionRepository(db)
		b.Invitations = postgres.NewInvitationRepository(db)
	}

	if redisClient == nil {
		return b
	}

	locations := internalRedis.NewLocationStore(redisClient)
	b.Locker = internalRedis.NewLockStore(redisClient)
	b.Broker = internalRedis.NewExpirationBroker(redisClient, log)
	b.Sink = locations
	b.Locations = locations
	if cfg.Redis.CacheSessions {
		b.Sessions = internalRedis.NewCachedSessionRepository(b.Sessions, internalRedis.NewCacheStore(redisClient), log)
	}
	return b
}

// Services groups the session coordination services of a server process.
type Services struct {
	Identity *service.IdentityStore
	Sessions *service.SessionManager
	Bus      *service.NotificationBus
}

// NewServices wires the services over b. Server processes do not sample
// positions themselves, so no tracking engine is attached.
func NewServices(cfg *config.Config, b Backends, clk clock.Clock, log *slog.Logger) (*Services, error) {
	account, err := service.NewAccount(cfg.Account.Token, domain.TrackingMode(cfg.Account.DefaultTrackingMode))
	if err != nil {
		return nil, err
	}
	retry := service.RetryPolicy{
		MaxRetries:      uint64(cfg.Retry.MaxRetries),
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}

	bus := service.NewNotificationBus(b.Broker, b.Sink, clk, log)
	bus.SetRetention(cfg.Session.LocationGrace, cfg.Session.ExpiredRetention)
	identity := service.NewIdentityStore(b.Users, clk, retry, log)
	tokens, err := service.NewTokenIssuer(b.Invitations, clk, cfg.Invitation.TTL, cfg.Invitation.BaseURL, retry)
	if err != nil {
		return nil, err
	}

	manager := service.NewSessionManager(service.SessionManagerDeps{
		Sessions:  b.Sessions,
		Identity:  identity,
		Tokens:    tokens,
		Bus:       bus,
		Locker:    b.Locker,
		Locations: b.Locations,
		Clock:     clk,
		Logger:    log,
	}, service.SessionManagerConfig{
		Account: account,
		Lock:    service.LockConfig{TTL: cfg.Session.LockTTL, Wait: cfg.Session.LockWait},
		Retry:   retry,
	})

	return &Services{Identity: identity, Sessions: manager, Bus: bus}, nil
}
