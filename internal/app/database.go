package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	_ "github.com/newrelic/go-agent/v3/integrations/nrpq" // Registers "nrpostgres" driver
	"github.com/newrelic/go-agent/v3/newrelic"

	"livesession/internal/config"
)

func dataSourceName(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
}

// NewDatabase opens the session store and waits up to cfg.ConnectTimeout for
// it to accept connections. With nrApp set, queries are traced through the
// "nrpostgres" driver.
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig, nrApp *newrelic.Application, log *slog.Logger) (*sql.DB, error) {
	driverName := "postgres"
	if nrApp != nil {
		driverName = "nrpostgres"
	}
	db, err := sql.Open(driverName, dataSourceName(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database with %s: %w", driverName, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	err = waitReady(ctx, cfg.ConnectTimeout, func(ctx context.Context) error {
		return db.PingContext(ctx)
	}, func(err error, wait time.Duration) {
		log.Warn("database not ready", "host", cfg.Host, "retry_in", wait, "error", err)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// waitReady calls ping with exponential backoff until it succeeds, ctx is
// done or timeout elapses.
func waitReady(ctx context.Context, timeout time.Duration, ping func(context.Context) error, notify func(error, time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout

	return backoff.RetryNotify(func() error {
		return ping(ctx)
	}, backoff.WithContext(b, ctx), notify)
}
