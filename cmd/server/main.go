package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"livesession/internal/app"
	"livesession/internal/clock"
	"livesession/internal/config"
	"livesession/internal/handler"
	"livesession/internal/repository/postgres"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := app.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize New Relic FIRST (before database so we can instrument DB).
	var nrApp *newrelic.Application
	if cfg.NewRelic.Enabled && cfg.NewRelic.LicenseKey != "" {
		nrApp, err = newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelic.AppName),
			newrelic.ConfigLicense(cfg.NewRelic.LicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			log.Warn("failed to initialize New Relic", "error", err)
		} else {
			log.Info("New Relic enabled", "app", cfg.NewRelic.AppName)
		}
	}

	var db *sql.DB
	if cfg.Storage.Driver == "postgres" {
		db, err = app.NewDatabase(ctx, cfg.Database, nrApp, log)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		log.Info("connected to PostgreSQL")

		if cfg.Storage.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				log.Error("failed to migrate database", "error", err)
				os.Exit(1)
			}
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = app.NewRedisClient(ctx, cfg.Redis, nrApp, log)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		log.Info("connected to Redis")
	}

	services, err := app.NewServices(cfg, app.NewBackends(cfg, db, redisClient, log), clock.NewSystem(), log)
	if err != nil {
		log.Error("failed to wire services", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := services.Bus.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("expiration subscription stopped", "error", err)
		}
	}()

	restored, err := services.Sessions.Restore(ctx)
	if err != nil {
		log.Error("failed to restore live sessions", "error", err)
		os.Exit(1)
	}
	log.Info("restored live sessions", "count", restored)

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: app.NewRouter(app.RouterDeps{
			UserHandler:    handler.NewUserHandler(services.Identity),
			SessionHandler: handler.NewSessionHandler(services.Sessions),
			RedisClient:    redisClient,
			NewRelicApp:    nrApp,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine.
	go func() {
		log.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-runCtx.Done()
	log.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	services.Sessions.Close()
	services.Bus.Close()

	if nrApp != nil {
		nrApp.Shutdown(5 * time.Second)
	}
	log.Info("server exited")
}
