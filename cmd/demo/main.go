// Command demo walks through a driver and a motorist sharing a session:
// the driver creates a session and invites a customer, the customer joins
// with the invitation token and the session expires when the driver leaves.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"livesession/internal/app"
	"livesession/internal/client"
	"livesession/internal/domain"
	"livesession/internal/repository/memory"
	"livesession/internal/service"
)

type demoConfig struct {
	AccountToken  string        `env:"DEMO_ACCOUNT_TOKEN,default=demo-account"`
	StateFile     string        `env:"DEMO_STATE_FILE,default=.last_session_id"`
	InvitationURL string        `env:"DEMO_INVITATION_BASE_URL,default=https://sessions.example.com/join"`
	SessionLength time.Duration `env:"DEMO_SESSION_LENGTH,default=1h"`
	TrackFor      time.Duration `env:"DEMO_TRACK_FOR,default=3s"`
	LogLevel      string        `env:"LOG_LEVEL,default=INFO"`
}

var destination = domain.Destination{
	Identifier: "w9823",
	Lat:        37.7875694,
	Lng:        -122.4112239,
}

func main() {
	_ = godotenv.Load()

	var cfg demoConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := app.NewLogger(os.Stdout, cfg.LogLevel)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("demo failed", "error", err, "kind", service.KindOf(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg demoConfig, log *slog.Logger) error {
	// Both devices share the stores and the bus, standing in for the backend.
	users := memory.NewUserRepository()
	sessions := memory.NewSessionRepository()
	invitations := memory.NewInvitationRepository()
	bus := service.NewNotificationBus(nil, nil, nil, log)
	defer bus.Close()

	deps := func(source service.LocationSource) client.Deps {
		return client.Deps{
			Users:       users,
			Sessions:    sessions,
			Invitations: invitations,
			Bus:         bus,
			Source:      source,
			Logger:      log,
		}
	}
	clientConfig := func(deviceID string) client.Config {
		return client.Config{
			AccountToken:        cfg.AccountToken,
			DeviceID:            deviceID,
			DefaultTrackingMode: domain.TrackingModeSmart,
			InvitationBaseURL:   cfg.InvitationURL,
			Tracking: service.TrackingConfig{
				ContinuousInterval: time.Second,
				SmartMinInterval:   time.Second,
				SmartMaxInterval:   10 * time.Second,
				StationaryMeters:   25,
			},
		}
	}

	driver, err := client.Initialize(clientConfig("driver-device"), deps(walker(37.7799, -122.4194)))
	if err != nil {
		return err
	}
	defer driver.Close()

	resumeLastSession(ctx, driver, cfg.StateFile, log)

	if err := await(func(l client.OperationListener) {
		driver.SaveUser(ctx, "Dan Driver", "+14155550100", domain.UserRoleDriver, l)
	}); err != nil {
		return fmt.Errorf("save driver: %w", err)
	}

	session := driver.NewSession("simple session", destination, time.Now().Add(cfg.SessionLength))
	if err := await(func(l client.OperationListener) { session.Save(ctx, l) }); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	log.Info("session created", "session_id", session.ID(), "state", session.Snapshot().State)
	if err := os.WriteFile(cfg.StateFile, []byte(session.ID()), 0o600); err != nil {
		log.Warn("failed to store session id", "error", err)
	}

	var expirations sync.WaitGroup
	expirations.Add(1)
	session.SetExpirationListener(client.ExpirationFunc(func(sessionID string) {
		defer expirations.Done()
		log.Info("driver notified of expiration", "session_id", sessionID)
	}))

	invitationURL, err := invite(ctx, session, "Customer", domain.UserRoleMotorist, "customer@me.com", "+14159495533")
	if err != nil {
		return fmt.Errorf("invite: %w", err)
	}
	log.Info("invitation issued", "url", invitationURL)

	motorist, err := client.New(clientConfig("motorist-device"), deps(walker(37.7694, -122.4862)))
	if err != nil {
		return err
	}
	defer motorist.Close()

	if err := await(func(l client.OperationListener) {
		motorist.SaveUser(ctx, "Customer", "+14159495533", domain.UserRoleMotorist, l)
	}); err != nil {
		return fmt.Errorf("save motorist: %w", err)
	}

	token, err := tokenFromURL(invitationURL)
	if err != nil {
		return err
	}
	joined, err := find(ctx, motorist, session.ID())
	if err != nil {
		return err
	}
	if err := await(func(l client.OperationListener) { joined.Join(ctx, token, l) }); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	expirations.Add(1)
	joined.SetExpirationListener(client.ExpirationFunc(func(sessionID string) {
		defer expirations.Done()
		log.Info("motorist notified of expiration", "session_id", sessionID)
	}))
	motoristUser, err := motorist.CurrentUser(ctx)
	if err != nil {
		return err
	}
	log.Info("motorist joined", "session_id", joined.ID(), "joined", joined.IsUserJoined(motoristUser.ID))

	locations, stop := bus.SubscribeLocations(session.ID(), 16)
	go func() {
		for sample := range locations {
			log.Info("location", "user_id", sample.UserID, "lat", sample.Lat, "lng", sample.Lng)
		}
	}()
	time.Sleep(cfg.TrackFor)
	stop()

	if err := await(func(l client.OperationListener) { session.Leave(ctx, l) }); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	expirations.Wait()
	log.Info("session ended", "reason", session.Snapshot().ExpirationReason, "expired", session.IsExpired())

	err = await(func(l client.OperationListener) { joined.Join(ctx, token, l) })
	log.Info("token reuse rejected", "error", err, "already_used", errors.Is(err, service.ErrTokenAlreadyUsed))
	return nil
}

// resumeLastSession looks up the session stored by an earlier run and
// re-registers for its expiration when it is still live.
func resumeLastSession(ctx context.Context, c *client.Client, stateFile string, log *slog.Logger) {
	raw, err := os.ReadFile(stateFile)
	if err != nil {
		return
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return
	}
	session, err := find(ctx, c, id)
	switch {
	case err != nil:
		log.Warn("failed to look up last session", "session_id", id, "error", err)
	case session == nil:
		log.Info("last session not found", "session_id", id)
	case session.IsExpired():
		log.Info("last session expired", "session_id", id)
	default:
		session.SetExpirationListener(client.ExpirationFunc(func(sessionID string) {
			log.Info("last session expired", "session_id", sessionID)
		}))
		log.Info("resumed last session", "session_id", id)
	}
}

func await(op func(l client.OperationListener)) error {
	done := make(chan error, 1)
	op(client.OperationFuncs{
		Success: func() { done <- nil },
		Error:   func(err error) { done <- err },
	})
	return <-done
}

func invite(ctx context.Context, s *client.Session, name string, role domain.UserRole, email, phone string) (string, error) {
	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	s.Invite(ctx, name, role, email, phone, client.InvitationFuncs{
		Success: func(url string) { done <- result{url: url} },
		Error:   func(err error) { done <- result{err: err} },
	})
	r := <-done
	return r.url, r.err
}

func find(ctx context.Context, c *client.Client, id string) (*client.Session, error) {
	type result struct {
		session *client.Session
		err     error
	}
	done := make(chan result, 1)
	c.FindSession(ctx, id, client.SessionLookupFuncs{
		Success: func(s *client.Session) { done <- result{session: s} },
		Error:   func(err error) { done <- result{err: err} },
	})
	r := <-done
	return r.session, r.err
}

// tokenFromURL returns the last path segment of an invitation URL.
func tokenFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid invitation url: %w", err)
	}
	token := path.Base(u.Path)
	if token == "" || token == "/" || token == "." {
		return "", fmt.Errorf("invitation url %q carries no token", raw)
	}
	return token, nil
}

// walker simulates a device moving toward the destination.
func walker(lat, lng float64) service.LocationSource {
	var mu sync.Mutex
	pos := service.Position{Lat: lat, Lng: lng}
	return service.LocationSourceFunc(func(context.Context) (service.Position, error) {
		mu.Lock()
		defer mu.Unlock()
		step := 0.05 + rand.Float64()*0.05
		pos.Lat += (destination.Lat - pos.Lat) * step
		pos.Lng += (destination.Lng - pos.Lng) * step
		return pos, nil
	})
}
