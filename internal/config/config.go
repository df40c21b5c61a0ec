package config

import (
	"errors"
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NewRelic   NewRelicConfig
	Session    SessionConfig
	Tracking   TrackingConfig
	Invitation InvitationConfig
	Retry      RetryConfig
	Account    AccountConfig
	LogLevel   string `env:"LOG_LEVEL,default=INFO"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `env:"SERVER_PORT,default=8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=10s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=10s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
}

// StorageConfig selects the backing store: "postgres" or "memory".
type StorageConfig struct {
	Driver  string `env:"STORAGE_DRIVER,default=postgres"`
	Migrate bool   `env:"STORAGE_MIGRATE,default=true"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `env:"DB_HOST,default=localhost"`
	Port     string `env:"DB_PORT,default=5432"`
	User     string `env:"DB_USER,default=postgres"`
	Password string `env:"DB_PASSWORD,default=postgres"`
	DBName   string `env:"DB_NAME,default=live_sessions"`
	SSLMode  string `env:"DB_SSLMODE,default=disable"`

	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=50"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=25"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME,default=5m"`
	// ConnectTimeout bounds how long startup waits for the database to accept connections.
	ConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT,default=30s"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED,default=true"`
	Addr     string `env:"REDIS_ADDR,default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
	PoolSize int    `env:"REDIS_POOL_SIZE,default=20"`
	// ConnectTimeout bounds how long startup waits for Redis to answer PING.
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT,default=15s"`
	// CacheSessions serves session reads from Redis.
	CacheSessions bool `env:"REDIS_CACHE_SESSIONS,default=false"`
}

// NewRelicConfig holds New Relic configuration.
type NewRelicConfig struct {
	AppName    string `env:"NEW_RELIC_APP_NAME,default=live-session-service"`
	LicenseKey string `env:"NEW_RELIC_LICENSE_KEY"`
	Enabled    bool   `env:"NEW_RELIC_ENABLED,default=false"`
}

// SessionConfig holds the session lock and operation settings.
type SessionConfig struct {
	LockTTL          time.Duration `env:"SESSION_LOCK_TTL,default=10s"`
	LockWait         time.Duration `env:"SESSION_LOCK_WAIT,default=2s"`
	OperationTimeout time.Duration `env:"SESSION_OPERATION_TIMEOUT,default=30s"`
	LocationGrace    time.Duration `env:"SESSION_LOCATION_GRACE,default=5m"`
	ExpiredRetention time.Duration `env:"SESSION_EXPIRED_RETENTION,default=24h"`
}

// TrackingConfig holds the sampling cadence of each tracking mode.
type TrackingConfig struct {
	ContinuousInterval time.Duration `env:"TRACKING_CONTINUOUS_INTERVAL,default=5s"`
	SmartMinInterval   time.Duration `env:"TRACKING_SMART_MIN_INTERVAL,default=5s"`
	SmartMaxInterval   time.Duration `env:"TRACKING_SMART_MAX_INTERVAL,default=2m"`
	StationaryMeters   int           `env:"TRACKING_STATIONARY_METERS,default=25"`
}

// InvitationConfig holds invitation settings.
type InvitationConfig struct {
	TTL     time.Duration `env:"INVITATION_TTL,default=24h"`
	BaseURL string        `env:"INVITATION_BASE_URL,default=https://sessions.example.com/join"`
}

// RetryConfig bounds the retries of transient backend failures.
type RetryConfig struct {
	MaxRetries      int           `env:"RETRY_MAX_RETRIES,default=3"`
	InitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL,default=50ms"`
	MaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL,default=500ms"`
}

// AccountConfig holds the account scope of the process.
type AccountConfig struct {
	Token               string `env:"ACCOUNT_TOKEN"`
	DefaultTrackingMode string `env:"ACCOUNT_DEFAULT_TRACKING_MODE,default=SMART"`
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that have no usable zero value.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.Storage.Driver))
	}
	if c.Tracking.ContinuousInterval <= 0 || c.Tracking.SmartMinInterval <= 0 {
		errs = append(errs, errors.New("tracking intervals must be positive"))
	}
	if c.Tracking.SmartMaxInterval < c.Tracking.SmartMinInterval {
		errs = append(errs, errors.New("TRACKING_SMART_MAX_INTERVAL must not be below TRACKING_SMART_MIN_INTERVAL"))
	}
	if c.Account.Token == "" {
		errs = append(errs, errors.New("ACCOUNT_TOKEN is required"))
	}
	if c.Invitation.BaseURL == "" {
		errs = append(errs, errors.New("INVITATION_BASE_URL is required"))
	}
	return errors.Join(errs...)
}
