// Package config reads ledgerd's process configuration from the environment.
// A .env file in the working directory, or the files passed to Load, is
// applied first; variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"tap-ledger/pkg/resilience"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config is the process configuration.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// DBDriver is "sqlite" or "postgres"
	DBDriver string
	DBDSN    string

	// RedisAddr enables the redis balance layer when set
	RedisAddr string

	// NATSURL selects the NATS feed; empty uses the in-process broker
	NATSURL       string
	NATSSubject   string
	ReaderURL     string
	ReaderTimeout time.Duration

	// DeviceKey authenticates reader callbacks; empty disables the callback route
	DeviceKey string

	// OperatorKey guards the reconciliation routes; empty disables them
	OperatorKey string

	JWTSecret string
	JWTIssuer string

	BcryptCost  int
	ScanTimeout time.Duration

	// BreakerCooldown is how long an open circuit breaker around the
	// verifier, the reader or Redis waits before letting a probe call through
	BreakerCooldown time.Duration

	BalanceCacheSize int
	BalanceCacheTTL  time.Duration

	PublisherQueueSize int
	PublisherWorkers   int

	MetricsNamespace string
}

// Load applies env files and reads the configuration from the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("config: load env files: %w", err)
		}
	}

	r := &reader{}
	cfg := &Config{
		HTTPAddr:           getEnv("LEDGER_HTTP_ADDR", ":8080"),
		ShutdownTimeout:    r.duration("LEDGER_SHUTDOWN_TIMEOUT", 15*time.Second),
		DBDriver:           getEnv("LEDGER_DB_DRIVER", "sqlite"),
		DBDSN:              getEnv("LEDGER_DB_DSN", getEnv("DATABASE_URL", "data/ledger.db")),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		NATSURL:            getEnv("NATS_URL", ""),
		NATSSubject:        getEnv("NATS_SUBJECT_PREFIX", "ledger.events"),
		ReaderURL:          getEnv("READER_URL", ""),
		ReaderTimeout:      r.duration("READER_TIMEOUT", 60*time.Second),
		DeviceKey:          getEnv("DEVICE_KEY", ""),
		OperatorKey:        getEnv("OPERATOR_KEY", ""),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		JWTIssuer:          getEnv("JWT_ISSUER", ""),
		BcryptCost:         r.integer("BCRYPT_COST", bcrypt.DefaultCost),
		ScanTimeout:        r.duration("RECEIVE_SCAN_TIMEOUT", 30*time.Second),
		BreakerCooldown:    r.duration("BREAKER_COOLDOWN", 30*time.Second),
		BalanceCacheSize:   r.integer("BALANCE_CACHE_SIZE", 10000),
		BalanceCacheTTL:    r.duration("BALANCE_CACHE_TTL", 30*time.Second),
		PublisherQueueSize: r.integer("PUBLISHER_QUEUE_SIZE", 1000),
		PublisherWorkers:   r.integer("PUBLISHER_WORKERS", 4),
		MetricsNamespace:   getEnv("METRICS_NAMESPACE", "ledger"),
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("LEDGER_DB_DRIVER: unsupported driver %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("LEDGER_DB_DSN: required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET: required"))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST: must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.ScanTimeout <= 0 {
		errs = append(errs, errors.New("RECEIVE_SCAN_TIMEOUT: must be positive"))
	}
	if c.ReaderURL != "" && c.ReaderTimeout < c.ScanTimeout {
		errs = append(errs, errors.New("READER_TIMEOUT: must not be shorter than RECEIVE_SCAN_TIMEOUT"))
	}
	if c.BreakerCooldown <= 0 {
		errs = append(errs, errors.New("BREAKER_COOLDOWN: must be positive"))
	}
	if c.BalanceCacheSize <= 0 {
		errs = append(errs, errors.New("BALANCE_CACHE_SIZE: must be positive"))
	}
	if c.PublisherQueueSize <= 0 || c.PublisherWorkers <= 0 {
		errs = append(errs, errors.New("PUBLISHER_QUEUE_SIZE and PUBLISHER_WORKERS: must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Resilience returns the guard configuration shared by the external
// dependencies.
func (c *Config) Resilience() resilience.Config {
	return resilience.DefaultConfig().WithCircuitBreakerTimeout(c.BreakerCooldown)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// reader parses typed variables and keeps the first error.
type reader struct {
	err error
}

func (r *reader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return d
}

func (r *reader) integer(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return n
}
