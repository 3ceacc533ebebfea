// Package config loads runtime configuration from environment variables.
// A local .env file is honoured when present so development setups do not
// need to export everything by hand.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"sikaplan.org/internal/money"
)

// Backend names accepted by SIKA_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	// HTTP server
	Port         string
	MaxBodyBytes int64

	// Rate limiting (requests per second and burst per client IP)
	RateLimitRPS   float64
	RateLimitBurst int

	// Backend selection
	Backend     string
	PostgresDSN string
	SQLitePath  string

	// Ledger behaviour
	Currency string
	LockWait time.Duration

	// Authentication. Bearer tokens are required only when a secret is set.
	AuthSecret string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("SIKA_PORT", "8080"),
		MaxBodyBytes:   getEnvInt64("SIKA_MAX_BODY_BYTES", 1<<20),
		RateLimitRPS:   getEnvFloat("SIKA_RATE_LIMIT_RPS", 50),
		RateLimitBurst: getEnvInt("SIKA_RATE_LIMIT_BURST", 100),
		Backend:        getEnv("SIKA_BACKEND", BackendMemory),
		PostgresDSN:    getEnv("SIKA_PG_DSN", ""),
		SQLitePath:     getEnv("SIKA_SQLITE_PATH", "./data/sikaplan.db"),
		Currency:       getEnv("SIKA_CURRENCY", money.DefaultCurrency),
		LockWait:       getEnvDuration("SIKA_LOCK_WAIT", 2*time.Second),
		AuthSecret:     os.Getenv("SIKA_AUTH_SECRET"),
	}
}

// AuthEnabled reports whether bearer-token authentication should be enforced.
func (c *Config) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSecret) != ""
}

// Validate checks the configuration and returns an error describing every
// problem found.
func (c *Config) Validate() error {
	var problems []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		problems = append(problems, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			problems = append(problems, "SIKA_PG_DSN is required when using the postgres backend")
		}
	case BackendSQLite:
		// The database directory is created by sqlite.Open; validation
		// only inspects the configuration.
		if c.SQLitePath == "" {
			problems = append(problems, "SIKA_SQLITE_PATH cannot be empty when using the sqlite backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid backend '%s': must be one of [%s %s %s]",
			c.Backend, BackendMemory, BackendPostgres, BackendSQLite))
	}

	if len(c.Currency) != 3 || c.Currency != strings.ToUpper(c.Currency) {
		problems = append(problems, fmt.Sprintf("invalid currency '%s': must be a three-letter uppercase code", c.Currency))
	}

	if c.MaxBodyBytes < 1024 {
		problems = append(problems, fmt.Sprintf("invalid max body bytes %d: must be at least 1024", c.MaxBodyBytes))
	}
	if c.RateLimitRPS <= 0 {
		problems = append(problems, fmt.Sprintf("invalid rate limit %v: must be greater than zero", c.RateLimitRPS))
	}
	if c.RateLimitBurst < 1 {
		problems = append(problems, fmt.Sprintf("invalid rate limit burst %d: must be at least 1", c.RateLimitBurst))
	}

	if c.LockWait < 100*time.Millisecond {
		problems = append(problems, fmt.Sprintf("invalid lock wait %v: must be at least 100ms", c.LockWait))
	} else if c.LockWait > time.Minute {
		problems = append(problems, fmt.Sprintf("invalid lock wait %v: must be at most 1 minute", c.LockWait))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
