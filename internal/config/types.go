package config

import (
	"time"

	"github.com/mattjoyce/hookline/internal/ledger"
	"github.com/mattjoyce/hookline/internal/payload"
	"github.com/mattjoyce/hookline/internal/source"
)

// Config represents the complete hookline configuration.
type Config struct {
	Service ServiceConfig           `yaml:"service"`
	Server  ServerConfig            `yaml:"server"`
	State   StateConfig             `yaml:"state"`
	Cache   CacheConfig             `yaml:"cache"`
	Sources map[string]SourceConfig `yaml:"sources"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// MaxBodySize accepts "512KB", "1MB" or a byte count. It may lower the
	// 1 MiB ceiling but never raise it.
	MaxBodySize    string        `yaml:"max_body_size"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	// AdminAPIKey guards the retry endpoint. Empty disables it.
	AdminAPIKey string `yaml:"admin_api_key"`

	// MaxBodyBytes is MaxBodySize after parsing.
	MaxBodyBytes int64 `yaml:"-"`
}

// StateConfig selects the ledger store. Path always holds the job queue, and
// the ledger too when Driver is sqlite.
type StateConfig struct {
	Driver     string        `yaml:"driver"`
	Path       string        `yaml:"path"`
	DSN        string        `yaml:"dsn"`
	ClaimLease time.Duration `yaml:"claim_lease"`
}

// CacheConfig selects the idempotency cache.
type CacheConfig struct {
	Driver        string        `yaml:"driver"`
	TTL           time.Duration `yaml:"ttl"`
	SweepEvery    int           `yaml:"sweep_every"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// SourceConfig holds one provider's verification settings and the event
// types the built-in handler accepts (path.Match globs, empty = all).
type SourceConfig struct {
	Secret           string        `yaml:"secret"`
	Tolerance        time.Duration `yaml:"tolerance"`
	SkipVerification bool          `yaml:"skip_verification"`
	Events           []string      `yaml:"events"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

// DevTestSecret is the fallback secret for the test source only.
const DevTestSecret = "test_webhook_secret_dev"

// secretEnv names the environment variable consulted when a source has no
// secret in the file.
var secretEnv = map[source.Source]string{
	source.Payments: "PAYMENTS_WEBHOOK_SECRET",
	source.SCM:      "SCM_WEBHOOK_SECRET",
	source.Identity: "IDENTITY_WEBHOOK_SECRET",
	source.Test:     "TEST_WEBHOOK_SECRET",
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "hookline",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Server: ServerConfig{
			Listen:         "127.0.0.1:8081",
			MaxBodySize:    "1MB",
			MaxBodyBytes:   payload.MaxBodyBytes,
			HandlerTimeout: 30 * time.Second,
			ReadTimeout:    10 * time.Second,
		},
		State: StateConfig{
			Driver:     DriverSQLite,
			Path:       "./data/hookline.db",
			ClaimLease: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Driver:     DriverMemory,
			TTL:        ledger.DefaultCacheTTL,
			SweepEvery: ledger.DefaultSweepEvery,
			RedisAddr:  "localhost:6379",
		},
		Sources: make(map[string]SourceConfig),
	}
}

// Source returns the settings for src with defaults applied. Load has
// already filled secrets from the environment.
func (c *Config) Source(src source.Source) SourceConfig {
	return c.Sources[string(src)]
}
