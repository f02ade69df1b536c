package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hookline/internal/payload"
	"github.com/mattjoyce/hookline/internal/signature"
	"github.com/mattjoyce/hookline/internal/source"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from configPath. An empty path means defaults
// plus environment. A .env file beside the config file (or in the working
// directory when configPath is empty) is loaded first; variables already
// set in the environment win.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		if err := loadDotEnv("."); err != nil {
			return nil, err
		}
		return finish(&Config{})
	}

	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	if err := loadDotEnv(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// ResolvePath returns the absolute config file path. A directory resolves to
// hookline.yaml inside it.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "hookline.yaml")
	}
	return absPath, nil
}

func finish(cfg *Config) (*Config, error) {
	cfg = applyConfigDefaults(cfg)
	applySecretFallbacks(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads dir/.env when present. godotenv.Load never overrides
// variables that are already set.
func loadDotEnv(dir string) error {
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// unresolved reports whether s still holds a ${VAR} placeholder.
func unresolved(s string) bool {
	return envVarPattern.MatchString(s)
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = defaults.Server.Listen
	}
	if cfg.Server.MaxBodySize == "" {
		cfg.Server.MaxBodySize = defaults.Server.MaxBodySize
	}
	if cfg.Server.HandlerTimeout == 0 {
		cfg.Server.HandlerTimeout = defaults.Server.HandlerTimeout
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if unresolved(cfg.Server.AdminAPIKey) {
		// An unset variable disables the admin endpoint rather than
		// making the literal placeholder a valid key.
		cfg.Server.AdminAPIKey = ""
	}

	if cfg.State.Driver == "" {
		cfg.State.Driver = defaults.State.Driver
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if unresolved(cfg.State.DSN) {
		cfg.State.DSN = ""
	}
	if cfg.State.ClaimLease == 0 {
		cfg.State.ClaimLease = defaults.State.ClaimLease
	}

	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = defaults.Cache.Driver
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = defaults.Cache.TTL
	}
	if cfg.Cache.SweepEvery == 0 {
		cfg.Cache.SweepEvery = defaults.Cache.SweepEvery
	}
	if cfg.Cache.RedisAddr == "" {
		cfg.Cache.RedisAddr = defaults.Cache.RedisAddr
	}

	if cfg.Sources == nil {
		cfg.Sources = make(map[string]SourceConfig)
	}
	normalized := make(map[string]SourceConfig, len(cfg.Sources))
	for name, sc := range cfg.Sources {
		if unresolved(sc.Secret) {
			sc.Secret = ""
		}
		if sc.Tolerance == 0 {
			sc.Tolerance = signature.DefaultTolerance
		}
		normalized[strings.ToLower(strings.TrimSpace(name))] = sc
	}
	for _, src := range source.All {
		if _, ok := normalized[string(src)]; !ok {
			normalized[string(src)] = SourceConfig{Tolerance: signature.DefaultTolerance}
		}
	}
	cfg.Sources = normalized

	return cfg
}

// applySecretFallbacks fills empty source secrets from the environment. Only
// the test source falls back to a fixed development secret.
func applySecretFallbacks(cfg *Config) {
	for _, src := range source.All {
		sc := cfg.Sources[string(src)]
		if sc.Secret == "" {
			sc.Secret = os.Getenv(secretEnv[src])
		}
		if sc.Secret == "" && src == source.Test {
			sc.Secret = DevTestSecret
		}
		cfg.Sources[string(src)] = sc
	}
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	maxBody, err := parseMaxBodySize(cfg.Server.MaxBodySize)
	if err != nil {
		return fmt.Errorf("server.max_body_size %q: %w", cfg.Server.MaxBodySize, err)
	}
	if maxBody > payload.MaxBodyBytes {
		return fmt.Errorf("server.max_body_size %q exceeds the %d byte ceiling", cfg.Server.MaxBodySize, payload.MaxBodyBytes)
	}
	cfg.Server.MaxBodyBytes = maxBody
	if cfg.Server.HandlerTimeout < 0 {
		return fmt.Errorf("server.handler_timeout must not be negative")
	}
	if cfg.Server.ReadTimeout < 0 {
		return fmt.Errorf("server.read_timeout must not be negative")
	}

	switch cfg.State.Driver {
	case DriverSQLite:
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("state.driver must be sqlite or postgres (got %q)", cfg.State.Driver)
	}
	if cfg.State.ClaimLease < 0 {
		return fmt.Errorf("state.claim_lease must be positive")
	}

	switch cfg.Cache.Driver {
	case DriverMemory:
	case DriverRedis:
		if cfg.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver must be memory or redis (got %q)", cfg.Cache.Driver)
	}
	if cfg.Cache.TTL < 0 || cfg.Cache.SweepEvery < 0 {
		return fmt.Errorf("cache.ttl and cache.sweep_every must be positive")
	}

	for name, sc := range cfg.Sources {
		src, err := source.Parse(name)
		if err != nil {
			return fmt.Errorf("sources: %w", err)
		}
		if sc.SkipVerification && src != source.Test {
			return fmt.Errorf("sources.%s.skip_verification is only allowed for the test source", name)
		}
		if sc.Tolerance < 0 {
			return fmt.Errorf("sources.%s.tolerance must be positive", name)
		}
		for i, g := range sc.Events {
			if _, err := path.Match(g, ""); err != nil {
				return fmt.Errorf("sources.%s.events[%d] %q: %w", name, i, g, err)
			}
		}
	}

	return nil
}
