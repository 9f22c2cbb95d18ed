package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds server configuration.
type Config struct {
	Env       string `yaml:"env"`
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Database     DatabaseConfig     `yaml:"database"`
	RedisAddr    string             `yaml:"redis_addr"`
	Signing      SigningConfig      `yaml:"signing"`
	Policy       PolicyConfig       `yaml:"policy"`
	Audit        AuditConfig        `yaml:"audit"`
	SandboxTTL   time.Duration      `yaml:"sandbox_ttl"`
	Revalidation RevalidationConfig `yaml:"revalidation"`
	Runtime      RuntimeConfig      `yaml:"runtime"`

	JWTSecret      string  `yaml:"jwt_secret"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	OTel OTelConfig `yaml:"otel"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// SigningConfig selects the proof signing key source. Key wins over
// KeystorePath.
type SigningConfig struct {
	Key          string `yaml:"key"`
	KeystorePath string `yaml:"keystore_path"`
	Algorithm    string `yaml:"algorithm"`
}

// PolicyConfig selects where workspace policy comes from. BundleDir wins
// over RemoteURL. With neither set every workspace gets an empty rule set.
type PolicyConfig struct {
	BundleDir      string        `yaml:"bundle_dir"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
	RemoteURL      string        `yaml:"remote_url"`
	RemoteToken    string        `yaml:"remote_token"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

type AuditConfig struct {
	RingSize  int  `yaml:"ring_size"`
	QueueSize int  `yaml:"queue_size"`
	Mirror    bool `yaml:"mirror"`
}

type RevalidationConfig struct {
	Target      string `yaml:"target"`
	Concurrency int    `yaml:"concurrency"`
}

// RuntimeConfig points at the remote executor. Empty means agents only run
// embedded.
type RuntimeConfig struct {
	RemoteURL string `yaml:"remote_url"`
}

type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns the development configuration.
func Defaults() *Config {
	return &Config{
		Env:       EnvDevelopment,
		Port:      "8080",
		LogLevel:  "INFO",
		LogFormat: "json",
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			URL:    "agentgov.db",
		},
		Signing: SigningConfig{Algorithm: contracts.AlgHMACSHA256},
		Policy: PolicyConfig{
			ReloadInterval: 10 * time.Second,
			CacheTTL:       30 * time.Second,
		},
		Audit:          AuditConfig{RingSize: 1000, QueueSize: 1024},
		SandboxTTL:     30 * 24 * time.Hour,
		Revalidation:   RevalidationConfig{Target: string(contracts.StatusArchived), Concurrency: 8},
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		OTel:           OTelConfig{Endpoint: "localhost:4317"},
	}
}

// Load loads configuration from environment variables over Defaults.
func Load() (*Config, error) {
	cfg := Defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("AGENTGOV_ENV", &c.Env)
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("AGENTGOV_SIGNING_KEY", &c.Signing.Key)
	str("AGENTGOV_KEYSTORE_PATH", &c.Signing.KeystorePath)
	str("AGENTGOV_SIGNING_ALG", &c.Signing.Algorithm)
	str("POLICY_BUNDLE_DIR", &c.Policy.BundleDir)
	dur("POLICY_RELOAD_INTERVAL", &c.Policy.ReloadInterval)
	str("POLICY_REMOTE_URL", &c.Policy.RemoteURL)
	str("POLICY_REMOTE_TOKEN", &c.Policy.RemoteToken)
	dur("POLICY_CACHE_TTL", &c.Policy.CacheTTL)
	num("AUDIT_RING_SIZE", &c.Audit.RingSize)
	num("AUDIT_QUEUE_SIZE", &c.Audit.QueueSize)
	flag("AUDIT_MIRROR", &c.Audit.Mirror)
	dur("SANDBOX_TTL", &c.SandboxTTL)
	str("REVALIDATION_TARGET", &c.Revalidation.Target)
	num("REVALIDATION_CONCURRENCY", &c.Revalidation.Concurrency)
	str("RUNTIME_REMOTE_URL", &c.Runtime.RemoteURL)
	str("JWT_SECRET", &c.JWTSecret)
	num("RATE_LIMIT_BURST", &c.RateLimitBurst)
	flag("OTEL_ENABLED", &c.OTel.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTel.Endpoint)

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimitRPS = f
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// IsProduction reports whether Env is production.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// SlogLevel parses LogLevel, defaulting to INFO.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Validate rejects inconsistent configurations.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		fail("env %q must be development, staging or production", c.Env)
	}
	if c.Port == "" {
		fail("port is required")
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		fail("log level %q: %v", c.LogLevel, err)
	}
	if f := strings.ToLower(c.LogFormat); f != "json" && f != "text" {
		fail("log format %q must be json or text", c.LogFormat)
	}

	switch c.Database.Driver {
	case DriverMemory:
		if c.IsProduction() {
			fail("database driver memory is not allowed in production")
		}
	case DriverSQLite, DriverPostgres:
		if c.Database.URL == "" {
			fail("database url is required for driver %s", c.Database.Driver)
		}
	default:
		fail("database driver %q must be memory, sqlite or postgres", c.Database.Driver)
	}

	switch c.Signing.Algorithm {
	case "", contracts.AlgHMACSHA256, contracts.AlgEd25519:
	default:
		fail("signing algorithm %q is not supported", c.Signing.Algorithm)
	}
	if c.IsProduction() && c.Signing.Key == "" && c.Signing.KeystorePath == "" {
		fail("production requires a signing key or keystore")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		fail("production requires a JWT secret")
	}

	if c.Policy.BundleDir != "" && c.Policy.ReloadInterval < 0 {
		fail("policy reload interval must not be negative")
	}
	if c.Policy.CacheTTL < 0 {
		fail("policy cache ttl must not be negative")
	}
	if c.Audit.RingSize < 1 || c.Audit.QueueSize < 1 {
		fail("audit ring and queue sizes must be positive")
	}
	if c.SandboxTTL <= 0 {
		fail("sandbox ttl must be positive")
	}
	if !contracts.GovernanceStatus(c.Revalidation.Target).Invalidated() {
		fail("revalidation target %q must be ARCHIVED or GOVERNED_INVALIDATED", c.Revalidation.Target)
	}
	if c.Revalidation.Concurrency < 1 {
		fail("revalidation concurrency must be at least 1")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		fail("rate limits must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
