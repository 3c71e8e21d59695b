package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvDBConnection  = "DB_CONNECTION"
	EnvEncryptionKey = "RELAY_ENCRYPTION_KEY"
	EnvManagementKey = "RELAY_MANAGEMENT_KEY"
)

// Config holds the resolved relay configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Database   DatabaseConfig              `yaml:"database"`
	Encryption EncryptionConfig            `yaml:"encryption"`
	Management ManagementConfig            `yaml:"management"`
	OAuth      OAuthConfig                 `yaml:"oauth"`
	Health     HealthConfig                `yaml:"health"`
	Upstream   UpstreamConfig              `yaml:"upstream"`
	RateLimit  RateLimitConfig             `yaml:"rate-limit"`
	Logging    LoggingConfig               `yaml:"logging"`
	Pricing    map[string]ModelPriceConfig `yaml:"pricing"`
}

// ServerConfig holds listen settings for the relay HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"` // Listen port, default 8318.
}

// DatabaseConfig holds the database DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// EncryptionConfig holds the key protecting credentials at rest.
type EncryptionConfig struct {
	Key string `yaml:"key"` // 32-byte key, hex or raw; env RELAY_ENCRYPTION_KEY overrides.
}

// ManagementConfig guards the management endpoints.
type ManagementConfig struct {
	Key string `yaml:"key"` // Bearer key for /v0/management; env RELAY_MANAGEMENT_KEY overrides.
}

// OAuthConfig tunes the token refresh sweep.
type OAuthConfig struct {
	RefreshInterval  time.Duration `yaml:"refresh-interval"`  // Sweep interval, default 5m.
	RefreshThreshold time.Duration `yaml:"refresh-threshold"` // Refresh when less remains, default 5m.
	SessionTTL       time.Duration `yaml:"session-ttl"`       // PKCE session lifetime, default 10m.
}

// HealthConfig tunes the health check sweep.
type HealthConfig struct {
	Interval           time.Duration `yaml:"interval"`            // Sweep interval, default 5m.
	TransientThreshold int           `yaml:"transient-threshold"` // Consecutive transient failures before ERROR, default 3.
}

// UpstreamConfig tunes upstream HTTP behaviour.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base-url"`        // Default https://api.anthropic.com.
	RequestTimeout time.Duration `yaml:"request-timeout"` // Non-streaming timeout, default 60s.
	IdleTimeout    time.Duration `yaml:"idle-timeout"`    // Per-chunk streaming idle timeout, default 90s.
}

// RateLimitConfig configures the per-API-key fixed window limiter.
type RateLimitConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RedisAddr     string `yaml:"redis-addr"`
	RedisPassword string `yaml:"redis-password"`
	RedisDB       int    `yaml:"redis-db"`
	RedisPrefix   string `yaml:"redis-prefix"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // trace|debug|info|warn|error, default info.
	File       string `yaml:"file"`        // Optional rotating log file path.
	MaxSizeMB  int    `yaml:"max-size-mb"` // Rotation size, default 100.
	MaxBackups int    `yaml:"max-backups"` // Rotated files kept, default 3.
}

// ModelPriceConfig overrides a pricing table row (USD per 1K tokens).
type ModelPriceConfig struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheWrite float64 `yaml:"cache-write"`
	CacheRead  float64 `yaml:"cache-read"`
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads the YAML config file and applies env overrides and defaults.
// A missing file is not an error; env-only configuration is supported.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	} else if !os.IsNotExist(errRead) {
		return nil, fmt.Errorf("read config file: %w", errRead)
	}

	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if key := strings.TrimSpace(os.Getenv(EnvEncryptionKey)); key != "" {
		cfg.Encryption.Key = key
	}
	if key := strings.TrimSpace(os.Getenv(EnvManagementKey)); key != "" {
		cfg.Management.Key = key
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		c.Server.Port = 8318
	}
	if c.OAuth.RefreshInterval <= 0 {
		c.OAuth.RefreshInterval = 5 * time.Minute
	}
	if c.OAuth.RefreshThreshold <= 0 {
		c.OAuth.RefreshThreshold = 5 * time.Minute
	}
	if c.OAuth.SessionTTL <= 0 {
		c.OAuth.SessionTTL = 10 * time.Minute
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 5 * time.Minute
	}
	if c.Health.TransientThreshold <= 0 {
		c.Health.TransientThreshold = 3
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		c.Upstream.BaseURL = "https://api.anthropic.com"
	}
	if c.Upstream.RequestTimeout <= 0 {
		c.Upstream.RequestTimeout = 60 * time.Second
	}
	if c.Upstream.IdleTimeout <= 0 {
		c.Upstream.IdleTimeout = 90 * time.Second
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 3
	}
}

// ErrMissingDatabaseDSN is returned when no database DSN could be resolved.
var ErrMissingDatabaseDSN = fmt.Errorf("missing database dsn (set `database.dsn` in config file or env %s)", EnvDBConnection)

// DatabaseDSN returns the resolved DSN or ErrMissingDatabaseDSN.
func (c *Config) DatabaseDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}
