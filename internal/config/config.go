// Package config loads the broker's runtime profile from ARQONBUS_*
// environment variables, layers optional YAML policy files on top, and
// gates unsafe profiles before the server starts.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Runtime profiles.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Storage modes. Degraded mode falls back to the in-memory backend when the
// configured backend is unreachable; strict mode refuses to run without it.
const (
	StorageModeDegraded = "degraded"
	StorageModeStrict   = "strict"
)

// Config is the full runtime profile. Every field maps to one ARQONBUS_*
// variable; defaults suit local development.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Security  SecurityConfig
	Telemetry TelemetryConfig
	RateLimit RateLimitConfig
	Webhooks  WebhooksConfig
	Cron      CronConfig
	Omega     OmegaConfig
	CASIL     CASILConfig

	Environment string `env:"ARQONBUS_ENVIRONMENT" envDefault:"development"`
	Debug       bool   `env:"ARQONBUS_DEBUG" envDefault:"false"`

	// PreflightStrict forces the production start-up checks in any
	// environment. Staging and production imply it.
	PreflightStrict bool `env:"ARQONBUS_PREFLIGHT_STRICT" envDefault:"false"`

	// RequireDualStack demands both the hot (redis) and durable (postgres)
	// stack URLs in production. On by default there, overridable for
	// single-stack deployments.
	RequireDualStack bool `env:"ARQONBUS_REQUIRE_DUAL_STACK" envDefault:"true"`
}

// ServerConfig covers the WebSocket listener and wire protocol.
type ServerConfig struct {
	Host           string        `env:"ARQONBUS_SERVER_HOST" envDefault:"127.0.0.1"`
	Port           int           `env:"ARQONBUS_SERVER_PORT" envDefault:"8765"`
	MaxConnections int           `env:"ARQONBUS_MAX_CONNECTIONS" envDefault:"1000"`
	MaxMessageSize int64         `env:"ARQONBUS_MAX_MESSAGE_SIZE" envDefault:"1048576"`
	PingInterval   time.Duration `env:"ARQONBUS_PING_INTERVAL" envDefault:"20s"`

	// WireFormat is "json" or "binary". Staging and production refuse to
	// start on the JSON wire.
	WireFormat string `env:"ARQONBUS_WIRE_FORMAT" envDefault:"json"`

	// MonitoringPort serves /healthz, /stats and /metrics over plain HTTP.
	// Zero disables the listener.
	MonitoringPort int `env:"ARQONBUS_MONITORING_PORT" envDefault:"9765"`
}

// StorageConfig selects the history backend and its failure posture.
type StorageConfig struct {
	Backend           string `env:"ARQONBUS_STORAGE_BACKEND" envDefault:"memory"`
	Mode              string `env:"ARQONBUS_STORAGE_MODE" envDefault:"degraded"`
	MaxHistorySize    int    `env:"ARQONBUS_MAX_HISTORY_SIZE" envDefault:"10000"`
	EnablePersistence bool   `env:"ARQONBUS_ENABLE_PERSISTENCE" envDefault:"false"`
}

// RedisConfig covers the hot shared-state stack (streams, consumer groups).
type RedisConfig struct {
	// URL wins over Host/Port when set, e.g. redis://127.0.0.1:6379/0.
	URL          string        `env:"ARQONBUS_REDIS_URL"`
	Host         string        `env:"ARQONBUS_REDIS_HOST" envDefault:"localhost"`
	Port         int           `env:"ARQONBUS_REDIS_PORT" envDefault:"6379"`
	Password     string        `env:"ARQONBUS_REDIS_PASSWORD"`
	DB           int           `env:"ARQONBUS_REDIS_DB" envDefault:"0"`
	PoolSize     int           `env:"ARQONBUS_REDIS_POOL_SIZE" envDefault:"10"`
	Timeout      time.Duration `env:"ARQONBUS_REDIS_TIMEOUT" envDefault:"5s"`
	SSL          bool          `env:"ARQONBUS_REDIS_SSL" envDefault:"false"`
	StreamPrefix string        `env:"ARQONBUS_REDIS_STREAM_PREFIX" envDefault:"arqonbus"`
}

// PostgresConfig covers the durable-state stack.
type PostgresConfig struct {
	URL          string `env:"ARQONBUS_DATABASE_URL"`
	MaxOpenConns int    `env:"ARQONBUS_DATABASE_MAX_OPEN_CONNS" envDefault:"10"`
	Table        string `env:"ARQONBUS_DATABASE_TABLE" envDefault:"arqonbus_messages"`
}

// SecurityConfig covers edge authentication and operator capability tokens.
type SecurityConfig struct {
	EnableAuth bool   `env:"ARQONBUS_ENABLE_AUTH" envDefault:"false"`
	AuthSecret string `env:"ARQONBUS_AUTH_SECRET"`
	// Leeway tolerates clock skew on exp/nbf/iat claims.
	AuthLeeway time.Duration `env:"ARQONBUS_AUTH_LEEWAY" envDefault:"30s"`

	// OperatorToken authorizes operator.join. Empty means joins require no
	// token; set one to restrict who may register as an operator.
	OperatorToken string `env:"ARQONBUS_OPERATOR_TOKEN"`
}

// TelemetryConfig covers the internal event emitter.
type TelemetryConfig struct {
	Enabled       bool          `env:"ARQONBUS_ENABLE_TELEMETRY" envDefault:"true"`
	Room          string        `env:"ARQONBUS_TELEMETRY_ROOM" envDefault:"arqonbus.telemetry"`
	Channel       string        `env:"ARQONBUS_TELEMETRY_CHANNEL" envDefault:"telemetry-stream"`
	BufferSize    int           `env:"ARQONBUS_TELEMETRY_BUFFER" envDefault:"100"`
	FlushInterval time.Duration `env:"ARQONBUS_TELEMETRY_FLUSH_INTERVAL" envDefault:"5s"`
}

// RateLimitConfig covers the per-client inbound message limiter.
type RateLimitConfig struct {
	Enabled   bool `env:"ARQONBUS_RATE_LIMIT_ENABLED" envDefault:"true"`
	PerMinute int  `env:"ARQONBUS_RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	// Burst multiplies PerMinute for short spikes.
	BurstFactor float64 `env:"ARQONBUS_RATE_LIMIT_BURST" envDefault:"2.0"`
}

// WebhooksConfig covers outbound HTTP fan-out of routed messages.
type WebhooksConfig struct {
	Enabled     bool          `env:"ARQONBUS_WEBHOOKS_ENABLED" envDefault:"true"`
	Workers     int           `env:"ARQONBUS_WEBHOOK_WORKERS" envDefault:"5"`
	Timeout     time.Duration `env:"ARQONBUS_WEBHOOK_TIMEOUT" envDefault:"10s"`
	MaxRetries  int           `env:"ARQONBUS_WEBHOOK_MAX_RETRIES" envDefault:"3"`
	MaxFailures int           `env:"ARQONBUS_WEBHOOK_MAX_FAILURES" envDefault:"10"`
}

// CronConfig covers client-scheduled command execution.
type CronConfig struct {
	Enabled    bool `env:"ARQONBUS_CRON_ENABLED" envDefault:"true"`
	MaxPerUser int  `env:"ARQONBUS_CRON_MAX_PER_CLIENT" envDefault:"20"`
}

// OmegaConfig covers the experimental container execution lane.
type OmegaConfig struct {
	Enabled       bool          `env:"ARQONBUS_OMEGA_ENABLED" envDefault:"false"`
	Image         string        `env:"ARQONBUS_OMEGA_IMAGE" envDefault:"arqonbus/omega-task:latest"`
	CPULimit      float64       `env:"ARQONBUS_OMEGA_CPU_LIMIT" envDefault:"0.5"`
	MemoryLimit   int64         `env:"ARQONBUS_OMEGA_MEMORY_LIMIT" envDefault:"268435456"`
	RunTimeout    time.Duration `env:"ARQONBUS_OMEGA_RUN_TIMEOUT" envDefault:"30s"`
	LabRoom       string        `env:"ARQONBUS_OMEGA_LAB_ROOM" envDefault:"omega-lab"`
	LabChannel    string        `env:"ARQONBUS_OMEGA_LAB_CHANNEL" envDefault:"events"`
	MaxEvents     int           `env:"ARQONBUS_OMEGA_MAX_EVENTS" envDefault:"500"`
	MaxSubstrates int           `env:"ARQONBUS_OMEGA_MAX_SUBSTRATES" envDefault:"16"`
}

// Load reads the profile from a .env file (when present) and the process
// environment, then validates it. Environment variables win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded configuration overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations. Preflight is separate: Validate
// rejects nonsense in any profile, preflight rejects unsafe-but-wellformed
// profiles in staging/prod.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("ARQONBUS_SERVER_PORT must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("ARQONBUS_MAX_CONNECTIONS must be > 0, got %d", c.Server.MaxConnections)
	}
	if c.Server.MaxMessageSize < 1024 {
		return fmt.Errorf("ARQONBUS_MAX_MESSAGE_SIZE must be >= 1024, got %d", c.Server.MaxMessageSize)
	}
	if c.Server.WireFormat != "json" && c.Server.WireFormat != "binary" {
		return fmt.Errorf("ARQONBUS_WIRE_FORMAT must be json or binary, got %q", c.Server.WireFormat)
	}

	switch c.Storage.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("ARQONBUS_STORAGE_BACKEND must be one of: memory, redis, postgres (got %q)", c.Storage.Backend)
	}
	if c.Storage.Mode != StorageModeDegraded && c.Storage.Mode != StorageModeStrict {
		return fmt.Errorf("ARQONBUS_STORAGE_MODE must be degraded or strict, got %q", c.Storage.Mode)
	}
	if c.Storage.MaxHistorySize < 1 {
		return fmt.Errorf("ARQONBUS_MAX_HISTORY_SIZE must be > 0, got %d", c.Storage.MaxHistorySize)
	}

	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("ARQONBUS_ENVIRONMENT must be one of: development, staging, production (got %q)", c.Environment)
	}

	if c.Security.EnableAuth && c.Security.AuthSecret == "" {
		return fmt.Errorf("ARQONBUS_AUTH_SECRET is required when ARQONBUS_ENABLE_AUTH is true")
	}
	if c.RateLimit.Enabled && c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("ARQONBUS_RATE_LIMIT_PER_MINUTE must be > 0, got %d", c.RateLimit.PerMinute)
	}

	if err := c.CASIL.Validate(); err != nil {
		return err
	}
	return nil
}

// IsProduction reports the production profile.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// IsStaging reports the staging profile.
func (c *Config) IsStaging() bool { return c.Environment == EnvStaging }

// StrictProfile reports whether preflight gating applies.
func (c *Config) StrictProfile() bool {
	return c.PreflightStrict || c.IsProduction() || c.IsStaging()
}

// ListenAddr returns host:port for the WebSocket listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MonitoringAddr returns host:port for the HTTP monitoring listener, or ""
// when monitoring is disabled.
func (c *Config) MonitoringAddr() string {
	if c.Server.MonitoringPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.MonitoringPort)
}

// RedisAddr returns the host:port pair for direct dialing when no URL is set.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogProfile emits the effective profile at start-up, secrets elided.
func (c *Config) LogProfile(log *slog.Logger) {
	log.Info("runtime profile loaded",
		"environment", c.Environment,
		"listen", c.ListenAddr(),
		"wire_format", c.Server.WireFormat,
		"max_connections", c.Server.MaxConnections,
		"storage_backend", c.Storage.Backend,
		"storage_mode", c.Storage.Mode,
		"auth_enabled", c.Security.EnableAuth,
		"casil_enabled", c.CASIL.Enabled,
		"casil_mode", c.CASIL.Mode,
		"telemetry_enabled", c.Telemetry.Enabled,
		"omega_enabled", c.Omega.Enabled,
	)
}
