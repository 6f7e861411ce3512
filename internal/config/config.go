package config

import "time"

// Config is the complete application configuration. Values come from
// registered defaults, an optional YAML file and CQLDASH_* environment
// variables, in increasing precedence.
type Config struct {
	GitHub   GitHubConfig   `mapstructure:"github"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
}

// GitHubConfig identifies the API and the organization being watched.
type GitHubConfig struct {
	BaseURL string `mapstructure:"base_url"`

	// Token falls back to GITHUB_TOKEN when unset.
	Token string `mapstructure:"token"`

	Org string `mapstructure:"org"`

	// Tenant scopes gateway cache and rate-limit state. It defaults to
	// Org, or DefaultTenant when no org is set.
	Tenant string `mapstructure:"tenant"`

	// Workflow is the CodeQL workflow file tracked and dispatched.
	Workflow string `mapstructure:"workflow"`
}

// GatewayConfig tunes the request gateway.
type GatewayConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	CacheEnabled bool          `mapstructure:"cache_enabled"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RealtimeConfig configures the streaming connection. An empty URL
// disables it.
type RealtimeConfig struct {
	URL                  string        `mapstructure:"url"`
	Protocols            []string      `mapstructure:"protocols"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
}

// SyncConfig tunes event batching and the periodic repository refresh.
type SyncConfig struct {
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`

	// PollInterval of zero disables periodic refresh in serve.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// WebhookConfig controls GitHub webhook ingress on the HTTP server.
type WebhookConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// RequireSignature rejects deliveries without X-Hub-Signature-256.
	// Signatures themselves are verified upstream.
	RequireSignature bool `mapstructure:"require_signature"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects console (simple) or JSON (structured) output
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
