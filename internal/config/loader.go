// Package config provides centralized configuration management for the
// dashboard. Defaults are registered on a viper instance, overlaid by an
// optional YAML file and CQLDASH_* environment variables, then decoded
// into Config with mapstructure.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// AppName names the XDG config directory.
	AppName = "codeql-dashboard"

	// EnvPrefix prefixes every environment override, e.g.
	// CQLDASH_GITHUB_ORG or CQLDASH_SYNC_BATCH_SIZE.
	EnvPrefix = "CQLDASH"

	// DefaultTenant is the gateway tenant when neither github.tenant nor
	// github.org is set.
	DefaultTenant = "default"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers every configuration key on v. Keys without a
// default are invisible to environment overrides.
func SetDefaults(v *viper.Viper) {
	// GitHub defaults
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.token", "")
	v.SetDefault("github.org", "")
	v.SetDefault("github.tenant", "")
	v.SetDefault("github.workflow", "codeql.yml")

	// Gateway defaults
	v.SetDefault("gateway.concurrency", 5)
	v.SetDefault("gateway.default_ttl", "60s")
	v.SetDefault("gateway.cache_enabled", true)
	v.SetDefault("gateway.timeout", "30s")

	// Realtime defaults
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.protocols", []string{})
	v.SetDefault("realtime.reconnect_interval", "1s")
	v.SetDefault("realtime.max_reconnect_attempts", 5)
	v.SetDefault("realtime.heartbeat_interval", "30s")
	v.SetDefault("realtime.connection_timeout", "10s")

	// Synchronizer defaults
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.batch_delay", "100ms")
	v.SetDefault("sync.poll_interval", "5m")

	// Webhook defaults
	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.require_signature", true)

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)
}

// BindEnv maps CQLDASH_SECTION_KEY variables onto section.key.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes every setting visible to v into a Config, validates it
// and stores it as the current configuration.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.GitHub.Token) == "" {
		cfg.GitHub.Token = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	}
	cfg.GitHub.Tenant = tenantKey(cfg.GitHub)
	cfg.Realtime.Protocols = compact(cfg.Realtime.Protocols)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// tenantKey picks the gateway tenant: github.tenant, else the org login,
// else DefaultTenant.
func tenantKey(gh GitHubConfig) string {
	if tenant := strings.TrimSpace(gh.Tenant); tenant != "" {
		return tenant
	}
	if org := strings.TrimSpace(gh.Org); org != "" {
		return org
	}
	return DefaultTenant
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.GitHub.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("github.base_url: %w", err))
	}
	if c.Gateway.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("gateway.concurrency must be positive, got %d", c.Gateway.Concurrency))
	}
	if c.Gateway.DefaultTTL < 0 {
		errs = append(errs, errors.New("gateway.default_ttl must not be negative"))
	}
	if c.Realtime.URL != "" {
		u, err := url.Parse(c.Realtime.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("realtime.url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("realtime.url must use ws or wss, got %q", u.Scheme))
		}
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("realtime.max_reconnect_attempts must not be negative"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize))
	}
	if c.Sync.PollInterval < 0 {
		errs = append(errs, errors.New("sync.poll_interval must not be negative"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// UserConfigPaths returns the XDG config file candidates.
func UserConfigPaths() []string {
	return gfconfig.GetAppConfigPaths(AppName)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultYAML renders the registered defaults as a config file. The
// token is left out so the file is safe to commit.
func DefaultYAML() ([]byte, error) {
	v := viper.New()
	SetDefaults(v)
	settings := v.AllSettings()
	if gh, ok := settings["github"].(map[string]any); ok {
		delete(gh, "token")
	}

	var buf strings.Builder
	buf.WriteString("# codeql-dashboard configuration\n")
	buf.WriteString("# Environment variables override these values, e.g. CQLDASH_GITHUB_ORG.\n")
	buf.WriteString("# The GitHub token is read from CQLDASH_GITHUB_TOKEN or GITHUB_TOKEN.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return nil, fmt.Errorf("failed to render defaults: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
