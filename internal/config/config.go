// Package config loads and validates the fleetsync YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath returns the default config file location,
// $XDG_CONFIG_HOME/fleetsync/config.yaml (falling back to
// ~/.config/fleetsync/config.yaml).
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(dir, "fleetsync", "config.yaml"), nil
}

// Panel identifies a single control-plane panel (central or node) and its
// credentials.
type Panel struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// NormalizedURL returns p.URL with any trailing path separator trimmed. This
// is the panel's identity key throughout the rest of the system.
func (p Panel) NormalizedURL() string {
	return strings.TrimRight(p.URL, "/")
}

// NetConfig groups the PanelClient's network behavior.
type NetConfig struct {
	ParallelNodeCalls  bool `mapstructure:"parallel_node_calls"`
	MaxWorkers         int  `mapstructure:"max_workers"`
	RequestTimeout     int  `mapstructure:"request_timeout"`
	ValidateTTLSeconds int  `mapstructure:"validate_ttl_seconds"`
}

// RequestTimeoutDuration returns NetConfig.RequestTimeout as a time.Duration.
func (n NetConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(n.RequestTimeout) * time.Second
}

// ValidateTTL returns NetConfig.ValidateTTLSeconds as a time.Duration.
func (n NetConfig) ValidateTTL() time.Duration {
	return time.Duration(n.ValidateTTLSeconds) * time.Second
}

// DBConfig groups the StateStore's SQLite pragmas.
type DBConfig struct {
	WAL         bool   `mapstructure:"wal"`
	Synchronous string `mapstructure:"synchronous"`
	CacheSizeMB int    `mapstructure:"cache_size_mb"`
}

// TelemetryConfig holds optional OpenTelemetry settings, same shape as the
// teacher's telemetry block.
type TelemetryConfig struct {
	OTLPEndpoint string            `mapstructure:"otlp_endpoint"`
	Insecure     bool              `mapstructure:"insecure"`
	ServiceName  string            `mapstructure:"service_name"`
	Headers      map[string]string `mapstructure:"headers"`
}

// Config holds the full application configuration.
type Config struct {
	CentralServer       Panel            `mapstructure:"central_server"`
	Nodes               []Panel          `mapstructure:"nodes"`
	SyncIntervalMinutes int              `mapstructure:"sync_interval_minutes"`
	Net                 NetConfig        `mapstructure:"net"`
	DB                  DBConfig         `mapstructure:"db"`
	Telemetry           *TelemetryConfig `mapstructure:"telemetry"`
}

// Interval returns SyncIntervalMinutes as a time.Duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

// Load reads and validates the configuration file at path. Every field may
// be overridden by an environment variable whose name is the uppercased,
// dot-to-underscore-replaced mapstructure key path (e.g. net.max_workers ->
// NET_MAX_WORKERS).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("sync_interval_minutes", 1)
	v.SetDefault("net.parallel_node_calls", true)
	v.SetDefault("net.max_workers", 8)
	v.SetDefault("net.request_timeout", 10)
	v.SetDefault("net.validate_ttl_seconds", 60)
	v.SetDefault("db.wal", true)
	v.SetDefault("db.synchronous", "NORMAL")
	v.SetDefault("db.cache_size_mb", 20)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks required fields and normalizes defaults.
func (c *Config) validate() error {
	if c.CentralServer.URL == "" {
		return fmt.Errorf("central_server is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("nodes must contain at least one entry")
	}
	if c.SyncIntervalMinutes <= 0 {
		c.SyncIntervalMinutes = 1
	}
	if c.Net.MaxWorkers <= 0 {
		c.Net.MaxWorkers = 8
	}
	if c.Net.RequestTimeout <= 0 {
		c.Net.RequestTimeout = 10
	}
	if c.Net.ValidateTTLSeconds <= 0 {
		c.Net.ValidateTTLSeconds = 60
	}
	switch strings.ToUpper(c.DB.Synchronous) {
	case "FULL", "NORMAL", "OFF":
		c.DB.Synchronous = strings.ToUpper(c.DB.Synchronous)
	default:
		c.DB.Synchronous = "NORMAL"
	}
	if c.DB.CacheSizeMB <= 0 {
		c.DB.CacheSizeMB = 20
	}
	if c.Telemetry != nil && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
	}
	return nil
}
