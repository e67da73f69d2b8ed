// Package config provides configuration management for the relay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the relay.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Session  SessionConfig  `mapstructure:"session"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Backend  BackendConfig  `mapstructure:"backend"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// StorageConfig selects and configures the snapshot store.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite database file
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// SessionConfig holds per-session behavior knobs.
type SessionConfig struct {
	MaxMessageHistoryLength   int    `mapstructure:"max_message_history_length"`
	PendingMessageQueueMax    int    `mapstructure:"pending_message_queue_max_size"`
	IdleTimeoutMs             int    `mapstructure:"idle_timeout_ms"` // 0 disables the idle reaper
	DefaultAdapter            string `mapstructure:"default_adapter"`
	ProcessLogMaxLines        int    `mapstructure:"process_log_max_lines"`
	NameFromFirstTurnMaxRunes int    `mapstructure:"name_from_first_turn_max_runes"`
}

// RateLimitConfig holds the per-socket token bucket parameters.
type RateLimitConfig struct {
	TokensPerSecond float64 `mapstructure:"tokens_per_second"`
	BurstSize       int     `mapstructure:"burst_size"`
}

// ConsumerConfig holds consumer-facing gateway configuration.
type ConsumerConfig struct {
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	AuthTimeoutMs   int             `mapstructure:"auth_timeout_ms"`
	AuthToken       string          `mapstructure:"auth_token"` // empty means anonymous access
	MaxInboundBytes int64           `mapstructure:"max_inbound_bytes"`
}

// BackendConfig holds backend supervision configuration.
type BackendConfig struct {
	ReconnectGracePeriodMs int    `mapstructure:"reconnect_grace_period_ms"`
	RelaunchDedupMs        int    `mapstructure:"relaunch_dedup_ms"`
	InitializeTimeoutMs    int    `mapstructure:"initialize_timeout_ms"`
	PermissionTimeoutMs    int    `mapstructure:"permission_timeout_ms"`
	ProfilesPath           string `mapstructure:"profiles_path"` // adapter launch profiles YAML
}

// MCPConfig holds the embedded MCP introspection server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AuthTimeout returns the consumer authentication timeout.
func (c *ConsumerConfig) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the idle session reap timeout. Zero disables reaping.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// ReconnectGracePeriod returns how long a session may sit in "starting"
// before the watchdog relaunches it.
func (b *BackendConfig) ReconnectGracePeriod() time.Duration {
	return time.Duration(b.ReconnectGracePeriodMs) * time.Millisecond
}

// RelaunchDedupWindow returns the window during which duplicate relaunch
// requests for the same session are ignored.
func (b *BackendConfig) RelaunchDedupWindow() time.Duration {
	return time.Duration(b.RelaunchDedupMs) * time.Millisecond
}

// InitializeTimeout returns the capabilities handshake timeout.
func (b *BackendConfig) InitializeTimeout() time.Duration {
	return time.Duration(b.InitializeTimeoutMs) * time.Millisecond
}

// PermissionTimeout returns how long a permission request may stay pending
// before it is denied.
func (b *BackendConfig) PermissionTimeout() time.Duration {
	return time.Duration(b.PermissionTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "agentrelay")
	v.SetDefault("nats.max_reconnects", 10)

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./agentrelay.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 25)
	v.SetDefault("storage.min_conns", 5)

	// Session defaults
	v.SetDefault("session.max_message_history_length", 1000)
	v.SetDefault("session.pending_message_queue_max_size", 100)
	v.SetDefault("session.idle_timeout_ms", 0)
	v.SetDefault("session.default_adapter", "claude")
	v.SetDefault("session.process_log_max_lines", 500)
	v.SetDefault("session.name_from_first_turn_max_runes", 80)

	// Consumer defaults
	v.SetDefault("consumer.rate_limit.tokens_per_second", 50.0)
	v.SetDefault("consumer.rate_limit.burst_size", 20)
	v.SetDefault("consumer.auth_timeout_ms", 5000)
	v.SetDefault("consumer.auth_token", "")
	v.SetDefault("consumer.max_inbound_bytes", 256*1024)

	// Backend defaults
	v.SetDefault("backend.reconnect_grace_period_ms", 5000)
	v.SetDefault("backend.relaunch_dedup_ms", 2000)
	v.SetDefault("backend.initialize_timeout_ms", 5000)
	v.SetDefault("backend.permission_timeout_ms", 120000)
	v.SetDefault("backend.profiles_path", "")

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentrelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short aliases for the most commonly overridden options.
	_ = v.BindEnv("server.port", "RELAY_PORT", "RELAY_SERVER_PORT")
	_ = v.BindEnv("storage.path", "RELAY_DB_PATH", "RELAY_STORAGE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentrelay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, postgres")
	}

	if cfg.Session.MaxMessageHistoryLength <= 0 {
		errs = append(errs, "session.max_message_history_length must be positive")
	}
	if cfg.Session.PendingMessageQueueMax <= 0 {
		errs = append(errs, "session.pending_message_queue_max_size must be positive")
	}
	if cfg.Session.IdleTimeoutMs < 0 {
		errs = append(errs, "session.idle_timeout_ms must not be negative")
	}
	if cfg.Session.DefaultAdapter == "" {
		errs = append(errs, "session.default_adapter must not be empty")
	}

	if cfg.Consumer.RateLimit.TokensPerSecond <= 0 {
		errs = append(errs, "consumer.rate_limit.tokens_per_second must be positive")
	}
	if cfg.Consumer.RateLimit.BurstSize <= 0 {
		errs = append(errs, "consumer.rate_limit.burst_size must be positive")
	}
	if cfg.Consumer.AuthTimeoutMs <= 0 {
		errs = append(errs, "consumer.auth_timeout_ms must be positive")
	}
	if cfg.Consumer.MaxInboundBytes <= 0 {
		errs = append(errs, "consumer.max_inbound_bytes must be positive")
	}

	if cfg.Backend.ReconnectGracePeriodMs <= 0 {
		errs = append(errs, "backend.reconnect_grace_period_ms must be positive")
	}
	if cfg.Backend.RelaunchDedupMs <= 0 {
		errs = append(errs, "backend.relaunch_dedup_ms must be positive")
	}
	if cfg.Backend.InitializeTimeoutMs <= 0 {
		errs = append(errs, "backend.initialize_timeout_ms must be positive")
	}
	if cfg.Backend.PermissionTimeoutMs <= 0 {
		errs = append(errs, "backend.permission_timeout_ms must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
