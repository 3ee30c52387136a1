// ABOUTME: Configuration loading and parsing for kokino-broker
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete kokino-broker configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Monitor   MonitorConfig   `yaml:"monitor" toml:"monitor"`
	Messages  MessagesConfig  `yaml:"messages" toml:"messages"`
	Versions  VersionsConfig  `yaml:"versions" toml:"versions"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses. An empty grpc_addr disables gRPC.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration. When enabled the HTTP
// API listens on the tailnet instead of server.http_addr.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. Auth is off when the
// secret is empty.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AgentsConfig holds agent liveness timing
type AgentsConfig struct {
	DefaultHeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	SweepInterval            time.Duration `yaml:"-" toml:"-"`
	OfflineMultiplier        int           `yaml:"offline_multiplier" toml:"offline_multiplier"`

	// Raw string values for unmarshaling
	DefaultHeartbeatIntervalRaw string `yaml:"default_heartbeat_interval" toml:"default_heartbeat_interval"`
	SweepIntervalRaw            string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// EventsConfig bounds the in-memory event log
type EventsConfig struct {
	RetentionCount    int           `yaml:"retention_count" toml:"retention_count"`
	RetentionDuration time.Duration `yaml:"-" toml:"-"`

	RetentionDurationRaw string `yaml:"retention_duration" toml:"retention_duration"`
}

// MonitorConfig tunes observer streams
type MonitorConfig struct {
	QueueSize    int           `yaml:"queue_size" toml:"queue_size"`
	PingInterval time.Duration `yaml:"-" toml:"-"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// MessagesConfig holds message retention and idempotency settings. A zero
// retention keeps messages forever.
type MessagesConfig struct {
	Retention      time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`

	RetentionRaw      string `yaml:"retention" toml:"retention"`
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// VersionsConfig holds CLI version log retention. Zero keeps records forever.
type VersionsConfig struct {
	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// NATSConfig enables the event mirror when URL is set
type NATSConfig struct {
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
	Token         string `yaml:"token" toml:"token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:5050"},
		Database: DatabaseConfig{Path: "kokino.db"},
	}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Agents.DefaultHeartbeatInterval == 0 {
		cfg.Agents.DefaultHeartbeatInterval = 30 * time.Second
	}
	if cfg.Agents.SweepInterval == 0 {
		cfg.Agents.SweepInterval = 5 * time.Second
	}
	if cfg.Agents.OfflineMultiplier == 0 {
		cfg.Agents.OfflineMultiplier = 3
	}
	if cfg.Events.RetentionCount == 0 {
		cfg.Events.RetentionCount = 10_000
	}
	if cfg.Monitor.QueueSize == 0 {
		cfg.Monitor.QueueSize = 256
	}
	if cfg.Monitor.PingInterval == 0 {
		cfg.Monitor.PingInterval = 54 * time.Second
	}
	if cfg.Messages.IdempotencyTTL == 0 {
		cfg.Messages.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.NATS.URL != "" && cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "kokino.events"
	}
	if cfg.Tailscale.Enabled && cfg.Tailscale.Hostname == "" {
		cfg.Tailscale.Hostname = "kokino"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Agents.DefaultHeartbeatInterval < 0 || c.Agents.SweepInterval < 0 {
		return errors.New("agents intervals must be positive")
	}
	if c.Agents.OfflineMultiplier < 2 {
		return fmt.Errorf("agents.offline_multiplier must be at least 2, got %d", c.Agents.OfflineMultiplier)
	}

	if c.Events.RetentionCount < 0 || c.Events.RetentionDuration < 0 {
		return errors.New("events retention must not be negative")
	}
	if c.Monitor.QueueSize < 0 {
		return errors.New("monitor.queue_size must not be negative")
	}
	if c.Messages.Retention < 0 || c.Versions.Retention < 0 {
		return errors.New("retention must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "console":
	default:
		return fmt.Errorf("logging.format must be text, json or console, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.default_heartbeat_interval", cfg.Agents.DefaultHeartbeatIntervalRaw, &cfg.Agents.DefaultHeartbeatInterval},
		{"agents.sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"events.retention_duration", cfg.Events.RetentionDurationRaw, &cfg.Events.RetentionDuration},
		{"monitor.ping_interval", cfg.Monitor.PingIntervalRaw, &cfg.Monitor.PingInterval},
		{"messages.retention", cfg.Messages.RetentionRaw, &cfg.Messages.Retention},
		{"messages.idempotency_ttl", cfg.Messages.IdempotencyTTLRaw, &cfg.Messages.IdempotencyTTL},
		{"versions.retention", cfg.Versions.RetentionRaw, &cfg.Versions.Retention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath returns the config file location: $KOKINO_CONFIG if set,
// otherwise kokino/broker.yaml under the user config directory.
func DefaultPath() string {
	if p := os.Getenv("KOKINO_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "broker.yaml"
	}
	return filepath.Join(dir, "kokino", "broker.yaml")
}
