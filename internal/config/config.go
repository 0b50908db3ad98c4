// ABOUTME: Configuration loading and parsing for minecloud
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete minecloud configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Bus       BusConfig       `yaml:"bus" toml:"bus"`
	Stream    StreamConfig    `yaml:"stream" toml:"stream"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" toml:"lifecycle"`
	Provider  ProviderConfig  `yaml:"provider" toml:"provider"`
	Jobs      JobsConfig      `yaml:"jobs" toml:"jobs"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration.
// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// Bus backends and brokers
const (
	BusBackendCache  = "cache"
	BusBackendNotify = "notify"

	CacheMemory = "memory"
	CacheSQLite = "sqlite"

	BrokerMemory   = "memory"
	BrokerPostgres = "postgres"
)

// BusConfig selects and tunes the event bus backend
type BusConfig struct {
	Backend      string        `yaml:"backend" toml:"backend"`
	Cache        string        `yaml:"cache" toml:"cache"`
	CacheKey     string        `yaml:"cache_key" toml:"cache_key"`
	Broker       string        `yaml:"broker" toml:"broker"`
	PostgresDSN  string        `yaml:"postgres_dsn" toml:"postgres_dsn"`
	Channel      string        `yaml:"channel" toml:"channel"`
	OutboxSize   int           `yaml:"outbox_size" toml:"outbox_size"`
	PollInterval time.Duration `yaml:"-" toml:"-"`
	CacheTTL     time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	CacheTTLRaw     string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// StreamConfig holds client event stream timing
type StreamConfig struct {
	Timeout           time.Duration `yaml:"-" toml:"-"`
	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw           string `yaml:"timeout" toml:"timeout"`
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

// LifecycleConfig holds orchestrator polling and retry settings
type LifecycleConfig struct {
	MaxCheckAttempts int           `yaml:"max_check_attempts" toml:"max_check_attempts"`
	BootPollInterval time.Duration `yaml:"-" toml:"-"`
	CheckDelay       time.Duration `yaml:"-" toml:"-"`

	BootPollIntervalRaw string `yaml:"boot_poll_interval" toml:"boot_poll_interval"`
	CheckDelayRaw       string `yaml:"check_delay" toml:"check_delay"`
}

// Provider types
const (
	ProviderEC2       = "ec2"
	ProviderSimulated = "simulated"
)

// ProviderConfig holds cloud provider and launch parameters
type ProviderConfig struct {
	Type              string            `yaml:"type" toml:"type"`
	Region            string            `yaml:"region" toml:"region"`
	ImageID           string            `yaml:"image_id" toml:"image_id"`
	KeyPair           string            `yaml:"key_pair" toml:"key_pair"`
	SecurityGroups    []string          `yaml:"security_groups" toml:"security_groups"`
	InstanceType      string            `yaml:"instance_type" toml:"instance_type"`
	BootstrapTemplate string            `yaml:"bootstrap_template" toml:"bootstrap_template"`
	BootstrapEnv      map[string]string `yaml:"bootstrap_env" toml:"bootstrap_env"`
	SimulatedBoot     time.Duration     `yaml:"-" toml:"-"`

	SimulatedBootRaw string `yaml:"simulated_boot" toml:"simulated_boot"`
}

// JobsConfig holds work queue settings
type JobsConfig struct {
	Workers      int           `yaml:"workers" toml:"workers"`
	PollInterval time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

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
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * 24 * time.Hour
	}

	if c.Bus.Backend == "" {
		c.Bus.Backend = BusBackendCache
	}
	if c.Bus.Cache == "" {
		c.Bus.Cache = CacheSQLite
	}
	if c.Bus.CacheKey == "" {
		c.Bus.CacheKey = "last_updated"
	}
	if c.Bus.Broker == "" {
		c.Bus.Broker = BrokerMemory
	}
	if c.Bus.Channel == "" {
		c.Bus.Channel = "sse"
	}
	if c.Bus.OutboxSize == 0 {
		c.Bus.OutboxSize = 256
	}
	if c.Bus.PollInterval == 0 {
		c.Bus.PollInterval = 3 * time.Second
	}
	if c.Bus.CacheTTL == 0 {
		c.Bus.CacheTTL = 365 * 24 * time.Hour
	}

	if c.Stream.Timeout == 0 {
		c.Stream.Timeout = 30 * time.Second
	}
	// KeepaliveInterval stays 0 only when explicitly configured as "0s".
	if c.Stream.KeepaliveInterval == 0 && c.Stream.KeepaliveIntervalRaw == "" {
		c.Stream.KeepaliveInterval = 15 * time.Second
	}

	if c.Lifecycle.MaxCheckAttempts == 0 {
		c.Lifecycle.MaxCheckAttempts = 60
	}
	if c.Lifecycle.BootPollInterval == 0 {
		c.Lifecycle.BootPollInterval = 5 * time.Second
	}
	if c.Lifecycle.CheckDelay == 0 {
		c.Lifecycle.CheckDelay = 5 * time.Second
	}

	if c.Provider.Type == "" {
		c.Provider.Type = ProviderSimulated
	}
	if c.Provider.Region == "" {
		c.Provider.Region = "us-west-2"
	}
	if c.Provider.KeyPair == "" {
		c.Provider.KeyPair = "MinecraftEC2"
	}
	if c.Provider.InstanceType == "" {
		c.Provider.InstanceType = "m1.small"
	}
	if len(c.Provider.SecurityGroups) == 0 {
		c.Provider.SecurityGroups = []string{"minecraft"}
	}
	if c.Provider.SimulatedBoot == 0 {
		c.Provider.SimulatedBoot = 20 * time.Second
	}

	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 2
	}
	if c.Jobs.PollInterval == 0 {
		c.Jobs.PollInterval = 500 * time.Millisecond
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch c.Bus.Backend {
	case BusBackendCache:
		if c.Bus.Cache != CacheMemory && c.Bus.Cache != CacheSQLite {
			return fmt.Errorf("bus.cache must be %s or %s, got %q", CacheMemory, CacheSQLite, c.Bus.Cache)
		}
	case BusBackendNotify:
		switch c.Bus.Broker {
		case BrokerMemory:
		case BrokerPostgres:
			if c.Bus.PostgresDSN == "" {
				return fmt.Errorf("bus.postgres_dsn is required for the postgres broker")
			}
		default:
			return fmt.Errorf("bus.broker must be %s or %s, got %q", BrokerMemory, BrokerPostgres, c.Bus.Broker)
		}
	default:
		return fmt.Errorf("bus.backend must be %s or %s, got %q", BusBackendCache, BusBackendNotify, c.Bus.Backend)
	}

	if c.Lifecycle.MaxCheckAttempts < 0 {
		return fmt.Errorf("lifecycle.max_check_attempts must not be negative")
	}

	switch c.Provider.Type {
	case ProviderSimulated:
	case ProviderEC2:
		if c.Provider.ImageID == "" {
			return fmt.Errorf("provider.image_id is required for the ec2 provider")
		}
	default:
		return fmt.Errorf("provider.type must be %s or %s, got %q", ProviderEC2, ProviderSimulated, c.Provider.Type)
	}

	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}

	return nil
}

// durationField pairs a raw config string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"bus.poll_interval", cfg.Bus.PollIntervalRaw, &cfg.Bus.PollInterval},
		{"bus.cache_ttl", cfg.Bus.CacheTTLRaw, &cfg.Bus.CacheTTL},
		{"stream.timeout", cfg.Stream.TimeoutRaw, &cfg.Stream.Timeout},
		{"stream.keepalive_interval", cfg.Stream.KeepaliveIntervalRaw, &cfg.Stream.KeepaliveInterval},
		{"lifecycle.boot_poll_interval", cfg.Lifecycle.BootPollIntervalRaw, &cfg.Lifecycle.BootPollInterval},
		{"lifecycle.check_delay", cfg.Lifecycle.CheckDelayRaw, &cfg.Lifecycle.CheckDelay},
		{"provider.simulated_boot", cfg.Provider.SimulatedBootRaw, &cfg.Provider.SimulatedBoot},
		{"jobs.poll_interval", cfg.Jobs.PollIntervalRaw, &cfg.Jobs.PollInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
