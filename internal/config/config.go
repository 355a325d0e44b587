// ABOUTME: Configuration loading and parsing for outpost
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Probe kinds.
const (
	ProbeHTTP = "http"
	ProbeGRPC = "grpc"
)

// Database drivers.
const (
	DriverModernc = "modernc"
	DriverMattn   = "mattn"
)

// Config represents the complete outpost configuration
type Config struct {
	Service    ServiceConfig    `yaml:"service" toml:"service"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	Leader     LeaderConfig     `yaml:"leader" toml:"leader"`
	Probe      ProbeConfig      `yaml:"probe" toml:"probe"`
	Background BackgroundConfig `yaml:"background" toml:"background"`
	Fetch      FetchConfig      `yaml:"fetch" toml:"fetch"`
	Dashboard  DashboardConfig  `yaml:"dashboard" toml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServiceConfig points at the managed data service
type ServiceConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// DatabaseConfig holds the local cache database settings
type DatabaseConfig struct {
	Path          string `yaml:"path" toml:"path"`
	Driver        string `yaml:"driver" toml:"driver"`
	MaxValueBytes int    `yaml:"max_value_bytes" toml:"max_value_bytes"`
}

// SessionConfig holds the offline session vault settings
type SessionConfig struct {
	Window time.Duration `yaml:"-" toml:"-"`

	// TokenFile holds a bare token used to rebuild a lost session record.
	TokenFile string `yaml:"token_file" toml:"token_file"`

	// SealKey is a base64 32-byte key. When set, session records are encrypted at rest.
	SealKey    string `yaml:"seal_key" toml:"seal_key"`
	decodedKey *[32]byte

	// Raw string values for unmarshaling
	WindowRaw string `yaml:"window" toml:"window"`
}

// SealKeyBytes returns the decoded seal key, if one is configured.
func (s SessionConfig) SealKeyBytes() ([32]byte, bool) {
	if s.decodedKey == nil {
		return [32]byte{}, false
	}
	return *s.decodedKey, true
}

// LeaderConfig holds lease timing for background work across instances
type LeaderConfig struct {
	Window time.Duration `yaml:"-" toml:"-"`
	TabID  string        `yaml:"tab_id" toml:"tab_id"`

	WindowRaw string `yaml:"window" toml:"window"`
}

// ProbeConfig selects how connectivity is checked
type ProbeConfig struct {
	Kind       string        `yaml:"kind" toml:"kind"`
	GRPCTarget string        `yaml:"grpc_target" toml:"grpc_target"`
	Timeout    time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// BackgroundConfig holds revalidation timing
type BackgroundConfig struct {
	Interval        time.Duration `yaml:"-" toml:"-"`
	VersionInterval time.Duration `yaml:"-" toml:"-"`

	IntervalRaw        string `yaml:"interval" toml:"interval"`
	VersionIntervalRaw string `yaml:"version_interval" toml:"version_interval"`
}

// FetchConfig holds the deduplicating fetch cache settings
type FetchConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	Debounce   time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw      string `yaml:"ttl" toml:"ttl"`
	DebounceRaw string `yaml:"debounce" toml:"debounce"`
}

// DashboardConfig holds the dashboard mirror settings
type DashboardConfig struct {
	Enabled            bool          `yaml:"enabled" toml:"enabled"`
	ListTTL            time.Duration `yaml:"-" toml:"-"`
	StatsTTL           time.Duration `yaml:"-" toml:"-"`
	FeedRetry          time.Duration `yaml:"-" toml:"-"`
	FeedConnectTimeout time.Duration `yaml:"-" toml:"-"`

	ListTTLRaw            string `yaml:"list_ttl" toml:"list_ttl"`
	StatsTTLRaw           string `yaml:"stats_ttl" toml:"stats_ttl"`
	FeedRetryRaw          string `yaml:"feed_retry" toml:"feed_retry"`
	FeedConnectTimeoutRaw string `yaml:"feed_connect_timeout" toml:"feed_connect_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a config with every timing filled in. Service.BaseURL is
// left empty and must be supplied.
func Default() *Config {
	cfg := &Config{
		Database: DatabaseConfig{
			Path:   filepath.Join(DataDir(), "outpost.db"),
			Driver: DriverModernc,
		},
		Session:    SessionConfig{WindowRaw: "168h"},
		Leader:     LeaderConfig{WindowRaw: "10s"},
		Probe:      ProbeConfig{Kind: ProbeHTTP, TimeoutRaw: "10s"},
		Background: BackgroundConfig{IntervalRaw: "3m", VersionIntervalRaw: "5m"},
		Fetch:      FetchConfig{TTLRaw: "2m", DebounceRaw: "300ms", MaxEntries: 512},
		Dashboard: DashboardConfig{
			Enabled:               true,
			ListTTLRaw:            "5m",
			StatsTTLRaw:           "2m",
			FeedRetryRaw:          "1s",
			FeedConnectTimeoutRaw: "15s",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	// Defaults always parse.
	_ = parseFields(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Unset fields keep the values from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseFields(cfg); err != nil {
		return nil, fmt.Errorf("parsing config values: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Path returns the config file location.
// Priority: OUTPOST_CONFIG env var > XDG_CONFIG_HOME/outpost/outpost.yaml > ~/.config/outpost/outpost.yaml
func Path() string {
	if envPath := os.Getenv("OUTPOST_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "outpost.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "outpost", "outpost.yaml")
}

// DataDir returns the outpost data directory.
// Priority: XDG_DATA_HOME/outpost > ~/.local/share/outpost
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "outpost")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Service.BaseURL == "" {
		return fmt.Errorf("service.base_url is required")
	}
	u, err := url.Parse(c.Service.BaseURL)
	if err != nil {
		return fmt.Errorf("service.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("service.base_url must use http or https scheme")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != DriverModernc && c.Database.Driver != DriverMattn {
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverModernc, DriverMattn, c.Database.Driver)
	}

	switch c.Probe.Kind {
	case ProbeHTTP:
	case ProbeGRPC:
		if c.Probe.GRPCTarget == "" {
			return fmt.Errorf("probe.grpc_target is required when probe.kind is grpc")
		}
	default:
		return fmt.Errorf("probe.kind must be %q or %q, got %q", ProbeHTTP, ProbeGRPC, c.Probe.Kind)
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"session.window", c.Session.Window},
		{"leader.window", c.Leader.Window},
		{"probe.timeout", c.Probe.Timeout},
		{"background.interval", c.Background.Interval},
		{"fetch.ttl", c.Fetch.TTL},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseFields converts the raw duration strings into time.Duration values
// and decodes the seal key.
func parseFields(cfg *Config) error {
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.window", cfg.Session.WindowRaw, &cfg.Session.Window},
		{"leader.window", cfg.Leader.WindowRaw, &cfg.Leader.Window},
		{"probe.timeout", cfg.Probe.TimeoutRaw, &cfg.Probe.Timeout},
		{"background.interval", cfg.Background.IntervalRaw, &cfg.Background.Interval},
		{"background.version_interval", cfg.Background.VersionIntervalRaw, &cfg.Background.VersionInterval},
		{"fetch.ttl", cfg.Fetch.TTLRaw, &cfg.Fetch.TTL},
		{"fetch.debounce", cfg.Fetch.DebounceRaw, &cfg.Fetch.Debounce},
		{"dashboard.list_ttl", cfg.Dashboard.ListTTLRaw, &cfg.Dashboard.ListTTL},
		{"dashboard.stats_ttl", cfg.Dashboard.StatsTTLRaw, &cfg.Dashboard.StatsTTL},
		{"dashboard.feed_retry", cfg.Dashboard.FeedRetryRaw, &cfg.Dashboard.FeedRetry},
		{"dashboard.feed_connect_timeout", cfg.Dashboard.FeedConnectTimeoutRaw, &cfg.Dashboard.FeedConnectTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}

	cfg.Session.decodedKey = nil
	if cfg.Session.SealKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.Session.SealKey)
		if err != nil {
			return fmt.Errorf("decoding session.seal_key: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("session.seal_key must decode to 32 bytes, got %d", len(key))
		}
		var k [32]byte
		copy(k[:], key)
		cfg.Session.decodedKey = &k
	}

	return nil
}
