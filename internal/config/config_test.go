// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, and duration parsing

package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "outpost.yaml", `
service:
  base_url: "https://api.example.com"

database:
  path: "./test.db"
  driver: "mattn"
  max_value_bytes: 1048576

session:
  window: "72h"
  token_file: "/run/outpost/token"

leader:
  window: "15s"
  tab_id: "register-1"

probe:
  kind: "grpc"
  grpc_target: "api.example.com:443"
  timeout: "5s"

background:
  interval: "1m"

fetch:
  ttl: "30s"
  debounce: "100ms"
  max_entries: 64

dashboard:
  enabled: false

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.BaseURL != "https://api.example.com" {
		t.Errorf("Service.BaseURL = %q, want %q", cfg.Service.BaseURL, "https://api.example.com")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Database.Driver != DriverMattn {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverMattn)
	}
	if cfg.Database.MaxValueBytes != 1048576 {
		t.Errorf("Database.MaxValueBytes = %d, want 1048576", cfg.Database.MaxValueBytes)
	}
	if cfg.Session.Window != 72*time.Hour {
		t.Errorf("Session.Window = %v, want %v", cfg.Session.Window, 72*time.Hour)
	}
	if cfg.Session.TokenFile != "/run/outpost/token" {
		t.Errorf("Session.TokenFile = %q", cfg.Session.TokenFile)
	}
	if cfg.Leader.Window != 15*time.Second || cfg.Leader.TabID != "register-1" {
		t.Errorf("Leader = %+v", cfg.Leader)
	}
	if cfg.Probe.Kind != ProbeGRPC || cfg.Probe.GRPCTarget != "api.example.com:443" || cfg.Probe.Timeout != 5*time.Second {
		t.Errorf("Probe = %+v", cfg.Probe)
	}
	if cfg.Background.Interval != time.Minute {
		t.Errorf("Background.Interval = %v, want %v", cfg.Background.Interval, time.Minute)
	}
	if cfg.Fetch.TTL != 30*time.Second || cfg.Fetch.Debounce != 100*time.Millisecond || cfg.Fetch.MaxEntries != 64 {
		t.Errorf("Fetch = %+v", cfg.Fetch)
	}
	if cfg.Dashboard.Enabled {
		t.Error("Dashboard.Enabled = true, want false")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	configPath := writeConfig(t, "outpost.yaml", `
service:
  base_url: "http://localhost:8080"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"session.window", cfg.Session.Window, 168 * time.Hour},
		{"leader.window", cfg.Leader.Window, 10 * time.Second},
		{"probe.timeout", cfg.Probe.Timeout, 10 * time.Second},
		{"background.interval", cfg.Background.Interval, 3 * time.Minute},
		{"background.version_interval", cfg.Background.VersionInterval, 5 * time.Minute},
		{"fetch.ttl", cfg.Fetch.TTL, 2 * time.Minute},
		{"fetch.debounce", cfg.Fetch.Debounce, 300 * time.Millisecond},
		{"dashboard.list_ttl", cfg.Dashboard.ListTTL, 5 * time.Minute},
		{"dashboard.stats_ttl", cfg.Dashboard.StatsTTL, 2 * time.Minute},
		{"dashboard.feed_retry", cfg.Dashboard.FeedRetry, time.Second},
		{"dashboard.feed_connect_timeout", cfg.Dashboard.FeedConnectTimeout, 15 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if cfg.Database.Driver != DriverModernc {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverModernc)
	}
	if cfg.Probe.Kind != ProbeHTTP {
		t.Errorf("Probe.Kind = %q, want %q", cfg.Probe.Kind, ProbeHTTP)
	}
	if !cfg.Dashboard.Enabled {
		t.Error("Dashboard.Enabled = false, want true")
	}
	if _, ok := cfg.Session.SealKeyBytes(); ok {
		t.Error("SealKeyBytes() reported a key when none is configured")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "outpost.toml", `
[service]
base_url = "https://api.example.com"

[session]
window = "24h"

[fetch]
max_entries = 32

[logging]
format = "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.BaseURL != "https://api.example.com" {
		t.Errorf("Service.BaseURL = %q", cfg.Service.BaseURL)
	}
	if cfg.Session.Window != 24*time.Hour {
		t.Errorf("Session.Window = %v, want %v", cfg.Session.Window, 24*time.Hour)
	}
	if cfg.Fetch.MaxEntries != 32 {
		t.Errorf("Fetch.MaxEntries = %d, want 32", cfg.Fetch.MaxEntries)
	}
	if cfg.Fetch.TTL != 2*time.Minute {
		t.Errorf("Fetch.TTL = %v, want default %v", cfg.Fetch.TTL, 2*time.Minute)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	t.Setenv("TEST_OUTPOST_URL", "https://from-env.example.com")
	t.Setenv("TEST_OUTPOST_SEAL_KEY", base64.StdEncoding.EncodeToString(key))

	configPath := writeConfig(t, "outpost.yaml", `
service:
  base_url: "${TEST_OUTPOST_URL}"
session:
  seal_key: "${TEST_OUTPOST_SEAL_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.BaseURL != "https://from-env.example.com" {
		t.Errorf("Service.BaseURL = %q, want %q", cfg.Service.BaseURL, "https://from-env.example.com")
	}
	got, ok := cfg.Session.SealKeyBytes()
	if !ok {
		t.Fatal("SealKeyBytes() reported no key")
	}
	if got[31] != 31 {
		t.Errorf("SealKeyBytes()[31] = %d, want 31", got[31])
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	configPath := writeConfig(t, "outpost.yaml", `
service:
  base_url: "${OUTPOST_TEST_UNSET_URL}"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "service.base_url is required") {
		t.Errorf("Load() error = %v, want service.base_url is required", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/outpost.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "outpost.yaml", `
service:
  base_url "missing colon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "invalid duration",
			configContent: `
service:
  base_url: "https://api.example.com"
session:
  window: "a week"
`,
			wantErrSubstr: "parsing session.window",
		},
		{
			name: "seal key not base64",
			configContent: `
service:
  base_url: "https://api.example.com"
session:
  seal_key: "%%%"
`,
			wantErrSubstr: "decoding session.seal_key",
		},
		{
			name: "seal key wrong length",
			configContent: `
service:
  base_url: "https://api.example.com"
session:
  seal_key: "c2hvcnQ="
`,
			wantErrSubstr: "must decode to 32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "outpost.yaml", tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Service.BaseURL = "https://api.example.com"
		return cfg
	}

	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErrSubstr string
	}{
		{name: "defaults with base url", mutate: func(*Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.Service.BaseURL = "" }, wantErrSubstr: "service.base_url is required"},
		{name: "non-http base url", mutate: func(c *Config) { c.Service.BaseURL = "ftp://x" }, wantErrSubstr: "http or https"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErrSubstr: "database.path is required"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "postgres" }, wantErrSubstr: "database.driver"},
		{name: "grpc probe needs target", mutate: func(c *Config) { c.Probe.Kind = ProbeGRPC }, wantErrSubstr: "probe.grpc_target is required"},
		{name: "unknown probe kind", mutate: func(c *Config) { c.Probe.Kind = "icmp" }, wantErrSubstr: "probe.kind"},
		{name: "zero session window", mutate: func(c *Config) { c.Session.Window = 0 }, wantErrSubstr: "session.window must be positive"},
		{name: "unknown log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErrSubstr: "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErrSubstr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("OUTPOST_CONFIG", "/etc/outpost.toml")
	if got := Path(); got != "/etc/outpost.toml" {
		t.Errorf("Path() = %q, want %q", got, "/etc/outpost.toml")
	}

	t.Setenv("OUTPOST_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := Path(); got != filepath.Join("/xdg", "outpost", "outpost.yaml") {
		t.Errorf("Path() = %q", got)
	}

	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DataDir(); got != filepath.Join("/data", "outpost") {
		t.Errorf("DataDir() = %q", got)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
