package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Query.TimeFrame != "-10m" {
		t.Errorf("Query.TimeFrame = %q, want -10m", cfg.Query.TimeFrame)
	}
	if cfg.Query.Sensors != "*" || cfg.Query.Events != "*" {
		t.Errorf("Query selectors = %q/%q, want */*", cfg.Query.Sensors, cfg.Query.Events)
	}
	if cfg.Download.PollInterval != 10*time.Second {
		t.Errorf("Download.PollInterval = %s, want 10s", cfg.Download.PollInterval)
	}
	if cfg.Download.TokenHours != 8 {
		t.Errorf("Download.TokenHours = %g, want 8", cfg.Download.TokenHours)
	}
	if cfg.Download.Compression != "zip" {
		t.Errorf("Download.Compression = %q, want zip", cfg.Download.Compression)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"query url without scheme", func(c *Config) { c.API.QueryURL = "insight.example.com" }, true},
		{"search url ftp", func(c *Config) { c.API.SearchURL = "ftp://x/y" }, true},
		{"jwt url no host", func(c *Config) { c.API.JWTURL = "https://" }, true},
		{"local http url", func(c *Config) { c.API.QueryURL = "http://127.0.0.1:8090" }, false},
		{"negative rate limit", func(c *Config) { c.API.RateLimitRPS = -1 }, true},
		{"bad stream", func(c *Config) { c.Query.Stream = "logs" }, true},
		{"detect stream", func(c *Config) { c.Query.Stream = "detect" }, false},
		{"bad output", func(c *Config) { c.Query.Output = "csv" }, true},
		{"negative event limit", func(c *Config) { c.Query.LimitEvent = -5 }, true},
		{"empty time frame", func(c *Config) { c.Query.TimeFrame = " " }, true},
		{"zero poll interval", func(c *Config) { c.Download.PollInterval = 0 }, true},
		{"negative timeout", func(c *Config) { c.Download.Timeout = -time.Second }, true},
		{"compression gzip", func(c *Config) { c.Download.Compression = "gzip" }, true},
		{"compression none", func(c *Config) { c.Download.Compression = "none" }, false},
		{"token hours 0", func(c *Config) { c.Download.TokenHours = 0 }, true},
		{"token hours 0.5", func(c *Config) { c.Download.TokenHours = 0.5 }, false},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"debug log level", func(c *Config) { c.Log.Level = "debug" }, false},
		{"stub port 0", func(c *Config) { c.Stub.Port = 0 }, true},
		{"stub port 99999", func(c *Config) { c.Stub.Port = 99999 }, true},
		{"stub page size 0", func(c *Config) { c.Stub.PageSize = 0 }, true},
		{"sslmode disable only warns", func(c *Config) {
			c.Database.DSN = "postgres://u@localhost/db?sslmode=disable"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
api:
  oid: "org-123"
  query_url: "http://127.0.0.1:8090"
  request_timeout: 30s
query:
  time_frame: "-1h"
  stream: audit
  limit_event: 500
download:
  poll_interval: 5s
  token_hours: 12
stub:
  port: 9099
  api_keys: ["k1", "k2"]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.API.OID != "org-123" {
		t.Errorf("API.OID = %q, want org-123", cfg.API.OID)
	}
	if cfg.API.RequestTimeout != 30*time.Second {
		t.Errorf("API.RequestTimeout = %s, want 30s", cfg.API.RequestTimeout)
	}
	if cfg.API.SearchURL != DefaultConfig().API.SearchURL {
		t.Errorf("API.SearchURL = %q, want default", cfg.API.SearchURL)
	}
	if cfg.Query.TimeFrame != "-1h" || cfg.Query.Stream != "audit" || cfg.Query.LimitEvent != 500 {
		t.Errorf("Query = %+v", cfg.Query)
	}
	if cfg.Query.Sensors != "*" {
		t.Errorf("Query.Sensors = %q, want default *", cfg.Query.Sensors)
	}
	if cfg.Download.PollInterval != 5*time.Second || cfg.Download.TokenHours != 12 {
		t.Errorf("Download = %+v", cfg.Download)
	}
	if cfg.Stub.Port != 9099 || len(cfg.Stub.APIKeys) != 2 {
		t.Errorf("Stub = %+v", cfg.Stub)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("query:\n  stream: logs\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error, got nil")
	}

	if err := os.WriteFile(path, []byte("query: [unclosed\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Query.TimeFrame != "-10m" {
		t.Errorf("expected defaults, got time frame %q", cfg.Query.TimeFrame)
	}

	cfg, err = LoadOrDefault("")
	if err != nil || cfg == nil {
		t.Fatalf("LoadOrDefault(\"\") = %v, %v", cfg, err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvOID:      "org-env",
		EnvAPIKey:   "key-env",
		EnvQueryURL: "http://localhost:1",
		EnvToken:    "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.API.Token = "from-file"
	cfg.ApplyEnv(lookup)

	if cfg.API.OID != "org-env" {
		t.Errorf("OID = %q, want org-env", cfg.API.OID)
	}
	if cfg.API.APIKey != "key-env" {
		t.Errorf("APIKey = %q, want key-env", cfg.API.APIKey)
	}
	if cfg.API.QueryURL != "http://localhost:1" {
		t.Errorf("QueryURL = %q", cfg.API.QueryURL)
	}
	if cfg.API.Token != "from-file" {
		t.Errorf("empty env var overrode token: %q", cfg.API.Token)
	}
	if cfg.API.SearchURL != DefaultConfig().API.SearchURL {
		t.Errorf("unset env var changed SearchURL: %q", cfg.API.SearchURL)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, ".env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("INSIGHT_TEST_DOTENV=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INSIGHT_TEST_DOTENV", "")
	os.Unsetenv("INSIGHT_TEST_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("INSIGHT_TEST_DOTENV"); got != "from-dotenv" {
		t.Errorf("INSIGHT_TEST_DOTENV = %q, want from-dotenv", got)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "127.0.0.1:8090"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Stub.Host = "0.0.0.0"
	cfg.Stub.Port = 3000
	want = "0.0.0.0:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
