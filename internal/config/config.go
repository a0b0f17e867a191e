package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Query    QueryConfig    `yaml:"query"`
	Download DownloadConfig `yaml:"download"`
	Shell    ShellConfig    `yaml:"shell"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Stub     StubConfig     `yaml:"stub"`
}

type APIConfig struct {
	QueryURL       string        `yaml:"query_url"`
	SearchURL      string        `yaml:"search_url"`
	JWTURL         string        `yaml:"jwt_url"`
	OID            string        `yaml:"oid"`
	APIKey         string        `yaml:"api_key"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

// QueryConfig seeds the context of new query sessions.
type QueryConfig struct {
	TimeFrame  string `yaml:"time_frame"`
	Sensors    string `yaml:"sensors"`
	Events     string `yaml:"events"`
	Stream     string `yaml:"stream"`
	LimitEvent int    `yaml:"limit_event"`
	LimitEval  int    `yaml:"limit_eval"`
	Output     string `yaml:"output"` // table or json
}

type DownloadConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"` // 0 waits forever
	Compression  string        `yaml:"compression"`
	TokenHours   float64       `yaml:"token_hours"`
}

type ShellConfig struct {
	HistoryFile string `yaml:"history_file"`
	HistorySize int    `yaml:"history_size"`
}

// MetricsConfig controls the prometheus textfile written when the CLI exits.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DatabaseConfig enables the Postgres audit log when DSN is set.
type DatabaseConfig struct {
	DSN        string `yaml:"dsn"`
	BufferSize int    `yaml:"buffer_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// StubConfig configures the local stand-in service.
type StubConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	APIKeys         []string      `yaml:"api_keys"` // empty disables auth
	JWTSecret       string        `yaml:"jwt_secret"`
	PageSize        int           `yaml:"page_size"`
	Pages           int           `yaml:"pages"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or default location
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("path", path).Msg("no config file found, using defaults")
		return DefaultConfig(), nil
	}
	return Load(path)
}

// DefaultPath is ~/.insight/config.yaml, or "" when there is no home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".insight", "config.yaml")
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".insight", "history")
	}
	return &Config{
		API: APIConfig{
			QueryURL:       "https://insight.example.com/v1/query",
			SearchURL:      "https://search.example.com/v1/search",
			JWTURL:         "https://jwt.example.com",
			RequestTimeout: 5 * time.Minute,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Query: QueryConfig{
			TimeFrame: "-10m",
			Sensors:   "*",
			Events:    "*",
			Stream:    "event",
			Output:    "table",
		},
		Download: DownloadConfig{
			PollInterval: 10 * time.Second,
			Compression:  "zip",
			TokenHours:   8,
		},
		Shell: ShellConfig{
			HistoryFile: historyFile,
			HistorySize: 1000,
		},
		Database: DatabaseConfig{
			BufferSize: 1000,
		},
		Log: LogConfig{
			Level: "warn",
		},
		Stub: StubConfig{
			Host:            "127.0.0.1",
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
			JWTSecret:       "insight-stub-secret",
			PageSize:        5,
			Pages:           3,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"api.query_url":  c.API.QueryURL,
		"api.search_url": c.API.SearchURL,
		"api.jwt_url":    c.API.JWTURL,
	} {
		if err := checkURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.API.RateLimitRPS < 0 {
		return fmt.Errorf("api.rate_limit_rps must be >= 0, got %g", c.API.RateLimitRPS)
	}

	switch c.Query.Stream {
	case "event", "audit", "detect":
	default:
		return fmt.Errorf("query.stream must be event, audit or detect, got %q", c.Query.Stream)
	}
	if c.Query.Output != "table" && c.Query.Output != "json" {
		return fmt.Errorf("query.output must be table or json, got %q", c.Query.Output)
	}
	if c.Query.LimitEvent < 0 || c.Query.LimitEval < 0 {
		return fmt.Errorf("query.limit_event and query.limit_eval must be >= 0")
	}
	if strings.TrimSpace(c.Query.TimeFrame) == "" {
		return fmt.Errorf("query.time_frame must not be empty")
	}

	if c.Download.PollInterval <= 0 {
		return fmt.Errorf("download.poll_interval must be > 0, got %s", c.Download.PollInterval)
	}
	if c.Download.Timeout < 0 {
		return fmt.Errorf("download.timeout must be >= 0, got %s", c.Download.Timeout)
	}
	if c.Download.Compression != "zip" && c.Download.Compression != "none" {
		return fmt.Errorf("download.compression must be zip or none, got %q", c.Download.Compression)
	}
	if c.Download.TokenHours <= 0 {
		return fmt.Errorf("download.token_hours must be > 0, got %g", c.Download.TokenHours)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Stub.Port < 1 || c.Stub.Port > 65535 {
		return fmt.Errorf("stub.port must be 1-65535, got %d", c.Stub.Port)
	}
	if c.Stub.PageSize < 1 || c.Stub.Pages < 1 {
		return fmt.Errorf("stub.page_size and stub.pages must be >= 1")
	}

	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http(s) URL, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// Env variables overlaid onto the file configuration.
const (
	EnvOID       = "INSIGHT_OID"
	EnvAPIKey    = "INSIGHT_API_KEY"
	EnvToken     = "INSIGHT_TOKEN"
	EnvQueryURL  = "INSIGHT_QUERY_URL"
	EnvSearchURL = "INSIGHT_SEARCH_URL"
	EnvConfig    = "INSIGHT_CONFIG"
)

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays credentials and endpoints from the environment.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.API.OID, EnvOID)
	set(&c.API.APIKey, EnvAPIKey)
	set(&c.API.Token, EnvToken)
	set(&c.API.QueryURL, EnvQueryURL)
	set(&c.API.SearchURL, EnvSearchURL)
}

// Address returns the stub service listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Stub.Host, c.Stub.Port)
}
