// Package config loads and validates gateway configuration.
//
// DESIGN: One Config struct mirrors the YAML (or TOML) file:
//   - server:     listener and timeouts
//   - upstream:   Code Assist endpoint, OAuth client, per-attempt timeouts,
//     and the optional OpenAI passthrough
//   - pool:       hot-reloadable pool policy (see pool.go)
//   - quota:      daily reset boundary
//   - storage:    sqlite path and flush cadence
//   - monitoring: logging and JSONL telemetry
//   - users:      API keys of the built-in user directory
//
// Loading starts from Default() and decodes the file on top of it, after
// ${VAR} / ${VAR:-default} expansion against the process environment.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/compresr/pool-gateway/internal/monitoring"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream" toml:"upstream"`
	Pool       PoolConfig       `yaml:"pool" toml:"pool"`
	Quota      QuotaConfig      `yaml:"quota" toml:"quota"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Monitoring MonitoringConfig `yaml:"monitoring" toml:"monitoring"`
	Users      []UserConfig     `yaml:"users" toml:"users"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port" toml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	CORSOrigin      string        `yaml:"cors_origin" toml:"cors_origin"` // "" disables CORS headers
}

// UpstreamConfig holds Code Assist and OAuth settings.
type UpstreamConfig struct {
	BaseURL             string        `yaml:"base_url" toml:"base_url"`
	TokenURL            string        `yaml:"token_url" toml:"token_url"`
	ClientID            string        `yaml:"client_id" toml:"client_id"`
	ClientSecret        string        `yaml:"client_secret" toml:"client_secret"`
	UserAgent           string        `yaml:"user_agent" toml:"user_agent"`
	FirstByteTimeout    time.Duration `yaml:"first_byte_timeout" toml:"first_byte_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	RefreshMargin       time.Duration `yaml:"refresh_margin" toml:"refresh_margin"`
	RefreshTimeout      time.Duration `yaml:"refresh_timeout" toml:"refresh_timeout"`
	RefreshMaxElapsed   time.Duration `yaml:"refresh_max_elapsed" toml:"refresh_max_elapsed"`
	FakeStreamHeartbeat time.Duration `yaml:"fake_stream_heartbeat" toml:"fake_stream_heartbeat"`
	OpenAIBaseURL       string        `yaml:"openai_base_url" toml:"openai_base_url"`
	OpenAIAPIKey        string        `yaml:"openai_api_key" toml:"openai_api_key"` // "" disables /openai/*
}

// QuotaConfig holds the daily quota boundary.
type QuotaConfig struct {
	ResetHour     int    `yaml:"reset_hour" toml:"reset_hour"`
	ResetTimezone string `yaml:"reset_timezone" toml:"reset_timezone"`
}

// Location resolves ResetTimezone.
func (q QuotaConfig) Location() (*time.Location, error) {
	if q.ResetTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(q.ResetTimezone)
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	DatabasePath  string        `yaml:"database_path" toml:"database_path"`
	FlushInterval time.Duration `yaml:"flush_interval" toml:"flush_interval"`
	SyncInterval  time.Duration `yaml:"sync_interval" toml:"sync_interval"`
	UsageBuffer   int           `yaml:"usage_buffer" toml:"usage_buffer"`
	SecretKey     string        `yaml:"secret_key" toml:"secret_key"` // 32-byte key (hex or base64) encrypting tokens at rest; "" stores plaintext
}

// MonitoringConfig holds logging and telemetry settings.
type MonitoringConfig struct {
	Log       monitoring.LoggerConfig    `yaml:"log" toml:"log"`
	Telemetry monitoring.TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// UserConfig is one entry of the built-in user directory.
type UserConfig struct {
	ID         string `yaml:"id" toml:"id"`
	Name       string `yaml:"name" toml:"name"`
	APIKey     string `yaml:"api_key" toml:"api_key"`
	DailyQuota int    `yaml:"daily_quota" toml:"daily_quota"` // 0 = pool.default_daily_quota
	Admin      bool   `yaml:"admin" toml:"admin"`
	Disabled   bool   `yaml:"disabled" toml:"disabled"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ReadTimeout:     DefaultServerReadTimeout,
			WriteTimeout:    DefaultServerWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Upstream: UpstreamConfig{
			BaseURL:             DefaultUpstreamBaseURL,
			TokenURL:            DefaultTokenURL,
			ClientID:            os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret:        os.Getenv("GOOGLE_CLIENT_SECRET"),
			FirstByteTimeout:    DefaultFirstByteTimeout,
			RequestTimeout:      DefaultRequestTimeout,
			RefreshMargin:       DefaultRefreshMargin,
			RefreshTimeout:      DefaultRefreshTimeout,
			RefreshMaxElapsed:   DefaultRefreshMaxElapsed,
			FakeStreamHeartbeat: DefaultFakeStreamHeartbeat,
			OpenAIBaseURL:       DefaultOpenAIBaseURL,
			OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		},
		Pool: DefaultPoolConfig(),
		Quota: QuotaConfig{
			ResetHour:     DefaultQuotaResetHour,
			ResetTimezone: DefaultQuotaResetTimezone,
		},
		Storage: StorageConfig{
			DatabasePath:  DefaultDatabasePath,
			FlushInterval: DefaultFlushInterval,
			SyncInterval:  DefaultSyncInterval,
			UsageBuffer:   DefaultUsageBuffer,
		},
		Monitoring: MonitoringConfig{
			Log: monitoring.LoggerConfig{Level: "info", Format: "auto", Output: "stdout"},
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads a config file. The format is chosen by extension (.toml or YAML).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	cfg, err := LoadFromBytes(data, format)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses and validates config data in the given format ("yaml" or "toml").
func LoadFromBytes(data []byte, format string) (*Config, error) {
	cfg := Default()
	expanded := ExpandEnv(data)

	switch format {
	case "toml":
		if _, err := toml.NewDecoder(bytes.NewReader(expanded)).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		if len(bytes.TrimSpace(expanded)) > 0 {
			if err := yaml.Unmarshal(expanded, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml: %w", err)
			}
		}
	}

	mode, err := ParsePoolMode(string(cfg.Pool.Mode))
	if err != nil {
		return nil, fmt.Errorf("pool.mode: %w", err)
	}
	cfg.Pool.Mode = mode

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
// Unset variables without a default expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envPattern.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if err := c.Upstream.Validate(); err != nil {
		return err
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if c.Quota.ResetHour < 0 || c.Quota.ResetHour > 23 {
		return fmt.Errorf("quota.reset_hour must be in 0..23, got %d", c.Quota.ResetHour)
	}
	if _, err := c.Quota.Location(); err != nil {
		return fmt.Errorf("quota.reset_timezone: %w", err)
	}
	if c.Storage.FlushInterval <= 0 {
		return fmt.Errorf("storage.flush_interval must be > 0, got %s", c.Storage.FlushInterval)
	}
	return ValidateUsers(c.Users)
}

// Validate checks upstream configuration.
func (u *UpstreamConfig) Validate() error {
	if u.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if u.TokenURL == "" {
		return fmt.Errorf("upstream.token_url is required")
	}
	if u.FirstByteTimeout <= 0 {
		return fmt.Errorf("upstream.first_byte_timeout must be > 0, got %s", u.FirstByteTimeout)
	}
	if u.RefreshMargin < 0 {
		return fmt.Errorf("upstream.refresh_margin must be >= 0, got %s", u.RefreshMargin)
	}
	if u.OpenAIAPIKey != "" && u.OpenAIBaseURL == "" {
		return fmt.Errorf("upstream.openai_base_url is required when openai_api_key is set")
	}
	return nil
}

// ValidateUsers checks the user directory entries.
func ValidateUsers(users []UserConfig) error {
	ids := make(map[string]bool, len(users))
	keys := make(map[string]bool, len(users))
	for i, u := range users {
		if u.ID == "" {
			return fmt.Errorf("users[%d].id is required", i)
		}
		if u.APIKey == "" {
			return fmt.Errorf("users[%d].api_key is required (user %q)", i, u.ID)
		}
		if u.DailyQuota < 0 {
			return fmt.Errorf("users[%d].daily_quota must be >= 0, got %d", i, u.DailyQuota)
		}
		if ids[u.ID] {
			return fmt.Errorf("users[%d].id %q is duplicated", i, u.ID)
		}
		if keys[u.APIKey] {
			return fmt.Errorf("users[%d].api_key is duplicated (user %q)", i, u.ID)
		}
		ids[u.ID] = true
		keys[u.APIKey] = true
	}
	return nil
}
