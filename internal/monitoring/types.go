// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by gateway/, orchestrator/, usage/ and
// monitoring/. Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - RequestEvent:  Telemetry data for each caller request
//   - UsageEvent:    Telemetry data for each upstream attempt
//   - InitEvent:     Gateway startup summary
//   - Config types:  TelemetryConfig, LoggerConfig
package monitoring

import "time"

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// RequestEvent captures one caller request through the gateway.
type RequestEvent struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	ClientIP       string    `json:"client_ip"`
	UserID         string    `json:"user_id,omitempty"`
	Format         string    `json:"format"` // openai, native
	Model          string    `json:"model,omitempty"`
	Stream         bool      `json:"stream"`
	FakeStream     bool      `json:"fake_stream,omitempty"`
	StatusCode     int       `json:"status_code"`
	Attempts       int       `json:"attempts"`
	CredentialID   string    `json:"credential_id,omitempty"` // credential that served the final attempt
	Success        bool      `json:"success"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	TotalLatencyMs int64     `json:"total_latency_ms"`
	InputTokens    int       `json:"input_tokens,omitempty"`
	OutputTokens   int       `json:"output_tokens,omitempty"`
}

// UsageEvent captures one upstream attempt. It mirrors the usage log row.
type UsageEvent struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id"`
	CredentialID string    `json:"credential_id,omitempty"`
	Model        string    `json:"model"`
	Endpoint     string    `json:"endpoint"`
	Attempt      int       `json:"attempt"`
	Stream       bool      `json:"stream"`
	StatusCode   int       `json:"status_code"`
	LatencyMs    int64     `json:"latency_ms"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// InitEvent captures gateway startup configuration.
type InitEvent struct {
	Timestamp            time.Time `json:"timestamp"`
	Event                string    `json:"event"`
	ServerPort           int       `json:"server_port"`
	ServerReadTimeoutMs  int64     `json:"server_read_timeout_ms"`
	ServerWriteTimeoutMs int64     `json:"server_write_timeout_ms"`
	UpstreamBaseURL      string    `json:"upstream_base_url"`
	PoolMode             string    `json:"pool_mode"`
	ErrorRetryCount      int       `json:"error_retry_count"`
	BaseRPM              int       `json:"base_rpm"`
	ContributorRPM       int       `json:"contributor_rpm"`
	Credentials          int       `json:"credentials"`
	ActiveCredentials    int       `json:"active_credentials"`
	Users                int       `json:"users"`
	DatabasePath         string    `json:"database_path,omitempty"`
	TelemetryPath        string    `json:"telemetry_path,omitempty"`
	UsageLogPath         string    `json:"usage_log_path,omitempty"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	LogPath      string `yaml:"log_path" toml:"log_path"`             // request events
	UsageLogPath string `yaml:"usage_log_path" toml:"usage_log_path"` // per-attempt usage events
	LogToStdout  bool   `yaml:"log_to_stdout" toml:"log_to_stdout"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // json, console, auto
	Output string `yaml:"output" toml:"output"` // stdout, stderr, or file path
}
