// Package monitoring - telemetry.go records events to JSONL files.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per line):
//   - RequestEvent: Every caller request through the gateway
//   - UsageEvent:   Every upstream attempt (written in batches by the usage recorder)
//   - InitEvent:    Gateway startup, in init.jsonl next to the request log
//
// Events are appended to files immediately for real-time logging.
package monitoring

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/utils"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config         TelemetryConfig
	requestLogPath string
	usageLogPath   string
	initLogPath    string
	requestCount   int
	usageCount     int
	mu             sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{
		config: cfg,
	}

	if !cfg.Enabled {
		return t, nil
	}

	if cfg.LogPath != "" {
		if err := ensureFile(cfg.LogPath); err != nil {
			return nil, err
		}
		t.requestLogPath = cfg.LogPath
		t.initLogPath = filepath.Join(filepath.Dir(cfg.LogPath), "init.jsonl")
		if err := ensureFile(t.initLogPath); err != nil {
			return nil, err
		}
	}

	if cfg.UsageLogPath != "" {
		if err := ensureFile(cfg.UsageLogPath); err != nil {
			return nil, err
		}
		t.usageLogPath = cfg.UsageLogPath
	}

	return t, nil
}

// ensureFile creates the parent directory and an empty file if missing.
func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path) // #nosec G304 -- operator-configured telemetry path
		if err != nil {
			return err
		}
		_ = f.Close()
	}
	return nil
}

// appendJSONL appends JSON objects as lines to the file.
func appendJSONL(path string, events ...any) error {
	data, err := utils.AppendJSONLines(nil, events...)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 -- operator-configured telemetry path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordRequest records a request event.
func (t *Tracker) RecordRequest(event *RequestEvent) {
	if !t.config.Enabled || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		reqID := event.RequestID
		if len(reqID) > 8 {
			reqID = reqID[:8]
		}
		log.Info().
			Str("request_id", reqID).
			Str("user", event.UserID).
			Str("model", event.Model).
			Int("attempts", event.Attempts).
			Int("status", event.StatusCode).
			Bool("success", event.Success).
			Msg("telemetry")
	}

	if t.requestLogPath != "" {
		if err := appendJSONL(t.requestLogPath, event); err != nil {
			log.Error().Err(err).Str("path", t.requestLogPath).Msg("telemetry: failed to write request event")
		} else {
			t.requestCount++
		}
	}
}

// UsageLogEnabled returns true if per-attempt usage logging is enabled.
func (t *Tracker) UsageLogEnabled() bool {
	return t.config.Enabled && t.usageLogPath != ""
}

// RecordUsage appends a batch of usage events in one write.
func (t *Tracker) RecordUsage(events []UsageEvent) error {
	if !t.UsageLogEnabled() || len(events) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	batch := make([]any, len(events))
	for i := range events {
		batch[i] = events[i]
	}
	if err := appendJSONL(t.usageLogPath, batch...); err != nil {
		return err
	}
	t.usageCount += len(events)
	return nil
}

// RecordInit records a gateway initialization event to a dedicated init JSONL.
func (t *Tracker) RecordInit(event *InitEvent) {
	if !t.config.Enabled || t.initLogPath == "" || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := appendJSONL(t.initLogPath, event); err != nil {
		log.Error().Err(err).Str("path", t.initLogPath).Msg("telemetry: failed to write init event")
	}
}

// Close logs a session summary.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.requestCount > 0 || t.usageCount > 0 {
		log.Info().
			Str("path", t.requestLogPath).
			Int("requests", t.requestCount).
			Int("usage_events", t.usageCount).
			Msg("telemetry: session complete")
	}

	return nil
}
