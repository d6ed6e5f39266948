// Package usage records one immutable log entry per upstream attempt.
//
// DESIGN: Request paths hand entries to a buffered channel and never wait on
// storage. A single writer goroutine drains the channel in batches and fans
// each batch out to every Sink (the SQLite usage log, JSONL telemetry).
// When the buffer is full the entry is dropped and counted; a slow disk
// must not add latency to proxied requests.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/monitoring"
)

// sinkTimeout bounds one batch write to one sink.
const sinkTimeout = 10 * time.Second

// Entry is one completed upstream attempt.
type Entry struct {
	RequestID    string    `json:"request_id"`
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
	Timestamp    time.Time `json:"timestamp"`
}

// Succeeded reports whether the attempt completed with a 2xx status.
func (e *Entry) Succeeded() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}

// Sink persists batches of entries.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
}

// Counter reads aggregate usage back, for restoring daily counters at startup.
type Counter interface {
	CountSuccessesSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder queues entries for asynchronous writing.
type Recorder struct {
	sinks   []Sink
	batch   int
	metrics *monitoring.MetricsCollector

	mu     sync.RWMutex
	closed bool
	ch     chan Entry
	done   chan struct{}
}

// NewRecorder creates a recorder with the given queue capacity and batch size.
// metrics may be nil.
func NewRecorder(buffer, batch int, metrics *monitoring.MetricsCollector, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = 1
	}
	if batch <= 0 {
		batch = 1
	}
	r := &Recorder{
		sinks:   sinks,
		batch:   batch,
		metrics: metrics,
		ch:      make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues an entry. It never blocks; a full queue drops the entry.
func (r *Recorder) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.ch <- e:
	default:
		if r.metrics != nil {
			r.metrics.RecordUsageDropped()
		}
		log.Warn().
			Str("request_id", e.RequestID).
			Str("user", e.UserID).
			Int("attempt", e.Attempt).
			Msg("usage queue full, entry dropped")
	}
}

// Close stops accepting entries and waits until queued ones are written or
// ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	buf := make([]Entry, 0, r.batch)
	for first := range r.ch {
		buf = append(buf[:0], first)
	drain:
		for len(buf) < r.batch {
			select {
			case e, ok := <-r.ch:
				if !ok {
					break drain
				}
				buf = append(buf, e)
			default:
				break drain
			}
		}
		r.write(buf)
	}
}

func (r *Recorder) write(entries []Entry) {
	for _, sink := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := sink.Write(ctx, entries)
		cancel()
		if err != nil {
			log.Error().Err(err).Int("count", len(entries)).Msg("usage sink write failed")
		}
	}
	if r.metrics != nil {
		r.metrics.RecordUsageWritten(len(entries))
	}
}

// =============================================================================
// TELEMETRY SINK
// =============================================================================

// TelemetrySink writes entries to the JSONL usage log.
type TelemetrySink struct {
	tracker *monitoring.Tracker
}

// NewTelemetrySink wraps a telemetry tracker.
func NewTelemetrySink(tracker *monitoring.Tracker) *TelemetrySink {
	return &TelemetrySink{tracker: tracker}
}

// Write implements Sink.
func (s *TelemetrySink) Write(_ context.Context, entries []Entry) error {
	if !s.tracker.UsageLogEnabled() {
		return nil
	}
	events := make([]monitoring.UsageEvent, len(entries))
	for i, e := range entries {
		events[i] = monitoring.UsageEvent{
			RequestID:    e.RequestID,
			Timestamp:    e.Timestamp,
			UserID:       e.UserID,
			CredentialID: e.CredentialID,
			Model:        e.Model,
			Endpoint:     e.Endpoint,
			Attempt:      e.Attempt,
			Stream:       e.Stream,
			StatusCode:   e.StatusCode,
			LatencyMs:    e.LatencyMs,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			Error:        e.Error,
		}
	}
	return s.tracker.RecordUsage(events)
}
