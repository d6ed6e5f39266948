// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes: Caller requests and how many succeeded
//   - attempts/retries:   Upstream attempts and credential switches
//   - rejections:         Admission failures (quota, rate limit, no credential)
//   - refreshes:          Token refreshes and refresh failures
//   - disabled:           Credentials quarantined by the pool
//   - streams:            Streams started and interrupted after commit
//   - tokens:             Input and output tokens reported by the upstream
//   - failures:           The most recent credential failures (failure_log.go)
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests  atomic.Int64
	successes atomic.Int64
	canceled  atomic.Int64

	// Attempt counters
	attempts          atomic.Int64
	retries           atomic.Int64
	firstByteTimeouts atomic.Int64

	// Admission counters
	quotaRejected     atomic.Int64
	rateLimited       atomic.Int64
	noCredential      atomic.Int64
	usageEntriesLost  atomic.Int64
	usageEntriesSaved atomic.Int64

	// Credential counters
	refreshes           atomic.Int64
	refreshFailures     atomic.Int64
	credentialsDisabled atomic.Int64

	// Streaming counters
	streams            atomic.Int64
	streamsInterrupted atomic.Int64

	// Token counters (from usageMetadata, or estimated)
	totalInputTokens  atomic.Int64
	totalOutputTokens atomic.Int64

	failures *FailureLog
}

// recentFailuresShown is how many failures /stats lists.
const recentFailuresShown = 20

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
		failures:  NewFailureLog(),
	}
}

// RecordRequest records a finished caller request.
func (mc *MetricsCollector) RecordRequest(success bool, _ time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordCanceled records a request abandoned by the caller.
func (mc *MetricsCollector) RecordCanceled() { mc.canceled.Add(1) }

// RecordAttempt records one upstream attempt. Attempts after the first are retries.
func (mc *MetricsCollector) RecordAttempt(attempt int) {
	mc.attempts.Add(1)
	if attempt > 1 {
		mc.retries.Add(1)
	}
}

// RecordFirstByteTimeout records an attempt abandoned before the first upstream byte.
func (mc *MetricsCollector) RecordFirstByteTimeout() { mc.firstByteTimeouts.Add(1) }

// RecordQuotaRejected records a daily quota rejection.
func (mc *MetricsCollector) RecordQuotaRejected() { mc.quotaRejected.Add(1) }

// RecordRateLimited records a per-minute rate limit rejection.
func (mc *MetricsCollector) RecordRateLimited() { mc.rateLimited.Add(1) }

// RecordNoCredential records a request failed for lack of an eligible credential.
func (mc *MetricsCollector) RecordNoCredential() { mc.noCredential.Add(1) }

// RecordUsageDropped records usage entries dropped because the recorder queue was full.
func (mc *MetricsCollector) RecordUsageDropped() { mc.usageEntriesLost.Add(1) }

// RecordUsageWritten records usage entries persisted by the recorder.
func (mc *MetricsCollector) RecordUsageWritten(n int) { mc.usageEntriesSaved.Add(int64(n)) }

// RecordRefresh records a token refresh and whether it succeeded.
func (mc *MetricsCollector) RecordRefresh(success bool) {
	mc.refreshes.Add(1)
	if !success {
		mc.refreshFailures.Add(1)
	}
}

// RecordCredentialDisabled records a credential flipped to inactive by the pool.
func (mc *MetricsCollector) RecordCredentialDisabled() { mc.credentialsDisabled.Add(1) }

// RecordCredentialFailure records a failure charged to a credential.
func (mc *MetricsCollector) RecordCredentialFailure(e FailureEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	mc.failures.Record(e)
}

// Failures returns the failure log.
func (mc *MetricsCollector) Failures() *FailureLog { return mc.failures }

// RecordStream records a committed stream.
func (mc *MetricsCollector) RecordStream() { mc.streams.Add(1) }

// RecordStreamInterrupted records a committed stream that failed mid-way.
func (mc *MetricsCollector) RecordStreamInterrupted() { mc.streamsInterrupted.Add(1) }

// RecordAPIUsage records token usage from the upstream response.
func (mc *MetricsCollector) RecordAPIUsage(inputTokens, outputTokens int) {
	mc.totalInputTokens.Add(int64(inputTokens))
	mc.totalOutputTokens.Add(int64(outputTokens))
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// Stats returns current metrics as a flat map.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":             mc.requests.Load(),
		"successes":            mc.successes.Load(),
		"attempts":             mc.attempts.Load(),
		"retries":              mc.retries.Load(),
		"refreshes":            mc.refreshes.Load(),
		"credentials_disabled": mc.credentialsDisabled.Load(),
		"streams_interrupted":  mc.streamsInterrupted.Load(),
	}
}

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	requests := mc.requests.Load()
	successes := mc.successes.Load()
	attempts := mc.attempts.Load()
	retries := mc.retries.Load()

	var retryRate float64
	if attempts > 0 {
		retryRate = float64(retries) / float64(attempts) * 100
	}

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:      requests,
			Successful: successes,
			Failed:     requests - successes,
			Canceled:   mc.canceled.Load(),
		},
		Attempts: AttemptStats{
			Total:             attempts,
			Retries:           retries,
			RetryRate:         retryRate,
			FirstByteTimeouts: mc.firstByteTimeouts.Load(),
		},
		Admission: AdmissionStats{
			QuotaExceeded:        mc.quotaRejected.Load(),
			RateLimited:          mc.rateLimited.Load(),
			NoEligibleCredential: mc.noCredential.Load(),
		},
		Credentials: CredentialStats{
			Refreshes:       mc.refreshes.Load(),
			RefreshFailures: mc.refreshFailures.Load(),
			Disabled:        mc.credentialsDisabled.Load(),
		},
		Streams: StreamStats{
			Committed:   mc.streams.Load(),
			Interrupted: mc.streamsInterrupted.Load(),
		},
		Tokens: TokenStats{
			InputTokens:  mc.totalInputTokens.Load(),
			OutputTokens: mc.totalOutputTokens.Load(),
		},
		Usage: UsageStats{
			Written: mc.usageEntriesSaved.Load(),
			Dropped: mc.usageEntriesLost.Load(),
		},
		RecentFailures: mc.failures.Recent(recentFailuresShown),
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string          `json:"uptime"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	StartedAt     string          `json:"started_at"`
	Requests      RequestStats    `json:"requests"`
	Attempts      AttemptStats    `json:"attempts"`
	Admission     AdmissionStats  `json:"admission"`
	Credentials   CredentialStats `json:"credentials"`
	Streams       StreamStats     `json:"streams"`
	Tokens        TokenStats      `json:"tokens"`
	Usage         UsageStats      `json:"usage"`

	RecentFailures []FailureEntry `json:"recent_failures"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Canceled   int64 `json:"canceled"`
}

// AttemptStats holds upstream attempt metrics.
type AttemptStats struct {
	Total             int64   `json:"total"`
	Retries           int64   `json:"retries"`
	RetryRate         float64 `json:"retry_rate"`
	FirstByteTimeouts int64   `json:"first_byte_timeouts"`
}

// AdmissionStats holds rejection counts by reason.
type AdmissionStats struct {
	QuotaExceeded        int64 `json:"quota_exceeded"`
	RateLimited          int64 `json:"rate_limited"`
	NoEligibleCredential int64 `json:"no_eligible_credential"`
}

// CredentialStats holds credential health metrics.
type CredentialStats struct {
	Refreshes       int64 `json:"refreshes"`
	RefreshFailures int64 `json:"refresh_failures"`
	Disabled        int64 `json:"disabled"`
}

// StreamStats holds streaming metrics.
type StreamStats struct {
	Committed   int64 `json:"committed"`
	Interrupted int64 `json:"interrupted"`
}

// TokenStats holds token usage metrics.
type TokenStats struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UsageStats holds usage recorder metrics.
type UsageStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
