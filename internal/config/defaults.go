// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultPort is the listen port of the gateway.
const DefaultPort = 5001

// DefaultServerReadTimeout bounds reading a request (headers + body).
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultShutdownTimeout is how long graceful shutdown waits for in-flight requests.
const DefaultShutdownTimeout = 10 * time.Second

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxResponseSize is the maximum allowed upstream response body (50MB).
const MaxResponseSize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// =============================================================================
// UPSTREAM
// =============================================================================

// DefaultUpstreamBaseURL is the Code Assist API that serves Gemini to OAuth accounts.
const DefaultUpstreamBaseURL = "https://cloudcode-pa.googleapis.com"

// DefaultOpenAIBaseURL is where /openai/* requests are forwarded.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// DefaultTokenURL is the Google OAuth2 token endpoint used for refreshes.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// DefaultFirstByteTimeout bounds the wait for the first upstream byte per attempt.
const DefaultFirstByteTimeout = 60 * time.Second

// DefaultRequestTimeout bounds a whole unary upstream call.
const DefaultRequestTimeout = 5 * time.Minute

// DefaultRefreshMargin refreshes access tokens this long before they expire.
const DefaultRefreshMargin = 5 * time.Minute

// DefaultRefreshTimeout bounds one token endpoint exchange.
const DefaultRefreshTimeout = 15 * time.Second

// DefaultRefreshMaxElapsed caps backoff retries of a token refresh.
const DefaultRefreshMaxElapsed = 20 * time.Second

// DefaultFakeStreamHeartbeat is the keepalive interval for fake-streaming responses.
const DefaultFakeStreamHeartbeat = 3 * time.Second

// =============================================================================
// POOL
// =============================================================================

// DefaultPoolMode lets donors draw from every public credential.
const DefaultPoolMode = PoolModeFullShared

// DefaultBaseRPM is the per-minute ceiling for users without an owned credential.
const DefaultBaseRPM = 5

// DefaultContributorRPM is the per-minute ceiling for users owning an active credential.
const DefaultContributorRPM = 10

// DefaultErrorRetryCount is how many times a failed call is retried on another credential.
const DefaultErrorRetryCount = 3

// DefaultFailureThreshold is the consecutive transient failures tolerated before disabling.
const DefaultFailureThreshold = 3

// DefaultDailyQuota applies to users without an explicit quota.
const DefaultDailyQuota = 100

// DefaultCredentialRewardQuota is added to a user's daily quota per donated credential.
const DefaultCredentialRewardQuota = 1000

// =============================================================================
// QUOTA
// =============================================================================

// DefaultQuotaResetHour is the hour of day at which daily counters reset.
const DefaultQuotaResetHour = 7

// DefaultQuotaResetTimezone is the zone DefaultQuotaResetHour is expressed in.
const DefaultQuotaResetTimezone = "UTC"

// RateLimitWindow is the sliding window for requests-per-minute limits.
const RateLimitWindow = time.Minute

// =============================================================================
// CLEANUP AND MAINTENANCE
// =============================================================================

// DefaultCleanupInterval is the frequency for background cleanup goroutines.
const DefaultCleanupInterval = 5 * time.Minute

// DefaultStaleTimeout is when idle per-user entries are dropped.
const DefaultStaleTimeout = 48 * time.Hour

// =============================================================================
// STORAGE
// =============================================================================

// DefaultDatabasePath is the sqlite file holding credentials and usage.
const DefaultDatabasePath = "data/gateway.db"

// DefaultFlushInterval is how often dirty credential records are persisted.
const DefaultFlushInterval = 2 * time.Second

// DefaultSyncInterval is how often credentials added out-of-band are imported.
const DefaultSyncInterval = time.Minute

// DefaultUsageBuffer is the capacity of the usage recorder queue.
const DefaultUsageBuffer = 1024

// DefaultUsageBatch is the maximum number of usage entries written per batch.
const DefaultUsageBatch = 64

// =============================================================================
// CONFIG WATCHING
// =============================================================================

// DefaultReloadDebounce coalesces bursts of file events into one reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token.
// Used for rough token counting when exact counts aren't available.
const TokenEstimateRatio = 4
