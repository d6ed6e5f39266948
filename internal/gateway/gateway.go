// Package gateway is the HTTP surface of the credential pool gateway.
//
// DESIGN: The gateway authenticates the caller, reads the body, and hands an
// orchestrator.Request to the engine. Model resolution, quota, credential
// choice and retries all happen behind Executor; handlers here only pick
// the response shape (OpenAI or native) and write it.
//
// FILES:
//   - gateway.go:      Gateway, collaborators, routes, server lifecycle
//   - handler.go:      chat completions, native generate, health
//   - passthrough.go:  /openai/* forwarding with a server-side key
//   - models.go:       model listings
//   - account.go:      caller quota and credential summary
//   - admin.go:        loopback-only credential and pool administration
//   - stats.go:        loopback-only metrics
//   - request.go:      API keys, native paths, request ids
//   - response.go:     JSON and error writers, SSE output
//   - middleware.go:   recovery, access log, CORS
//   - init_logging.go: startup telemetry event
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/config"
	"github.com/compresr/pool-gateway/internal/credential"
	"github.com/compresr/pool-gateway/internal/monitoring"
	"github.com/compresr/pool-gateway/internal/orchestrator"
	"github.com/compresr/pool-gateway/internal/pool"
	"github.com/compresr/pool-gateway/internal/quota"
	"github.com/compresr/pool-gateway/internal/usage"
	"github.com/compresr/pool-gateway/internal/users"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Executor runs one caller request.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request, out orchestrator.Output) (orchestrator.Result, error)
}

// CredentialPool is the pool as seen by listings and administration.
type CredentialPool interface {
	HasActiveUpgraded() bool
	Counts() (total, active int)
	Snapshot() []credential.Record
	Owned(userID string) pool.OwnerSummary
	Import(ctx context.Context, rec credential.Record) (credential.Record, pool.VerifyResult, error)
	Verify(ctx context.Context, id string) (pool.VerifyResult, error)
	VerifyAll(ctx context.Context) []pool.VerifyResult
	SetActive(id string, active bool) (credential.Record, error)
	SetVisibility(id string, v credential.Visibility) (credential.Record, error)
}

// QuotaReader reports per-user quota counters.
type QuotaReader interface {
	Usage(userID string) (today int64, windowCount int)
	NextReset(t time.Time) time.Time
}

// Admitter gates requests that bypass the engine by the rpm window.
type Admitter interface {
	Admit(userID string, p quota.AdmitParams, policy config.PoolConfig) (quota.Admission, error)
	Release(userID string, reachedUpstream bool)
}

// Passthrough forwards raw requests to an OpenAI-compatible upstream.
type Passthrough interface {
	Configured() bool
	Forward(ctx context.Context, method, path string, query url.Values, header http.Header, body []byte) (*http.Response, error)
}

// UsageRecorder accepts usage log entries.
type UsageRecorder interface {
	Record(e usage.Entry)
}

// Deps are the collaborators of a Gateway. Tracker, Storage, Admission,
// Passthrough and Recorder may be nil; without Passthrough or Admission
// the /openai/* routes answer 503.
type Deps struct {
	Engine      Executor
	Pool        CredentialPool
	Quota       QuotaReader
	Users       users.Directory
	Policy      *config.PoolStore
	Metrics     *monitoring.MetricsCollector
	Tracker     *monitoring.Tracker
	Storage     func(ctx context.Context) error // health probe of the database
	Admission   Admitter
	Passthrough Passthrough
	Recorder    UsageRecorder
}

// =============================================================================
// GATEWAY
// =============================================================================

// Gateway serves the caller-facing and admin HTTP API.
type Gateway struct {
	cfg     *config.Config
	engine  Executor
	pool    CredentialPool
	quota   QuotaReader
	users   users.Directory
	policy  *config.PoolStore
	metrics *monitoring.MetricsCollector
	tracker *monitoring.Tracker
	storage func(ctx context.Context) error

	admission   Admitter
	passthrough Passthrough
	recorder    UsageRecorder

	handler http.Handler
	server  *http.Server
	now     func() time.Time
}

// New creates a gateway.
func New(cfg *config.Config, deps Deps) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		engine:  deps.Engine,
		pool:    deps.Pool,
		quota:   deps.Quota,
		users:   deps.Users,
		policy:  deps.Policy,
		metrics: deps.Metrics,
		tracker: deps.Tracker,
		storage: deps.Storage,
		now:     time.Now,

		admission:   deps.Admission,
		passthrough: deps.Passthrough,
		recorder:    deps.Recorder,
	}
	if g.metrics == nil {
		g.metrics = monitoring.NewMetricsCollector()
	}
	g.handler = g.routes()
	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return g
}

// Handler returns the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler { return g.handler }

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// OpenAI façade
	mux.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("POST /chat/completions", g.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", g.handleOpenAIModels)
	mux.HandleFunc("GET /models", g.handleOpenAIModels)
	mux.HandleFunc("GET /v1/me", g.handleAccount)

	// Native façade; {target} is "<model>:<method>"
	for _, prefix := range nativePrefixes {
		mux.HandleFunc("POST "+prefix+"/{target...}", g.handleNative)
	}
	mux.HandleFunc("GET /v1beta/models", g.handleNativeModels)
	mux.HandleFunc("GET /v1/v1beta/models", g.handleNativeModels)

	// OpenAI passthrough with the server-side key
	for _, method := range passthroughMethods {
		mux.HandleFunc(method+" /openai/{path...}", g.handleOpenAIPassthrough)
	}

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)

	// Admin (loopback only)
	mux.HandleFunc("GET /admin/credentials", g.loopbackOnly(g.handleListCredentials))
	mux.HandleFunc("POST /admin/credentials", g.loopbackOnly(g.handleImportCredential))
	mux.HandleFunc("POST /admin/credentials/verify", g.loopbackOnly(g.handleVerifyAll))
	mux.HandleFunc("POST /admin/credentials/{id}/verify", g.loopbackOnly(g.handleVerifyCredential))
	mux.HandleFunc("POST /admin/credentials/{id}/enable", g.loopbackOnly(g.handleSetActive(true)))
	mux.HandleFunc("POST /admin/credentials/{id}/disable", g.loopbackOnly(g.handleSetActive(false)))
	mux.HandleFunc("POST /admin/credentials/{id}/visibility", g.loopbackOnly(g.handleSetVisibility))
	mux.HandleFunc("GET /admin/pool", g.loopbackOnly(g.handleGetPoolConfig))
	mux.HandleFunc("PUT /admin/pool", g.loopbackOnly(g.handlePutPoolConfig))
	mux.HandleFunc("GET /admin/users", g.loopbackOnly(g.handleListUsers))

	// Recovery innermost so panics are logged with the request.
	var h http.Handler = recoveryMiddleware(mux)
	h = corsMiddleware(g.cfg.Server.CORSOrigin, h)
	h = accessLogMiddleware(h)
	return h
}

// Start listens until Shutdown. It returns nil on a clean shutdown.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Msg("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if err := g.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
