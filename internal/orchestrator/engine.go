// Package orchestrator drives one caller request from model resolution to a
// finished response, switching credentials on upstream failure.
//
// FILES:
//   - engine.go:      Engine, collaborators, request/result types, main loop
//   - state.go:       states and transition results
//   - transitions.go: one function per state
//   - attempt.go:     per-attempt context, first-byte timer, caller output
//
// DESIGN: The request is an explicit state machine. Each state function
// returns a Step and never calls the next state itself, so the retry bound
// and the bookkeeping on the two terminal states live in one place:
//
//	Resolving -> Admitting -> Selecting -> Calling -> Unary | Streaming
//	                              ^                        |
//	                              +------- Retry ----------+
//
// A stream is committed by its first content frame. Before that, nothing
// but keepalive comments reaches the caller, so a failed attempt can still
// be retried on another credential. After it, a failure ends the stream
// with an error frame.
package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/config"
	"github.com/compresr/pool-gateway/internal/models"
	"github.com/compresr/pool-gateway/internal/monitoring"
	"github.com/compresr/pool-gateway/internal/pool"
	"github.com/compresr/pool-gateway/internal/quota"
	"github.com/compresr/pool-gateway/internal/translator"
	"github.com/compresr/pool-gateway/internal/upstream"
	"github.com/compresr/pool-gateway/internal/usage"
	"github.com/compresr/pool-gateway/internal/users"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// CredentialPool hands out credentials and takes attempt outcomes.
type CredentialPool interface {
	Select(ctx context.Context, req pool.SelectRequest) (pool.Lease, error)
	ReportSuccess(id string)
	ReportFailure(id string, kind apierr.Kind, cause error)
	Owned(userID string) pool.OwnerSummary
}

// Admitter enforces quota and rate limits.
type Admitter interface {
	Admit(userID string, p quota.AdmitParams, policy config.PoolConfig) (quota.Admission, error)
	Commit(userID string)
	Release(userID string, reachedUpstream bool)
}

// Upstream performs Code Assist calls.
type Upstream interface {
	Generate(ctx context.Context, token string, body []byte) (*upstream.Response, error)
	Stream(ctx context.Context, token string, body []byte) (io.ReadCloser, error)
}

// Recorder receives one usage entry per attempt.
type Recorder interface {
	Record(e usage.Entry)
}

// Output is the caller side of a streaming response.
type Output interface {
	// Begin sends the event-stream response headers. Called at most once.
	Begin()
	// Write sends one frame and flushes it.
	Write(frame []byte) error
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// Format is the caller-facing API shape.
type Format string

const (
	FormatOpenAI Format = "openai"
	FormatNative Format = "native"
)

// Request is one caller request.
type Request struct {
	ID           string
	User         users.User
	Format       Format
	Endpoint     string
	Model        string // as sent by the caller
	Body         []byte
	Stream       bool
	IncludeUsage bool // OpenAI stream_options.include_usage
}

// Result describes how a request ended.
type Result struct {
	Status       int
	Body         []byte // unary responses only
	Streamed     bool   // the response went out through Output
	CredentialID string
	Attempts     int
	Usage        translator.Usage
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs requests.
type Engine struct {
	pool     CredentialPool
	limiter  Admitter
	upstream Upstream
	policy   *config.PoolStore
	recorder Recorder
	metrics  *monitoring.MetricsCollector

	firstByteTimeout time.Duration
	heartbeat        time.Duration
	now              func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithRecorder sets the usage recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithFirstByteTimeout bounds the wait for the first upstream byte per attempt.
func WithFirstByteTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.firstByteTimeout = d
	}
}

// WithHeartbeat sets the keepalive interval of fake-streaming responses.
func WithHeartbeat(d time.Duration) Option {
	return func(e *Engine) {
		e.heartbeat = d
	}
}

type discard struct{}

func (discard) Record(usage.Entry) {}

// New creates an engine.
func New(p CredentialPool, limiter Admitter, up Upstream, policy *config.PoolStore, opts ...Option) *Engine {
	e := &Engine{
		pool:             p,
		limiter:          limiter,
		upstream:         up,
		policy:           policy,
		recorder:         discard{},
		metrics:          monitoring.NewMetricsCollector(),
		firstByteTimeout: config.DefaultFirstByteTimeout,
		heartbeat:        config.DefaultFakeStreamHeartbeat,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run is the state of one request across its attempts.
type run struct {
	req     Request
	out     Output
	started time.Time

	resolved models.Resolved
	native   []byte
	enc      translator.StreamEncoder
	fake     bool

	policy   config.PoolConfig
	admitted bool

	attempt  int
	excluded map[string]struct{}
	lease    pool.Lease
	lastErr  error
	call     *attempt

	begun      bool // stream headers sent
	committed  bool // content frames sent
	callerGone bool

	result Result
}

// Execute runs req to completion. Streaming output goes to out, which may
// be nil for unary requests. When Result.Streamed is false and the error is
// non-nil, nothing has been written and the caller should render the error.
func (e *Engine) Execute(ctx context.Context, req Request, out Output) (Result, error) {
	r := &run{
		req:      req,
		out:      out,
		started:  e.now(),
		excluded: make(map[string]struct{}),
	}

	state := StateResolving
	for {
		step := e.transition(ctx, r, state)
		switch step.Kind {
		case StepNext:
			state = step.Next
		case StepRetry:
			r.excluded[step.Excluded] = struct{}{}
			r.lastErr = step.Err
			state = StateSelecting
		case StepSucceeded:
			e.succeed(r)
			return r.result, nil
		default:
			err := e.fail(r, step.Err)
			return r.result, err
		}
	}
}

func (e *Engine) transition(ctx context.Context, r *run, state State) Step {
	switch state {
	case StateResolving:
		return e.resolve(r)
	case StateAdmitting:
		return e.admit(r)
	case StateSelecting:
		return e.selectCredential(ctx, r)
	case StateCalling:
		return e.callUpstream(ctx, r)
	case StateUnary:
		return e.unary(ctx, r)
	case StateStreaming:
		return e.streaming(ctx, r)
	default:
		return failed(apierr.New(apierr.KindInternal, "unexpected state %s", state))
	}
}
