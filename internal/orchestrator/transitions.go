// Package orchestrator - transitions.go implements one function per state.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/models"
	"github.com/compresr/pool-gateway/internal/pool"
	"github.com/compresr/pool-gateway/internal/quota"
	"github.com/compresr/pool-gateway/internal/translator"
	"github.com/compresr/pool-gateway/internal/upstream"
	"github.com/compresr/pool-gateway/internal/usage"
)

// =============================================================================
// RESOLVING / ADMITTING
// =============================================================================

func (e *Engine) resolve(r *run) Step {
	res, err := models.Resolve(r.req.Model)
	if err != nil {
		return failed(err)
	}
	r.resolved = res

	var native []byte
	if r.req.Format == FormatOpenAI {
		native, err = translator.FromOpenAI(r.req.Body)
	} else {
		native, err = translator.FromNative(r.req.Body)
	}
	if err != nil {
		return failed(err)
	}
	r.native = translator.ApplyDirectives(native, res)

	if r.req.Stream {
		if r.out == nil {
			return failed(apierr.New(apierr.KindInternal, "streaming request without an output"))
		}
		r.fake = res.Directives.FakeStream
		if r.req.Format == FormatOpenAI {
			r.enc = translator.NewOpenAIStreamEncoder(r.req.Model, r.req.IncludeUsage, r.native)
		} else {
			r.enc = translator.NewNativeStreamEncoder(r.native)
		}
	}
	return next(StateAdmitting)
}

func (e *Engine) admit(r *run) Step {
	r.policy = e.policy.Load()
	user := r.req.User
	owned := e.pool.Owned(user.ID)

	params := quota.AdmitParams{
		Class:          quota.Class(owned.Class()),
		DailyQuota:     quota.EffectiveDailyQuota(user.DailyQuota, owned.Public, r.policy),
		HasOwnedActive: owned.HasActive(),
		Exempt:         user.Admin,
	}
	if _, err := e.limiter.Admit(user.ID, params, r.policy); err != nil {
		switch apierr.KindOf(err) {
		case apierr.KindQuotaExceeded:
			e.metrics.RecordQuotaRejected()
		case apierr.KindRateLimited:
			e.metrics.RecordRateLimited()
		}
		return failed(err)
	}
	r.admitted = true
	return next(StateSelecting)
}

// =============================================================================
// SELECTING / CALLING
// =============================================================================

func (e *Engine) selectCredential(ctx context.Context, r *run) Step {
	lease, err := e.pool.Select(ctx, pool.SelectRequest{
		UserID:       r.req.User.ID,
		RequiredTier: r.resolved.RequiredTier(),
		Excluded:     r.excluded,
		Mode:         r.policy.Mode,
	})
	if err != nil {
		if apierr.Is(err, apierr.KindNoEligibleCredential) && r.lastErr != nil {
			return failed(apierr.Wrap(apierr.KindNoEligibleCredential, r.lastErr,
				"no eligible credential left after %d attempts", r.attempt))
		}
		return failed(err)
	}
	r.lease = lease
	return next(StateCalling)
}

func (e *Engine) callUpstream(ctx context.Context, r *run) Step {
	r.attempt++
	e.metrics.RecordAttempt(r.attempt)
	if r.enc != nil {
		r.enc.Begin(r.attempt)
	}

	body := translator.Envelope(r.native, r.resolved.Model, r.lease.ProjectID)
	r.call = e.startAttempt(ctx)

	log.Debug().
		Str("request_id", r.req.ID).
		Str("credential", r.lease.Label).
		Str("model", r.resolved.Model).
		Int("attempt", r.attempt).
		Msg("calling upstream")

	switch {
	case r.req.Stream && !r.fake:
		r.call.body, r.call.err = e.upstream.Stream(r.call.ctx, r.lease.AccessToken, body)
		r.call.firstByte()
		return next(StateStreaming)
	case r.fake:
		r.call.resp, r.call.err = e.generateWithKeepalive(r, body)
	default:
		r.call.resp, r.call.err = e.upstream.Generate(r.call.ctx, r.lease.AccessToken, body)
	}
	return next(StateUnary)
}

// =============================================================================
// UNARY / STREAMING
// =============================================================================

func (e *Engine) unary(ctx context.Context, r *run) Step {
	defer r.call.end()
	if r.call.err != nil {
		return e.attemptFailed(ctx, r, r.call.err)
	}
	raw := r.call.resp.Body

	if r.fake {
		frames, _, err := r.enc.Encode(raw)
		if err != nil {
			return e.attemptFailed(ctx, r, err)
		}
		r.beginStream()
		r.committed = true
		e.metrics.RecordStream()
		if err := r.write(append(frames, r.enc.Finish()...)...); err != nil {
			return failed(apierr.Wrap(apierr.KindCanceled, errCallerGone, "stream write failed"))
		}
		r.result.Usage = r.enc.Usage()
		return succeeded()
	}

	if r.req.Format == FormatOpenAI {
		r.result.Body, r.result.Usage = translator.ToOpenAI(raw, r.req.Model, r.native)
	} else {
		r.result.Body = translator.Unwrap(raw)
		r.result.Usage = translator.NativeUsage(raw, r.native)
	}
	return succeeded()
}

// streaming relays upstream events. Frames are held back until the first
// one carrying content; from then on the attempt is committed.
func (e *Engine) streaming(ctx context.Context, r *run) Step {
	defer r.call.end()
	if r.call.err != nil {
		return e.attemptFailed(ctx, r, r.call.err)
	}

	reader := translator.NewSSEReader(r.call.body)
	var pending [][]byte
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			err = upstream.ClassifyTransport(err)
		} else {
			var frames [][]byte
			var content bool
			frames, content, err = r.enc.Encode(event)
			if err == nil {
				if !r.committed {
					pending = append(pending, frames...)
					if !content {
						continue
					}
					r.beginStream()
					r.committed = true
					e.metrics.RecordStream()
					frames, pending = pending, nil
				}
				if werr := r.write(frames...); werr != nil {
					return failed(apierr.Wrap(apierr.KindCanceled, werr, "stream write failed"))
				}
				continue
			}
		}

		if !r.committed {
			return e.attemptFailed(ctx, r, err)
		}
		return e.interrupted(ctx, r, err)
	}

	// Clean end of stream. A stream without content is still a response.
	r.beginStream()
	r.committed = true
	if err := r.write(append(pending, r.enc.Finish()...)...); err != nil {
		return failed(apierr.Wrap(apierr.KindCanceled, err, "stream write failed"))
	}
	r.result.Usage = r.enc.Usage()
	return succeeded()
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

// canceled returns a Canceled error when the caller has gone away.
func canceled(ctx context.Context, r *run) error {
	if err := ctx.Err(); err != nil {
		return apierr.Wrap(apierr.KindCanceled, err, "request canceled")
	}
	if r.callerGone {
		return apierr.Wrap(apierr.KindCanceled, errCallerGone, "request canceled")
	}
	return nil
}

// attemptFailed handles an attempt that failed before anything was
// committed to the caller.
func (e *Engine) attemptFailed(ctx context.Context, r *run, err error) Step {
	if cerr := canceled(ctx, r); cerr != nil {
		return failed(cerr)
	}
	if r.call.timedOut() {
		e.metrics.RecordFirstByteTimeout()
		err = apierr.Wrap(apierr.KindTransientFailure, errFirstByteTimeout,
			"no upstream response within %s", e.firstByteTimeout)
	}

	kind := apierr.KindOf(err)
	e.pool.ReportFailure(r.lease.ID, kind, err)
	e.record(r, apierr.StatusOf(err), translator.Usage{}, err)

	switch kind {
	case apierr.KindAuthFailure, apierr.KindTransientFailure:
		if r.attempt <= r.policy.ErrorRetryCount {
			log.Warn().
				Err(err).
				Str("request_id", r.req.ID).
				Str("credential", r.lease.Label).
				Int("attempt", r.attempt).
				Msg("upstream attempt failed, switching credential")
			return retry(r.lease.ID, err)
		}
		return failed(surface(err))
	default:
		return failed(err)
	}
}

// interrupted handles a failure after the stream was committed.
func (e *Engine) interrupted(ctx context.Context, r *run, cause error) Step {
	if cerr := canceled(ctx, r); cerr != nil {
		return failed(cerr)
	}
	e.pool.ReportFailure(r.lease.ID, apierr.KindOf(cause), cause)
	e.metrics.RecordStreamInterrupted()
	return failed(apierr.Wrap(apierr.KindStreamInterrupted, cause, "upstream stream interrupted"))
}

// surface maps an exhausted upstream failure to the caller-facing status:
// upstream 4xx statuses pass through, everything else becomes 502.
func surface(err error) error {
	e, ok := apierr.As(err)
	if !ok || e.Status < http.StatusInternalServerError {
		return err
	}
	out := *e
	out.Status = http.StatusBadGateway
	return &out
}

// =============================================================================
// TERMINAL STATES
// =============================================================================

func (e *Engine) succeed(r *run) {
	user := r.req.User.ID
	e.limiter.Commit(user)
	e.pool.ReportSuccess(r.lease.ID)

	u := r.result.Usage
	e.record(r, http.StatusOK, u, nil)

	r.result.Status = http.StatusOK
	r.result.Streamed = r.begun
	r.result.CredentialID = r.lease.ID
	r.result.Attempts = r.attempt

	latency := e.now().Sub(r.started)
	e.metrics.RecordRequest(true, latency)
	e.metrics.RecordAPIUsage(u.PromptTokens, u.CompletionTokens+u.ReasoningTokens)

	log.Info().
		Str("request_id", r.req.ID).
		Str("user", user).
		Str("model", r.resolved.Model).
		Str("credential", r.lease.Label).
		Int("attempts", r.attempt).
		Bool("stream", r.req.Stream).
		Int("input_tokens", u.PromptTokens).
		Int("output_tokens", u.CompletionTokens).
		Dur("latency", latency).
		Msg("request completed")
}

func (e *Engine) fail(r *run, err error) error {
	if r.admitted {
		e.limiter.Release(r.req.User.ID, r.attempt > 0)
	}

	kind := apierr.KindOf(err)
	status := apierr.StatusOf(err)
	if kind == apierr.KindCanceled {
		status = apierr.StatusClientClosedRequest
		e.metrics.RecordCanceled()
	} else {
		e.metrics.RecordRequest(false, e.now().Sub(r.started))
	}

	if r.call != nil && !r.call.recorded {
		var u translator.Usage
		if r.committed {
			u = r.enc.Usage()
		}
		e.record(r, status, u, err)
	}
	if r.begun && kind != apierr.KindCanceled {
		_ = r.write(r.enc.ErrorFrame(err))
	}

	r.result.Status = status
	r.result.Streamed = r.begun
	r.result.CredentialID = r.lease.ID
	r.result.Attempts = r.attempt

	event := log.Warn()
	if kind == apierr.KindCanceled || status < http.StatusInternalServerError {
		event = log.Info()
	}
	event.
		Err(err).
		Str("request_id", r.req.ID).
		Str("user", r.req.User.ID).
		Str("model", r.req.Model).
		Int("attempts", r.attempt).
		Int("status", status).
		Msg("request failed")
	return err
}

// record appends the usage entry of the current attempt.
func (e *Engine) record(r *run, status int, u translator.Usage, err error) {
	r.call.recorded = true
	entry := usage.Entry{
		RequestID:    r.req.ID,
		UserID:       r.req.User.ID,
		CredentialID: r.lease.ID,
		Model:        r.resolved.Model,
		Endpoint:     r.req.Endpoint,
		Attempt:      r.attempt,
		Stream:       r.req.Stream,
		StatusCode:   status,
		LatencyMs:    e.now().Sub(r.call.started).Milliseconds(),
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens + u.ReasoningTokens,
		Timestamp:    e.now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	e.recorder.Record(entry)
}
