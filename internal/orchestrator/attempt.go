// Package orchestrator - attempt.go holds per-attempt plumbing.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http/httptrace"
	"time"

	"github.com/compresr/pool-gateway/internal/translator"
	"github.com/compresr/pool-gateway/internal/upstream"
)

var (
	errFirstByteTimeout = errors.New("first byte timeout")
	errCallerGone       = errors.New("caller went away")
)

// attempt is one upstream call on one credential.
type attempt struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	timer    *time.Timer
	started  time.Time
	recorded bool

	resp *upstream.Response
	body io.ReadCloser
	err  error
}

// startAttempt derives the attempt context from the request context. The
// first-byte timer cancels it unless the upstream starts answering in time.
func (e *Engine) startAttempt(ctx context.Context) *attempt {
	actx, cancel := context.WithCancelCause(ctx)
	a := &attempt{cancel: cancel, started: e.now()}
	a.timer = time.AfterFunc(e.firstByteTimeout, func() { cancel(errFirstByteTimeout) })
	a.ctx = httptrace.WithClientTrace(actx, &httptrace.ClientTrace{
		GotFirstResponseByte: a.firstByte,
	})
	return a
}

func (a *attempt) firstByte() { a.timer.Stop() }

func (a *attempt) timedOut() bool {
	return errors.Is(context.Cause(a.ctx), errFirstByteTimeout)
}

// end releases the upstream body and the attempt context.
func (a *attempt) end() {
	a.timer.Stop()
	if a.body != nil {
		_ = a.body.Close()
		a.body = nil
	}
	a.cancel(nil)
}

// =============================================================================
// CALLER OUTPUT
// =============================================================================

func (r *run) beginStream() {
	if !r.begun {
		r.out.Begin()
		r.begun = true
	}
}

// write sends frames to the caller. A write error means the caller is gone.
func (r *run) write(frames ...[]byte) error {
	for _, f := range frames {
		if err := r.out.Write(f); err != nil {
			r.callerGone = true
			return err
		}
	}
	return nil
}

// generateWithKeepalive runs a unary call for a fake-streaming request,
// sending keepalive comments while it waits. Comments are not content, so
// the attempt can still be retried.
func (e *Engine) generateWithKeepalive(r *run, body []byte) (*upstream.Response, error) {
	type reply struct {
		resp *upstream.Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := e.upstream.Generate(r.call.ctx, r.lease.AccessToken, body)
		done <- reply{resp, err}
	}()

	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case rep := <-done:
			return rep.resp, rep.err
		case <-ticker.C:
			if r.callerGone {
				continue
			}
			r.beginStream()
			if err := r.write(translator.KeepaliveFrame); err != nil {
				r.call.cancel(errCallerGone)
			}
		}
	}
}
