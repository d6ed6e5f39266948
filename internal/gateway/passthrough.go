// OpenAI passthrough - forwards /openai/* to an OpenAI-compatible API.
//
// DESIGN: The request never touches the credential pool. It is authenticated
// like every other caller request and gated by the caller's rpm window
// only; the daily quota is not charged. The upstream response is streamed
// back as-is and one usage row without a credential is recorded.
package gateway

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/orchestrator"
	"github.com/compresr/pool-gateway/internal/quota"
	"github.com/compresr/pool-gateway/internal/usage"
)

// passthroughModel is the model name recorded for passthrough requests.
const passthroughModel = "openai"

var passthroughMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch,
}

// hopHeaders are response headers not copied back to the caller.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Trailer":           true,
	"Upgrade":           true,
}

// handleOpenAIPassthrough serves {GET,POST,PUT,DELETE,PATCH} /openai/{path...}.
func (g *Gateway) handleOpenAIPassthrough(w http.ResponseWriter, r *http.Request) {
	start := g.now()
	path := r.PathValue("path")
	req := orchestrator.Request{
		ID:       getRequestID(r),
		Format:   orchestrator.FormatOpenAI,
		Endpoint: "/openai/" + path,
		Model:    passthroughModel,
	}

	user, err := g.authenticate(r)
	if err != nil {
		g.reject(w, r, req, start, err)
		return
	}
	req.User = user

	if g.passthrough == nil || !g.passthrough.Configured() || g.admission == nil {
		g.reject(w, r, req, start, apierr.New(apierr.KindInternal,
			"openai passthrough is not configured").WithStatus(http.StatusServiceUnavailable))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		g.reject(w, r, req, start, err)
		return
	}
	req.Body = body
	req.Stream = gjson.GetBytes(body, "stream").Bool()

	owned := g.pool.Owned(user.ID)
	params := quota.AdmitParams{HasOwnedActive: owned.HasActive(), Exempt: user.Admin}
	if _, err := g.admission.Admit(user.ID, params, g.policy.Load()); err != nil {
		if apierr.Is(err, apierr.KindRateLimited) {
			g.metrics.RecordRateLimited()
		}
		g.reject(w, r, req, start, err)
		return
	}

	resp, err := g.passthrough.Forward(r.Context(), r.Method, path, r.URL.Query(), r.Header, body)
	if err != nil {
		g.admission.Release(user.ID, true)
		writeAPIError(w, req.Format, err)
		g.finishPassthrough(r, req, start, apierr.StatusOf(err), err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, v := range resp.Header {
		if !hopHeaders[http.CanonicalHeaderKey(k)] {
			w.Header()[k] = v
		}
	}
	w.WriteHeader(resp.StatusCode)
	copyErr := copyFlushing(w, resp.Body)
	g.admission.Release(user.ID, true)

	switch {
	case copyErr != nil:
		err = apierr.Wrap(apierr.KindStreamInterrupted, copyErr, "passthrough response interrupted")
	case resp.StatusCode >= 400:
		err = apierr.New(apierr.KindUpstreamRejected, "openai upstream answered %d", resp.StatusCode).
			WithStatus(resp.StatusCode)
	}
	g.finishPassthrough(r, req, start, resp.StatusCode, err)
}

// finishPassthrough records usage, metrics and telemetry of one passthrough request.
func (g *Gateway) finishPassthrough(r *http.Request, req orchestrator.Request, start time.Time, status int, err error) {
	latency := g.now().Sub(start)
	entry := usage.Entry{
		RequestID:  req.ID,
		UserID:     req.User.ID,
		Model:      passthroughModel,
		Endpoint:   req.Endpoint,
		Attempt:    1,
		Stream:     req.Stream,
		StatusCode: status,
		LatencyMs:  latency.Milliseconds(),
		Timestamp:  start,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if g.recorder != nil {
		g.recorder.Record(entry)
	}
	g.metrics.RecordRequest(err == nil, latency)
	g.recordRequest(r, req, start, status, orchestrator.Result{Status: status, Attempts: 1}, err)

	log.Info().
		Str("request_id", req.ID).
		Str("user", req.User.ID).
		Str("method", r.Method).
		Str("endpoint", req.Endpoint).
		Int("status", status).
		Bool("stream", req.Stream).
		Dur("latency", latency).
		Msg("openai passthrough completed")
}

// copyFlushing copies src to w, flushing after every read so event streams
// reach the caller as they arrive.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
