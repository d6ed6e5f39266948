// HTTP request handling for the credential pool gateway.
//
// DESIGN: Main request flow:
//   - handleChatCompletions(): OpenAI façade entry point
//   - handleNative():          native generateContent / streamGenerateContent
//   - serve():                 run the engine, write the result, record telemetry
//
// Streaming responses are written by the engine through sseOutput. When the
// engine fails before the stream began, serve() renders a JSON error in the
// caller's shape instead.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/models"
	"github.com/compresr/pool-gateway/internal/monitoring"
	"github.com/compresr/pool-gateway/internal/orchestrator"
	"github.com/compresr/pool-gateway/internal/translator"
	"github.com/compresr/pool-gateway/internal/utils"
)

// handleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := g.now()
	req := orchestrator.Request{
		ID:       getRequestID(r),
		Format:   orchestrator.FormatOpenAI,
		Endpoint: "chat/completions",
	}

	user, err := g.authenticate(r)
	if err != nil {
		g.reject(w, r, req, start, err)
		return
	}
	req.User = user

	body, err := readBody(w, r)
	if err != nil {
		g.reject(w, r, req, start, err)
		return
	}
	req.Body = body
	req.Model = translator.OpenAIModel(body)
	req.Stream, req.IncludeUsage = translator.OpenAIStreamOptions(body)

	g.serve(w, r, req, start)
}

// handleNative serves POST {prefix}/{model}:{method}.
func (g *Gateway) handleNative(w http.ResponseWriter, r *http.Request) {
	start := g.now()
	req := orchestrator.Request{
		ID:     getRequestID(r),
		Format: orchestrator.FormatNative,
	}

	user, err := g.authenticate(r)
	if err != nil {
		g.reject(w, r, req, start, err)
		return
	}
	req.User = user

	model, method, err := parseTarget(r.PathValue("target"))
	if err != nil {
		g.reject(w, r, req, start, err)
		return
	}
	req.Model = model
	req.Endpoint = method
	req.Stream = method == methodStream

	body, err := readBody(w, r)
	if err != nil {
		g.reject(w, r, req, start, err)
		return
	}
	req.Body = body

	g.serve(w, r, req, start)
}

// serve runs req through the engine and writes whatever the engine did not.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, req orchestrator.Request, start time.Time) {
	var out orchestrator.Output
	if req.Stream {
		out = newSSEOutput(w)
	}

	res, err := g.engine.Execute(r.Context(), req, out)
	switch {
	case res.Streamed:
		// frames, including any terminal error frame, are already out
	case err != nil:
		writeAPIError(w, req.Format, err)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Body)
	}

	status := res.Status
	if status == 0 {
		status = apierr.StatusOf(err)
		if err == nil {
			status = http.StatusOK
		}
	}
	g.recordRequest(r, req, start, status, res, err)
}

// reject writes an error raised before the engine ran.
func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, req orchestrator.Request, start time.Time, err error) {
	writeAPIError(w, req.Format, err)
	if apierr.Is(err, apierr.KindUnauthorized) || apierr.Is(err, apierr.KindForbidden) {
		log.Info().
			Str("request_id", req.ID).
			Str("client_ip", clientIP(r)).
			Str("api_key", utils.MaskKey(apiKey(r))).
			Err(err).
			Msg("caller rejected")
	}
	g.recordRequest(r, req, start, apierr.StatusOf(err), orchestrator.Result{}, err)
}

// recordRequest writes the telemetry event of one caller request.
func (g *Gateway) recordRequest(r *http.Request, req orchestrator.Request, start time.Time, status int, res orchestrator.Result, err error) {
	if g.tracker == nil {
		return
	}
	ev := &monitoring.RequestEvent{
		RequestID:      req.ID,
		Timestamp:      start,
		Method:         r.Method,
		Path:           r.URL.Path,
		ClientIP:       clientIP(r),
		UserID:         req.User.ID,
		Format:         string(req.Format),
		Model:          req.Model,
		Stream:         req.Stream,
		StatusCode:     status,
		Attempts:       res.Attempts,
		CredentialID:   res.CredentialID,
		Success:        err == nil,
		TotalLatencyMs: time.Since(start).Milliseconds(),
		InputTokens:    res.Usage.PromptTokens,
		OutputTokens:   res.Usage.CompletionTokens,
	}
	if resolved, rerr := models.Resolve(req.Model); rerr == nil {
		ev.FakeStream = req.Stream && resolved.Directives.FakeStream
	}
	if err != nil {
		ev.ErrorKind = string(apierr.KindOf(err))
		ev.Error = err.Error()
	}
	g.tracker.RecordRequest(ev)
}

// =============================================================================
// HEALTH
// =============================================================================

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	Time              string `json:"time"`
	Credentials       int    `json:"credentials"`
	ActiveCredentials int    `json:"active_credentials"`
	Storage           string `json:"storage"`
}

// handleHealth returns gateway health status. An empty pool is degraded
// but still answers 200; a failing database answers 503.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, active := g.pool.Counts()
	resp := HealthResponse{
		Status:            "ok",
		Time:              g.now().UTC().Format(time.RFC3339),
		Credentials:       total,
		ActiveCredentials: active,
		Storage:           "ok",
	}
	if active == 0 {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if g.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.storage(ctx); err != nil {
			log.Warn().Err(err).Msg("health: storage check failed")
			resp.Storage = "unavailable"
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
