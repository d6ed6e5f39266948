package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/orchestrator"
	"github.com/compresr/pool-gateway/internal/translator"
)

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a plain JSON error (admin and health endpoints).
func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// writeAPIError writes err in the caller's API shape.
func writeAPIError(w http.ResponseWriter, format orchestrator.Format, err error) {
	var e *apierr.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	body := translator.OpenAIErrorBody(err)
	if format == orchestrator.FormatNative {
		body = translator.NativeErrorBody(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.StatusOf(err))
	_, _ = w.Write(body)
}

// =============================================================================
// SSE OUTPUT
// =============================================================================

// sseOutput writes event-stream frames, flushing each one.
type sseOutput struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEOutput(w http.ResponseWriter) *sseOutput {
	flusher, _ := w.(http.Flusher)
	return &sseOutput{w: w, flusher: flusher}
}

func (o *sseOutput) Begin() {
	h := o.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	o.w.WriteHeader(http.StatusOK)
	if o.flusher != nil {
		o.flusher.Flush()
	}
}

func (o *sseOutput) Write(frame []byte) error {
	if _, err := o.w.Write(frame); err != nil {
		return err
	}
	if o.flusher != nil {
		o.flusher.Flush()
	}
	return nil
}
