// Package upstream - classify.go maps upstream failures onto apierr kinds.
//
// DESIGN: Three outcomes matter to the orchestrator:
//   - AuthFailure:      the credential is broken (401/403, or an
//     UNAUTHENTICATED / PERMISSION_DENIED status in the body)
//   - TransientFailure: try another credential (429, 5xx, 404, 408, network)
//   - UpstreamRejected: the request itself is bad; no retry, no penalty
package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/compresr/pool-gateway/internal/apierr"
)

// maxErrorMessageLen bounds raw bodies copied into error messages.
const maxErrorMessageLen = 500

// Classify converts a non-2xx upstream response into a classified error.
// The returned error carries the upstream status.
func Classify(status int, body []byte) *apierr.Error {
	msg := errorMessage(status, body)
	rpcStatus := gjson.GetBytes(body, "error.status").String()

	var kind apierr.Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = apierr.KindAuthFailure
	case rpcStatus == "UNAUTHENTICATED" || rpcStatus == "PERMISSION_DENIED":
		kind = apierr.KindAuthFailure
	case status == http.StatusTooManyRequests,
		status == http.StatusNotFound,
		status == http.StatusRequestTimeout,
		status >= 500:
		kind = apierr.KindTransientFailure
	case status >= 400:
		kind = apierr.KindUpstreamRejected
	default:
		kind = apierr.KindTransientFailure
	}
	return apierr.New(kind, "upstream returned %d: %s", status, msg).WithStatus(status)
}

// ClassifyTransport classifies an error from the HTTP round trip itself.
// Context errors are kept visible through Unwrap so callers can tell a
// deadline or cancellation apart from a network failure.
func ClassifyTransport(err error) *apierr.Error {
	if errors.Is(err, context.Canceled) {
		return apierr.Wrap(apierr.KindCanceled, err, "upstream request canceled")
	}
	return apierr.Wrap(apierr.KindTransientFailure, err, "upstream request failed")
}

// ClassifyStreamError classifies an error envelope found inside an SSE stream.
func ClassifyStreamError(payload []byte) *apierr.Error {
	code := int(gjson.GetBytes(payload, "error.code").Int())
	if code == 0 {
		code = http.StatusInternalServerError
	}
	return Classify(code, payload)
}

func errorMessage(status int, body []byte) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	// Some endpoints answer with a JSON array of error objects.
	if msg := gjson.GetBytes(body, "0.error.message").String(); msg != "" {
		return msg
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return http.StatusText(status)
	}
	if len(text) > maxErrorMessageLen {
		text = text[:maxErrorMessageLen] + "..."
	}
	return text
}
