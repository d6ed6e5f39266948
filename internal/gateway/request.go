// Request utilities - caller identity, native paths, request ids.
//
// DESIGN:
//   - apiKey():       Bearer, then x-api-key, then x-goog-api-key, then ?key=
//   - parseTarget():  "<model>:<method>" from native paths
//   - readBody():     bounded body read
package gateway

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/config"
	"github.com/compresr/pool-gateway/internal/users"
)

// HeaderRequestID carries a caller-supplied request id.
const HeaderRequestID = "X-Request-ID"

// nativePrefixes are the path prefixes the native API is served under.
var nativePrefixes = []string{"/v1beta/models", "/v1/models", "/v1/v1beta/models"}

const (
	methodGenerate = "generateContent"
	methodStream   = "streamGenerateContent"
)

// apiKey extracts the caller's key.
func apiKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	if key := r.Header.Get("X-Goog-Api-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

// authenticate resolves the caller. The error is an apierr (Unauthorized or Forbidden).
func (g *Gateway) authenticate(r *http.Request) (users.User, error) {
	key := apiKey(r)
	if key == "" {
		return users.User{}, apierr.New(apierr.KindUnauthorized, "missing api key")
	}
	return g.users.Authenticate(key)
}

// parseTarget splits "<model>:<method>" on the last colon.
func parseTarget(target string) (model, method string, err error) {
	i := strings.LastIndexByte(target, ':')
	if i <= 0 || i == len(target)-1 {
		return "", "", apierr.New(apierr.KindInvalidRequest, "expected <model>:<method>, got %q", target)
	}
	model, method = target[:i], target[i+1:]
	model = strings.TrimPrefix(model, "models/")
	switch method {
	case methodGenerate, methodStream:
		return model, method, nil
	default:
		return "", "", apierr.New(apierr.KindInvalidRequest, "unsupported method %q", method)
	}
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierr.Wrap(apierr.KindInvalidRequest, err, "request body too large").WithStatus(http.StatusRequestEntityTooLarge)
		}
		return nil, apierr.Wrap(apierr.KindInvalidRequest, err, "failed to read request")
	}
	return body, nil
}

// getRequestID gets or generates a request ID.
func getRequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" && len(id) <= 128 {
		return id
	}
	return uuid.New().String()
}

// clientIP is the caller address without the port.
func clientIP(r *http.Request) string {
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i > 0 {
		return strings.Trim(r.RemoteAddr[:i], "[]")
	}
	return r.RemoteAddr
}
