// Package upstream - passthrough.go forwards raw requests to an
// OpenAI-compatible API with a server-side key.
//
// DESIGN: Unlike Client, the passthrough does not translate anything. The
// caller's method, path, query and body go out unchanged; only an
// allow-list of request headers is forwarded and Authorization is replaced
// by the configured key. The response is returned unread so the gateway
// can stream it.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// forwardedHeaders are the caller headers sent on to the passthrough upstream.
var forwardedHeaders = []string{
	"Content-Type", "Accept",
	"OpenAI-Organization", "OpenAI-Project", "OpenAI-Beta",
}

// Passthrough forwards requests to an OpenAI-compatible API.
type Passthrough struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

// NewPassthrough creates a passthrough rooted at baseURL. A zero timeout
// leaves calls bounded only by their context, which streaming needs.
func NewPassthrough(baseURL, apiKey string, timeout time.Duration) *Passthrough {
	return &Passthrough{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		userAgent:  DefaultUserAgent,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a server-side key is set.
func (p *Passthrough) Configured() bool {
	return p != nil && p.apiKey != "" && p.baseURL != ""
}

// Forward sends one request to baseURL/path. The caller must close the
// response body. Transport failures come back classified.
func (p *Passthrough) Forward(ctx context.Context, method, path string, query url.Values, header http.Header, body []byte) (*http.Response, error) {
	target := p.baseURL + "/" + strings.TrimLeft(path, "/")
	query = withoutCallerKey(query)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build passthrough request: %w", err)
	}
	for _, h := range forwardedHeaders {
		if v := header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	return resp, nil
}

// withoutCallerKey drops the gateway api key a caller may pass as ?key=.
func withoutCallerKey(q url.Values) url.Values {
	if _, ok := q["key"]; !ok {
		return q
	}
	out := make(url.Values, len(q))
	for k, v := range q {
		if k != "key" {
			out[k] = v
		}
	}
	return out
}
