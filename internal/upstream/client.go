// Package upstream talks to the Code Assist API and the Google OAuth token endpoint.
//
// FILES:
//   - client.go:   generate / stream-generate / loadCodeAssist calls
//   - token.go:    refresh-token exchange with backoff
//   - classify.go: maps upstream failures onto the apierr taxonomy
//
// DESIGN: The client is stateless apart from its http.Client. Every call
// takes the access token and a context, so one Client serves every
// credential in the pool. Non-2xx responses come back as classified
// *apierr.Error values; the orchestrator decides what to retry.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/pool-gateway/internal/apierr"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "pool-gateway/1.0"

// maxBodySize bounds upstream response bodies read into memory.
const maxBodySize = 50 * 1024 * 1024

// =============================================================================
// Client
// =============================================================================

// Client calls the Code Assist v1internal API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout. Streaming calls are bounded by
// their context instead, so keep this at zero when the client streams.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = timeout
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(client *Client) {
		if ua != "" {
			client.userAgent = ua
		}
	}
}

// NewClient creates a Code Assist client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  DefaultUserAgent,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// API Methods
// =============================================================================

// Response is a completed unary upstream call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Generate performs a unary generateContent call with an enveloped body.
func (c *Client) Generate(ctx context.Context, token string, body []byte) (*Response, error) {
	resp, err := c.post(ctx, token, "/v1internal:generateContent", body, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransientFailure, err, "read upstream response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Classify(resp.StatusCode, data)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// Stream performs a streamGenerateContent call and returns the SSE body.
// The caller must close the returned reader.
func (c *Client) Stream(ctx context.Context, token string, body []byte) (io.ReadCloser, error) {
	resp, err := c.post(ctx, token, "/v1internal:streamGenerateContent?alt=sse", body, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		return nil, Classify(resp.StatusCode, data)
	}
	return resp.Body, nil
}

// Probe sends a minimal "hi" prompt to model and returns the upstream status.
// Transport failures are returned as errors; any HTTP status is not.
func (c *Client) Probe(ctx context.Context, token, project, model string) (int, error) {
	body := []byte(`{"request":{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}}`)
	body, _ = sjson.SetBytes(body, "model", model)
	body, _ = sjson.SetBytes(body, "project", project)

	resp, err := c.post(ctx, token, "/v1internal:generateContent", body, false)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
	return resp.StatusCode, nil
}

const loadCodeAssistBody = `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`

// LoadCodeAssist discovers the Code Assist project bound to the account.
func (c *Client) LoadCodeAssist(ctx context.Context, token string) (string, error) {
	resp, err := c.post(ctx, token, "/v1internal:loadCodeAssist", []byte(loadCodeAssistBody), false)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", apierr.Wrap(apierr.KindTransientFailure, err, "read loadCodeAssist response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", Classify(resp.StatusCode, data)
	}

	// cloudaicompanionProject is either a plain id or an object with an id.
	project := gjson.GetBytes(data, "cloudaicompanionProject")
	if project.IsObject() {
		project = project.Get("id")
	}
	if project.String() == "" {
		return "", fmt.Errorf("loadCodeAssist returned no project")
	}
	return project.String(), nil
}

// =============================================================================
// HTTP helpers
// =============================================================================

func (c *Client) post(ctx context.Context, token, path string, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	return resp, nil
}
