// Package upstream - token.go exchanges refresh tokens for access tokens.
//
// DESIGN: A refresh is retried with exponential backoff while the failure
// looks transient (network error, 5xx, 429). Any other 4xx from the token
// endpoint (invalid_grant, invalid_client, ...) is permanent and comes back
// as an AuthFailure so the pool disables the credential.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/tidwall/gjson"

	"github.com/compresr/pool-gateway/internal/apierr"
)

// Token is the result of a refresh.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	Email       string // from the id_token, when the endpoint returns one
}

// Refresher exchanges refresh tokens at an OAuth2 token endpoint.
type Refresher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	maxElapsed   time.Duration
	now          func() time.Time
}

// RefresherOption configures the Refresher.
type RefresherOption func(*Refresher)

// WithRefreshHTTPClient sets a custom HTTP client.
func WithRefreshHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) {
		r.httpClient = c
	}
}

// WithRefreshTimeout bounds a single token endpoint exchange.
func WithRefreshTimeout(timeout time.Duration) RefresherOption {
	return func(r *Refresher) {
		r.httpClient.Timeout = timeout
	}
}

// WithMaxElapsed caps the total time spent retrying one refresh.
func WithMaxElapsed(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		r.maxElapsed = d
	}
}

// NewRefresher creates a refresher for the given OAuth client.
func NewRefresher(tokenURL, clientID, clientSecret string, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		maxElapsed:   20 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh exchanges refreshToken for a new access token.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, apierr.New(apierr.KindAuthFailure, "credential has no refresh token")
	}

	form := url.Values{
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}.Encode()

	var tok Token
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create token request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ClassifyTransport(err))
			}
			return apierr.Wrap(apierr.KindTransientFailure, err, "token endpoint unreachable")
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return apierr.Wrap(apierr.KindTransientFailure, err, "read token response")
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return apierr.New(apierr.KindTransientFailure, "token endpoint returned %d", resp.StatusCode).
				WithStatus(resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(apierr.New(apierr.KindAuthFailure,
				"token refresh rejected (%d): %s", resp.StatusCode, oauthError(data)).WithStatus(resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return apierr.New(apierr.KindTransientFailure, "token endpoint returned %d", resp.StatusCode)
		}

		parsed, err := r.parse(data)
		if err != nil {
			return backoff.Permanent(err)
		}
		tok = parsed
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = r.maxElapsed

	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		if _, ok := apierr.As(err); ok {
			return Token{}, err
		}
		return Token{}, apierr.Wrap(apierr.KindTransientFailure, err, "token refresh failed")
	}
	return tok, nil
}

func (r *Refresher) parse(data []byte) (Token, error) {
	access := gjson.GetBytes(data, "access_token").String()
	if access == "" {
		return Token{}, apierr.New(apierr.KindAuthFailure, "token response has no access_token")
	}
	expiresIn := gjson.GetBytes(data, "expires_in").Int()
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return Token{
		AccessToken: access,
		ExpiresAt:   r.now().Add(time.Duration(expiresIn) * time.Second),
		Email:       EmailFromIDToken(gjson.GetBytes(data, "id_token").String()),
	}, nil
}

// EmailFromIDToken reads the email claim of an id_token without verifying
// its signature. The token comes straight from the token endpoint over TLS;
// the email is only used as a display label.
func EmailFromIDToken(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	email, _ := claims["email"].(string)
	return email
}

func oauthError(data []byte) string {
	code := gjson.GetBytes(data, "error").String()
	desc := gjson.GetBytes(data, "error_description").String()
	switch {
	case code != "" && desc != "":
		return code + ": " + desc
	case code != "":
		return code
	default:
		text := strings.TrimSpace(string(data))
		if len(text) > maxErrorMessageLen {
			text = text[:maxErrorMessageLen]
		}
		return text
	}
}
