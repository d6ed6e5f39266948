// Package pool - verify.go probes credentials and detects their tier.
package pool

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/compresr/pool-gateway/internal/credential"
	"github.com/compresr/pool-gateway/internal/models"
)

// verifyConcurrency bounds parallel probes in VerifyAll.
const verifyConcurrency = 4

// VerifyResult is the outcome of probing one credential.
type VerifyResult struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	Valid     bool            `json:"valid"`
	Tier      credential.Tier `json:"tier"`
	ProjectID string          `json:"project_id,omitempty"`
	Email     string          `json:"email,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// probeOK reports whether a probe status proves the token works.
// A 429 means the account is authenticated but out of capacity.
func probeOK(status int) bool {
	return status == http.StatusOK || status == http.StatusTooManyRequests
}

// Verify forces a token refresh, discovers the project if needed, probes
// the base model, then probes an upgraded model to detect the tier.
// A valid credential is activated with its counters reset; an invalid one
// is disabled with the reason. The error is non-nil only for unknown ids.
func (p *Pool) Verify(ctx context.Context, id string) (VerifyResult, error) {
	rec, ok := p.store.Get(id)
	if !ok {
		return VerifyResult{}, fmt.Errorf("verify credential %q: %w", id, credential.ErrNotFound)
	}
	res := VerifyResult{ID: id, Label: rec.DisplayName(), Tier: rec.Tier, ProjectID: rec.ProjectID, Email: rec.Email}

	token := rec.AccessToken
	expires := rec.ExpiresAt
	if !rec.IsStatic() {
		tok, err := p.refresher.Refresh(ctx, rec.RefreshToken)
		p.metrics.RecordRefresh(err == nil)
		if err != nil {
			return p.invalidate(id, res, fmt.Errorf("refresh: %w", err)), nil
		}
		token, expires = tok.AccessToken, tok.ExpiresAt
		if res.Email == "" {
			res.Email = tok.Email
		}
	}

	if res.ProjectID == "" {
		project, err := p.prober.LoadCodeAssist(ctx, token)
		if err != nil {
			return p.invalidate(id, res, fmt.Errorf("discover project: %w", err)), nil
		}
		res.ProjectID = project
	}

	status, err := p.prober.Probe(ctx, token, res.ProjectID, models.Gemini25Flash)
	if err != nil {
		return p.invalidate(id, res, fmt.Errorf("probe: %w", err)), nil
	}
	if !probeOK(status) {
		return p.invalidate(id, res, fmt.Errorf("probe %s returned %d", models.Gemini25Flash, status)), nil
	}

	res.Valid = true
	res.Tier = credential.TierBase
	if status, err := p.prober.Probe(ctx, token, res.ProjectID, models.Gemini3ProPreview); err == nil && probeOK(status) {
		res.Tier = credential.TierUpgraded
	}

	_, err = p.store.Update(id, func(r *credential.Record) {
		r.Active = true
		r.ConsecutiveFailures = 0
		r.LastError = ""
		r.Tier = res.Tier
		r.ProjectID = res.ProjectID
		r.AccessToken = token
		r.ExpiresAt = expires
		r.Email = res.Email
	})
	if err != nil {
		return res, fmt.Errorf("verify credential %q: %w", id, err)
	}
	log.Info().Str("credential", id).Str("tier", string(res.Tier)).Str("project", res.ProjectID).Msg("credential verified")
	return res, nil
}

func (p *Pool) invalidate(id string, res VerifyResult, cause error) VerifyResult {
	res.Valid = false
	res.Error = cause.Error()
	rec, err := p.store.Update(id, func(r *credential.Record) {
		r.Active = false
		r.LastError = res.Error
	})
	if err == nil {
		log.Warn().Str("credential", id).Str("label", rec.DisplayName()).Err(cause).Msg("credential failed verification")
	}
	return res
}

// VerifyAll verifies every credential with bounded concurrency.
// Results are ordered by credential id.
func (p *Pool) VerifyAll(ctx context.Context) []VerifyResult {
	recs := p.store.All()
	results := make([]VerifyResult, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for i := range recs {
		g.Go(func() error {
			res, err := p.Verify(gctx, recs[i].ID)
			if err != nil {
				res = VerifyResult{ID: recs[i].ID, Error: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}
