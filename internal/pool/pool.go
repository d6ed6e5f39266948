// Package pool selects upstream credentials for requests and tracks their health.
//
// FILES:
//   - pool.go:   Pool, selection policy, outcome reporting
//   - token.go:  single-flight token refresh and project discovery
//   - verify.go: verification probe and tier detection
//   - admin.go:  add, enable/disable, owner summaries, snapshots
//
// DESIGN: The pool owns no records; it reads and mutates them through the
// credential.Store, which gives each record its own lock. Selection ranks an
// unlocked snapshot, then claims the best candidate by compare-and-set on its
// LastUsedAt under the record lock: if another caller stamped it since the
// snapshot, the next candidate is tried. Concurrent callers therefore spread
// across the pool without a pool-wide lock. The claim re-checks Active, so a
// credential disabled concurrently is never handed out.
package pool

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/config"
	"github.com/compresr/pool-gateway/internal/credential"
	"github.com/compresr/pool-gateway/internal/monitoring"
	"github.com/compresr/pool-gateway/internal/upstream"
	"github.com/compresr/pool-gateway/internal/utils"
)

// TokenRefresher exchanges refresh tokens for access tokens.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (upstream.Token, error)
}

// Prober runs the calls used by verification and project discovery.
type Prober interface {
	Probe(ctx context.Context, token, project, model string) (int, error)
	LoadCodeAssist(ctx context.Context, token string) (string, error)
}

// Pool selects credentials and records outcomes.
type Pool struct {
	store     *credential.Store
	refresher TokenRefresher
	prober    Prober
	policy    *config.PoolStore
	metrics   *monitoring.MetricsCollector

	refreshMargin time.Duration
	flights       singleflight.Group
	now           func() time.Time
}

// Option configures the Pool.
type Option func(*Pool)

// WithRefreshMargin sets how long before expiry a token is refreshed.
func WithRefreshMargin(d time.Duration) Option {
	return func(p *Pool) {
		p.refreshMargin = d
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// New creates a pool over store.
func New(store *credential.Store, refresher TokenRefresher, prober Prober, policy *config.PoolStore, opts ...Option) *Pool {
	p := &Pool{
		store:         store,
		refresher:     refresher,
		prober:        prober,
		policy:        policy,
		metrics:       monitoring.NewMetricsCollector(),
		refreshMargin: config.DefaultRefreshMargin,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// =============================================================================
// SELECTION
// =============================================================================

// SelectRequest describes who needs a credential and for what.
type SelectRequest struct {
	UserID       string
	RequiredTier credential.Tier
	Excluded     map[string]struct{}
	Mode         config.PoolMode
}

// Lease is a copy of what one attempt needs from a credential.
type Lease struct {
	ID          string
	Label       string
	Email       string
	OwnerID     string
	ProjectID   string
	AccessToken string
	Tier        credential.Tier
}

// Select picks the best eligible credential and returns it with a usable
// access token. Credentials whose refresh fails are excluded and selection
// repeats among the rest. Entries added to req.Excluded by failed refreshes
// stay there, so the caller does not retry them either.
func (p *Pool) Select(ctx context.Context, req SelectRequest) (Lease, error) {
	if req.Excluded == nil {
		req.Excluded = make(map[string]struct{})
	}
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return Lease{}, apierr.Wrap(apierr.KindCanceled, err, "credential selection canceled")
		}

		rec, ok := p.claim(req)
		if !ok {
			p.metrics.RecordNoCredential()
			if lastErr != nil {
				return Lease{}, apierr.Wrap(apierr.KindNoEligibleCredential, lastErr,
					"no eligible credential for tier %s", req.RequiredTier)
			}
			return Lease{}, apierr.New(apierr.KindNoEligibleCredential,
				"no eligible credential for tier %s", req.RequiredTier)
		}

		lease, err := p.prepare(ctx, rec)
		if err == nil {
			return lease, nil
		}
		if apierr.Is(err, apierr.KindCanceled) || ctx.Err() != nil {
			return Lease{}, err
		}
		log.Debug().Str("credential", rec.ID).Err(err).Msg("credential not ready, reselecting")
		req.Excluded[rec.ID] = struct{}{}
		lastErr = err
	}
}

// claimRounds bounds how often claim re-ranks after losing every
// compare-and-set to concurrent callers.
const claimRounds = 4

// claim ranks eligible credentials and stamps the first one nobody else
// claimed since the snapshot was taken. After claimRounds lost rounds it
// settles for the best candidate that is still active.
func (p *Pool) claim(req SelectRequest) (credential.Record, bool) {
	for round := 0; ; round++ {
		candidates := p.candidates(req)
		if len(candidates) == 0 {
			return credential.Record{}, false
		}
		contended := round < claimRounds
		now := p.now()
		for i := range candidates {
			seen := candidates[i].LastUsedAt
			rec, claimed, err := p.store.UpdateIf(candidates[i].ID, func(r *credential.Record) bool {
				if !r.Active || !r.Tier.Satisfies(req.RequiredTier) {
					return false
				}
				if contended && !r.LastUsedAt.Equal(seen) {
					return false
				}
				r.LastUsedAt = now
				return true
			})
			if err == nil && claimed {
				return rec, true
			}
		}
		if !contended {
			return credential.Record{}, false
		}
	}
}

// candidates returns the eligible credentials in selection order.
func (p *Pool) candidates(req SelectRequest) []credential.Record {
	all := p.store.All()
	owned := summarize(all, req.UserID)
	out := make([]credential.Record, 0, len(all))
	for i := range all {
		if p.eligible(&all[i], req, owned) {
			out = append(out, all[i])
		}
	}
	rank(out)
	return out
}

func (p *Pool) eligible(rec *credential.Record, req SelectRequest, owned OwnerSummary) bool {
	if !rec.Active || !rec.Tier.Satisfies(req.RequiredTier) {
		return false
	}
	if _, skip := req.Excluded[rec.ID]; skip {
		return false
	}
	return visible(rec, req.UserID, req.Mode, owned)
}

// visible applies the pool mode's sharing rules.
func visible(rec *credential.Record, userID string, mode config.PoolMode, owned OwnerSummary) bool {
	if userID != "" && rec.OwnerID == userID {
		return true
	}
	if !rec.IsPublic() {
		return false
	}
	switch mode {
	case config.PoolModePrivate:
		return false
	case config.PoolModeTierShared:
		if owned.Upgraded > 0 {
			return rec.Tier == credential.TierUpgraded
		}
		return rec.Tier == credential.TierBase
	default:
		return owned.Donor()
	}
}

// rank orders candidates: never used first, then least recently used,
// then lower failure ratio, then id.
func rank(recs []credential.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := &recs[i], &recs[j]
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		if ra, rb := a.FailureRatio(), b.FailureRatio(); ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})
}

// =============================================================================
// OUTCOMES
// =============================================================================

// ReportSuccess records a successful attempt.
func (p *Pool) ReportSuccess(id string) {
	now := p.now()
	_, err := p.store.Update(id, func(r *credential.Record) {
		r.ConsecutiveFailures = 0
		r.LastUsedAt = now
		r.TotalRequests++
	})
	if err != nil {
		log.Warn().Err(err).Str("credential", id).Msg("report success on unknown credential")
	}
}

// ReportFailure records a failed attempt. Auth failures disable the
// credential at once; transient failures disable it once the consecutive
// count passes the configured threshold. Other kinds are not the
// credential's fault and only count as a request.
func (p *Pool) ReportFailure(id string, kind apierr.Kind, cause error) {
	p.recordFailure(id, kind, cause, kind == apierr.KindAuthFailure)
}

// recordFailure counts a failed attempt. disableNow takes an auth or
// transient failure straight out of rotation, skipping the threshold.
func (p *Pool) recordFailure(id string, kind apierr.Kind, cause error, disableNow bool) {
	threshold := p.policy.Load().FailureThreshold
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var disabled bool
	rec, err := p.store.Update(id, func(r *credential.Record) {
		r.TotalRequests++
		if kind != apierr.KindAuthFailure && kind != apierr.KindTransientFailure {
			return
		}
		r.ConsecutiveFailures++
		r.TotalFailures++
		r.LastError = msg
		if !r.Active {
			return
		}
		if disableNow || r.ConsecutiveFailures > threshold {
			r.Active = false
			disabled = true
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("credential", id).Msg("report failure on unknown credential")
		return
	}
	if kind == apierr.KindAuthFailure || kind == apierr.KindTransientFailure {
		p.metrics.RecordCredentialFailure(monitoring.FailureEntry{
			CredentialID: id,
			Kind:         string(kind),
			Message:      utils.Truncate(msg, 200),
			Disabled:     disabled,
		})
	}
	if disabled {
		p.metrics.RecordCredentialDisabled()
		log.Warn().
			Str("credential", id).
			Str("label", rec.DisplayName()).
			Str("kind", string(kind)).
			Int("consecutive_failures", rec.ConsecutiveFailures).
			Err(cause).
			Msg("credential disabled")
	}
}
