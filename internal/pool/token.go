// Package pool - token.go makes a claimed credential ready for a call.
//
// DESIGN: Refresh and project discovery run inside one singleflight call
// keyed by credential id, so a burst of requests that all picked the same
// expiring credential triggers one token exchange. The flight runs on a
// context detached from the first caller, so that caller going away does
// not fail every waiter; each waiter still gives up on its own context.
// Only the flight leader reports the failure, so one broken refresh counts
// once against the credential.
package pool

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/credential"
)

// prepare returns a lease for rec, refreshing its token and discovering its
// project first when needed.
func (p *Pool) prepare(ctx context.Context, rec credential.Record) (Lease, error) {
	if !rec.NeedsRefresh(p.now(), p.refreshMargin) && rec.ProjectID != "" {
		return leaseOf(rec), nil
	}

	ch := p.flights.DoChan(rec.ID, func() (any, error) {
		return p.ready(context.WithoutCancel(ctx), rec.ID)
	})
	select {
	case <-ctx.Done():
		return Lease{}, apierr.Wrap(apierr.KindCanceled, ctx.Err(), "waiting for token refresh")
	case res := <-ch:
		if res.Err != nil {
			return Lease{}, res.Err
		}
		return res.Val.(Lease), nil
	}
}

// ready runs inside the flight. It re-reads the record because an earlier
// flight may already have done the work.
func (p *Pool) ready(ctx context.Context, id string) (Lease, error) {
	rec, ok := p.store.Get(id)
	if !ok {
		return Lease{}, apierr.Wrap(apierr.KindTransientFailure, credential.ErrNotFound, "credential %s vanished", id)
	}

	if rec.NeedsRefresh(p.now(), p.refreshMargin) {
		tok, err := p.refresher.Refresh(ctx, rec.RefreshToken)
		p.metrics.RecordRefresh(err == nil)
		if err != nil {
			kind := apierr.KindTransientFailure
			if apierr.Is(err, apierr.KindAuthFailure) {
				kind = apierr.KindAuthFailure
			}
			log.Error().Err(err).Str("credential", id).Str("kind", string(kind)).Msg("token refresh failed")
			// The refresher already retried with backoff; a credential that
			// cannot produce a token leaves rotation until it is re-enabled.
			p.recordFailure(id, kind, err, true)
			return Lease{}, apierr.Wrap(kind, err, "refresh credential %s", id)
		}

		rec, err = p.store.Update(id, func(r *credential.Record) {
			r.AccessToken = tok.AccessToken
			r.ExpiresAt = tok.ExpiresAt
			if r.Email == "" {
				r.Email = tok.Email
			}
		})
		if err != nil {
			return Lease{}, apierr.Wrap(apierr.KindTransientFailure, err, "store refreshed token")
		}
		log.Debug().Str("credential", id).Time("expires_at", tok.ExpiresAt).Msg("access token refreshed")
	}

	if rec.ProjectID == "" {
		project, err := p.prober.LoadCodeAssist(ctx, rec.AccessToken)
		if err != nil {
			kind := apierr.KindOf(err)
			if kind != apierr.KindAuthFailure {
				kind = apierr.KindTransientFailure
			}
			log.Warn().Err(err).Str("credential", id).Msg("project discovery failed")
			p.ReportFailure(id, kind, err)
			return Lease{}, apierr.Wrap(kind, err, "discover project for credential %s", id)
		}
		rec, err = p.store.Update(id, func(r *credential.Record) { r.ProjectID = project })
		if err != nil {
			return Lease{}, apierr.Wrap(apierr.KindTransientFailure, err, "store project id")
		}
		log.Info().Str("credential", id).Str("project", project).Msg("project discovered")
	}

	return leaseOf(rec), nil
}

func leaseOf(rec credential.Record) Lease {
	return Lease{
		ID:          rec.ID,
		Label:       rec.DisplayName(),
		Email:       rec.Email,
		OwnerID:     rec.OwnerID,
		ProjectID:   rec.ProjectID,
		AccessToken: rec.AccessToken,
		Tier:        rec.Tier,
	}
}
