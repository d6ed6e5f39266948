// Package pool - admin.go covers ownership summaries and credential management.
package pool

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/credential"
	"github.com/compresr/pool-gateway/internal/utils"
)

// OwnerSummary counts a user's active credentials.
type OwnerSummary struct {
	Base     int `json:"base"`
	Upgraded int `json:"upgraded"`
	Public   int `json:"public"`
}

// Total is the number of active owned credentials.
func (s OwnerSummary) Total() int { return s.Base + s.Upgraded }

// HasActive reports whether the user owns at least one active credential.
func (s OwnerSummary) HasActive() bool { return s.Total() > 0 }

// Donor reports whether the user shares at least one active credential.
func (s OwnerSummary) Donor() bool { return s.Public > 0 }

// Class is the user's tier classification.
func (s OwnerSummary) Class() string {
	switch {
	case s.Upgraded > 0:
		return "contributor_upgraded"
	case s.Base > 0:
		return "contributor_base"
	default:
		return "no_credential"
	}
}

func summarize(recs []credential.Record, userID string) OwnerSummary {
	var s OwnerSummary
	if userID == "" {
		return s
	}
	for i := range recs {
		r := &recs[i]
		if r.OwnerID != userID || !r.Active {
			continue
		}
		if r.Tier == credential.TierUpgraded {
			s.Upgraded++
		} else {
			s.Base++
		}
		if r.IsPublic() {
			s.Public++
		}
	}
	return s
}

// Owned summarizes the active credentials owned by userID.
func (p *Pool) Owned(userID string) OwnerSummary {
	return summarize(p.store.All(), userID)
}

// HasActiveUpgraded reports whether any upgraded credential is active.
func (p *Pool) HasActiveUpgraded() bool {
	for _, r := range p.store.All() {
		if r.Active && r.Tier == credential.TierUpgraded {
			return true
		}
	}
	return false
}

// Snapshot returns every record with secrets removed, ordered by id.
func (p *Pool) Snapshot() []credential.Record {
	all := p.store.All()
	for i := range all {
		all[i] = all[i].Redacted()
	}
	return all
}

// Counts returns the number of records and how many are active.
func (p *Pool) Counts() (total, active int) {
	for _, r := range p.store.All() {
		total++
		if r.Active {
			active++
		}
	}
	return total, active
}

// Add inserts a new credential. A missing id gets a uuid; a record whose
// email or refresh token matches an existing one is rejected with
// credential.ErrDuplicate.
func (p *Pool) Add(_ context.Context, rec credential.Record) (credential.Record, error) {
	if rec.RefreshToken == "" && rec.AccessToken == "" {
		return credential.Record{}, fmt.Errorf("add credential: refresh_token is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Tier == "" {
		rec.Tier = credential.TierBase
	}
	if rec.Visibility == "" {
		rec.Visibility = credential.VisibilityPrivate
	}
	rec.Email = strings.TrimSpace(rec.Email)

	added, err := p.store.InsertUnique(rec, func(existing *credential.Record) string {
		return duplicateOf(existing, &rec)
	})
	if err != nil {
		// On a duplicate, added is the existing record.
		return added.Redacted(), fmt.Errorf("add credential: %w", err)
	}
	log.Info().
		Str("credential", rec.ID).
		Str("email", utils.MaskEmail(rec.Email)).
		Str("owner", rec.OwnerID).
		Str("visibility", string(rec.Visibility)).
		Msg("credential added")
	return added.Redacted(), nil
}

func duplicateOf(existing, rec *credential.Record) string {
	switch {
	case rec.Email != "" && strings.EqualFold(existing.Email, rec.Email):
		return "email"
	case rec.RefreshToken != "" && existing.RefreshToken == rec.RefreshToken:
		return "refresh token"
	default:
		return ""
	}
}

// SetActive enables or disables a credential. Enabling clears the failure streak.
func (p *Pool) SetActive(id string, active bool) (credential.Record, error) {
	rec, err := p.store.Update(id, func(r *credential.Record) {
		r.Active = active
		if active {
			r.ConsecutiveFailures = 0
			r.LastError = ""
		}
	})
	if err != nil {
		return credential.Record{}, err
	}
	log.Info().Str("credential", id).Bool("active", active).Msg("credential state changed")
	return rec.Redacted(), nil
}

// SetVisibility changes whether a credential is shared.
func (p *Pool) SetVisibility(id string, v credential.Visibility) (credential.Record, error) {
	rec, err := p.store.Update(id, func(r *credential.Record) { r.Visibility = v })
	if err != nil {
		return credential.Record{}, err
	}
	return rec.Redacted(), nil
}

// Import adds a credential and verifies it right away. The credential is
// shared only when it was requested public and passed verification; a
// failing one is kept, private and inactive, with the reason recorded.
func (p *Pool) Import(ctx context.Context, rec credential.Record) (credential.Record, VerifyResult, error) {
	public := rec.IsPublic()
	rec.Visibility = credential.VisibilityPrivate
	rec.Active = false

	added, err := p.Add(ctx, rec)
	if err != nil {
		return added, VerifyResult{}, err
	}
	res, err := p.Verify(ctx, added.ID)
	if err != nil {
		return added, res, err
	}
	if res.Valid && public {
		if _, err := p.SetVisibility(added.ID, credential.VisibilityPublic); err != nil {
			return added, res, err
		}
	}
	out, _ := p.store.Get(added.ID)
	return out.Redacted(), res, nil
}
