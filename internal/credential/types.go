// Package credential holds upstream OAuth credentials and their health.
//
// DESIGN: A Record is a plain value. The Store keeps one mutable copy per
// credential behind its own mutex and hands out copies, so callers never
// share a record by reference:
//   - types.go:     Record, Tier, Visibility
//   - store.go:     in-memory arena with per-record atomic updates
//   - persister.go: asynchronous flush to, and sync from, a Repository
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a credential id is unknown.
var ErrNotFound = errors.New("credential not found")

// ErrDuplicate is returned when inserting an id that already exists.
var ErrDuplicate = errors.New("credential already exists")

// =============================================================================
// TIER AND VISIBILITY
// =============================================================================

// Tier is the model tier a credential can serve.
type Tier string

const (
	// TierBase serves the 2.5 model family.
	TierBase Tier = "base"
	// TierUpgraded additionally serves 3.x models.
	TierUpgraded Tier = "upgraded"
)

// ParseTier converts a string to Tier. Accepts the "2.5" and "3" spellings.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "2.5", "":
		return TierBase, nil
	case "upgraded", "3":
		return TierUpgraded, nil
	default:
		return "", fmt.Errorf("unknown credential tier %q", s)
	}
}

func (t Tier) rank() int {
	if t == TierUpgraded {
		return 1
	}
	return 0
}

// Satisfies reports whether a credential of tier t can serve required.
func (t Tier) Satisfies(required Tier) bool {
	return t.rank() >= required.rank()
}

// Visibility controls whether other users may draw from a credential.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// ParseVisibility converts a string to Visibility.
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "private", "":
		return VisibilityPrivate, nil
	case "public":
		return VisibilityPublic, nil
	default:
		return "", fmt.Errorf("unknown credential visibility %q", s)
	}
}

// =============================================================================
// RECORD
// =============================================================================

// Record is one upstream credential.
type Record struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	OwnerID    string     `json:"owner_id,omitempty"` // empty = pool-contributed
	Email      string     `json:"email,omitempty"`
	ProjectID  string     `json:"project_id,omitempty"`
	Tier       Tier       `json:"tier"`
	Visibility Visibility `json:"visibility"`

	RefreshToken string    `json:"refresh_token,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`

	Active              bool      `json:"active"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastUsedAt          time.Time `json:"last_used_at,omitzero"` // zero = never used
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPublic reports whether other users may draw from the credential.
func (r *Record) IsPublic() bool {
	return r.Visibility == VisibilityPublic
}

// IsStatic reports whether the record carries a fixed access token that is
// used as-is and never refreshed.
func (r *Record) IsStatic() bool {
	return r.RefreshToken == "" && r.AccessToken != ""
}

// NeedsRefresh reports whether the access token is missing or expires
// within margin of now. Static tokens never need a refresh.
func (r *Record) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if r.IsStatic() {
		return false
	}
	if r.AccessToken == "" || r.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(margin).Before(r.ExpiresAt)
}

// FailureRatio is TotalFailures / TotalRequests, 0 for an unused credential.
func (r *Record) FailureRatio() float64 {
	if r.TotalRequests <= 0 {
		return 0
	}
	return float64(r.TotalFailures) / float64(r.TotalRequests)
}

// DisplayName returns the label, falling back to the email, then the id.
func (r *Record) DisplayName() string {
	switch {
	case r.Label != "":
		return r.Label
	case r.Email != "":
		return r.Email
	default:
		return r.ID
	}
}

// Redacted returns a copy with secret material removed.
func (r Record) Redacted() Record {
	r.RefreshToken = ""
	r.AccessToken = ""
	return r
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository is durable credential storage.
type Repository interface {
	// List returns every stored credential.
	List(ctx context.Context) ([]Record, error)

	// Get returns one credential or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Upsert inserts or replaces the given records in one transaction.
	Upsert(ctx context.Context, records []Record) error
}
