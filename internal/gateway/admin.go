// Package gateway - admin.go serves credential and pool administration.
//
// DESIGN: Every route here is wrapped by loopbackOnly. Credential material
// never leaves the process: listings and results carry redacted records.
//
//   - GET  /admin/credentials                 list (redacted)
//   - POST /admin/credentials                 import one credential JSON
//   - POST /admin/credentials/verify          verify all
//   - POST /admin/credentials/{id}/verify     verify one
//   - POST /admin/credentials/{id}/enable     activate
//   - POST /admin/credentials/{id}/disable    deactivate
//   - POST /admin/credentials/{id}/visibility {"visibility":"public"|"private"}
//   - GET  /admin/pool, PUT /admin/pool       pool policy snapshot
//   - GET  /admin/users                       user directory
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/credential"
)

// ImportRequest is a credential JSON as exported by OAuth tooling.
type ImportRequest struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	Token        string `json:"token"` // alias of access_token
	Email        string `json:"email"`
	ProjectID    string `json:"project_id"`
	Label        string `json:"label"`
	OwnerID      string `json:"owner_id"`
	Public       bool   `json:"public"`
}

// Record converts the request into a credential record.
func (req ImportRequest) Record() (credential.Record, error) {
	rec := credential.Record{
		RefreshToken: strings.TrimSpace(req.RefreshToken),
		AccessToken:  strings.TrimSpace(req.AccessToken),
		Email:        req.Email,
		ProjectID:    req.ProjectID,
		Label:        req.Label,
		OwnerID:      req.OwnerID,
		Visibility:   credential.VisibilityPrivate,
	}
	if rec.AccessToken == "" {
		rec.AccessToken = strings.TrimSpace(req.Token)
	}
	if rec.RefreshToken == "" {
		return credential.Record{}, errors.New("refresh_token is required")
	}
	if req.Public {
		rec.Visibility = credential.VisibilityPublic
	}
	return rec, nil
}

func (g *Gateway) handleListCredentials(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"credentials": g.pool.Snapshot()})
}

func (g *Gateway) handleImportCredential(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid credential json", http.StatusBadRequest)
		return
	}
	rec, err := req.Record()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	added, res, err := g.pool.Import(r.Context(), rec)
	if err != nil {
		if errors.Is(err, credential.ErrDuplicate) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		log.Error().Err(err).Msg("admin: import credential failed")
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"credential": added, "verification": res})
}

func (g *Gateway) handleVerifyAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"results": g.pool.VerifyAll(r.Context())})
}

func (g *Gateway) handleVerifyCredential(w http.ResponseWriter, r *http.Request) {
	res, err := g.pool.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCredentialError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := g.pool.SetActive(r.PathValue("id"), active)
		if err != nil {
			writeCredentialError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (g *Gateway) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		Visibility string `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	v, err := credential.ParseVisibility(req.Visibility)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := g.pool.SetVisibility(r.PathValue("id"), v)
	if err != nil {
		writeCredentialError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeCredentialError(w http.ResponseWriter, err error) {
	if errors.Is(err, credential.ErrNotFound) {
		writeError(w, "credential not found", http.StatusNotFound)
		return
	}
	writeError(w, err.Error(), http.StatusInternalServerError)
}

// =============================================================================
// POOL POLICY / USERS
// =============================================================================

func (g *Gateway) handleGetPoolConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.policy.Load())
}

// handlePutPoolConfig decodes over the current snapshot, so a partial body
// changes only the fields it names. The change lasts until the next config
// file reload.
func (g *Gateway) handlePutPoolConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	cfg := g.policy.Load()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid pool config json", http.StatusBadRequest)
		return
	}
	if err := g.policy.Store(cfg); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated := g.policy.Load()
	log.Info().
		Str("mode", string(updated.Mode)).
		Int("error_retry_count", updated.ErrorRetryCount).
		Int("base_rpm", updated.BaseRPM).
		Int("contributor_rpm", updated.ContributorRPM).
		Msg("pool config updated")
	writeJSON(w, http.StatusOK, updated)
}

// UserSummary is one entry of GET /admin/users.
type UserSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Admin       bool   `json:"admin"`
	Active      bool   `json:"active"`
	Class       string `json:"class"`
	DailyQuota  int    `json:"daily_quota"`
	TodayUsage  int64  `json:"today_usage"`
	Credentials int    `json:"credentials"`
	Shared      int    `json:"shared"`
}

func (g *Gateway) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	list := g.users.List()
	out := make([]UserSummary, 0, len(list))
	for _, u := range list {
		owned := g.pool.Owned(u.ID)
		today, _ := g.quota.Usage(u.ID)
		out = append(out, UserSummary{
			ID:          u.ID,
			Name:        u.Name,
			Admin:       u.Admin,
			Active:      u.Active,
			Class:       owned.Class(),
			DailyQuota:  u.DailyQuota,
			TodayUsage:  today,
			Credentials: owned.Total(),
			Shared:      owned.Public,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}
