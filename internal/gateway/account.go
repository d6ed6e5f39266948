package gateway

import (
	"net/http"
	"time"

	"github.com/compresr/pool-gateway/internal/orchestrator"
	"github.com/compresr/pool-gateway/internal/pool"
	"github.com/compresr/pool-gateway/internal/quota"
)

// AccountResponse is the body of GET /v1/me.
type AccountResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Admin       bool              `json:"admin"`
	Class       string            `json:"class"`
	DailyLimit  int64             `json:"daily_limit"` // 0 = unlimited
	TodayUsage  int64             `json:"today_usage"`
	RecentCalls int               `json:"recent_calls"` // inside the rate window
	ResetsAt    time.Time         `json:"resets_at"`
	Credentials pool.OwnerSummary `json:"credentials"`
}

// handleAccount reports the caller's quota state and owned credentials.
func (g *Gateway) handleAccount(w http.ResponseWriter, r *http.Request) {
	user, err := g.authenticate(r)
	if err != nil {
		writeAPIError(w, orchestrator.FormatOpenAI, err)
		return
	}

	owned := g.pool.Owned(user.ID)
	policy := g.policy.Load()
	limit := quota.DailyCeiling(quota.AdmitParams{
		Class:      quota.Class(owned.Class()),
		DailyQuota: quota.EffectiveDailyQuota(user.DailyQuota, owned.Public, policy),
	}, policy)
	today, window := g.quota.Usage(user.ID)
	writeJSON(w, http.StatusOK, AccountResponse{
		ID:          user.ID,
		Name:        user.Name,
		Admin:       user.Admin,
		Class:       owned.Class(),
		DailyLimit:  limit,
		TodayUsage:  today,
		RecentCalls: window,
		ResetsAt:    g.quota.NextReset(g.now()),
		Credentials: owned,
	})
}
