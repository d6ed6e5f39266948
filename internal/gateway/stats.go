// Package gateway - stats.go exposes aggregated metrics as JSON.
//
// GET /stats returns request, attempt, admission and credential metrics
// together with the current pool size.
package gateway

import (
	"net/http"

	"github.com/compresr/pool-gateway/internal/config"
	"github.com/compresr/pool-gateway/internal/monitoring"
)

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	monitoring.StatsResponse
	Pool PoolStats `json:"pool"`
}

// PoolStats summarizes the credential pool.
type PoolStats struct {
	Mode              config.PoolMode `json:"mode"`
	Credentials       int             `json:"credentials"`
	ActiveCredentials int             `json:"active_credentials"`
	UpgradedAvailable bool            `json:"upgraded_available"`
}

// handleStats returns aggregated metrics as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	total, active := g.pool.Counts()
	writeJSON(w, http.StatusOK, StatsResponse{
		StatsResponse: g.metrics.FullStats(),
		Pool: PoolStats{
			Mode:              g.policy.Load().Mode,
			Credentials:       total,
			ActiveCredentials: active,
			UpgradedAvailable: g.pool.HasActiveUpgraded(),
		},
	})
}
