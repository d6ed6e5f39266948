package gateway

import (
	"time"

	"github.com/compresr/pool-gateway/internal/config"
	"github.com/compresr/pool-gateway/internal/monitoring"
)

func buildInitEvent(cfg *config.Config, policy config.PoolConfig, credentials, active, userCount int) *monitoring.InitEvent {
	return &monitoring.InitEvent{
		Timestamp:            time.Now(),
		Event:                "gateway_init",
		ServerPort:           cfg.Server.Port,
		ServerReadTimeoutMs:  cfg.Server.ReadTimeout.Milliseconds(),
		ServerWriteTimeoutMs: cfg.Server.WriteTimeout.Milliseconds(),
		UpstreamBaseURL:      cfg.Upstream.BaseURL,
		PoolMode:             string(policy.Mode),
		ErrorRetryCount:      policy.ErrorRetryCount,
		BaseRPM:              policy.BaseRPM,
		ContributorRPM:       policy.ContributorRPM,
		Credentials:          credentials,
		ActiveCredentials:    active,
		Users:                userCount,
		DatabasePath:         cfg.Storage.DatabasePath,
		TelemetryPath:        cfg.Monitoring.Telemetry.LogPath,
		UsageLogPath:         cfg.Monitoring.Telemetry.UsageLogPath,
	}
}

// RecordInit writes the startup event once the pool has been loaded.
func (g *Gateway) RecordInit() {
	if g.tracker == nil {
		return
	}
	total, active := g.pool.Counts()
	g.tracker.RecordInit(buildInitEvent(g.cfg, g.policy.Load(), total, active, len(g.users.List())))
}
