package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/config"
	"github.com/compresr/pool-gateway/internal/gateway"
	"github.com/compresr/pool-gateway/internal/monitoring"
	"github.com/compresr/pool-gateway/internal/orchestrator"
	"github.com/compresr/pool-gateway/internal/quota"
	"github.com/compresr/pool-gateway/internal/storage/sqlite"
	"github.com/compresr/pool-gateway/internal/upstream"
	"github.com/compresr/pool-gateway/internal/usage"
	"github.com/compresr/pool-gateway/internal/users"
)

// runServeCommand runs the gateway until SIGINT or SIGTERM.
func runServeCommand(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logCloser, err := monitoring.SetupLogging(cfg.Monitoring.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	if isPortInUse(cfg.Server.Port) {
		return fmt.Errorf("port %d is already in use", cfg.Server.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}

	tracker, err := monitoring.NewTracker(cfg.Monitoring.Telemetry)
	if err != nil {
		_ = s.close(context.Background())
		return err
	}

	loc, _ := cfg.Quota.Location()
	limiter := quota.NewLimiter(cfg.Quota.ResetHour, loc)
	defer limiter.Stop()

	usageRepo := sqlite.NewUsageRepo(s.db)
	seedQuota(ctx, limiter, usageRepo)

	sinks := []usage.Sink{usageRepo}
	if tracker.UsageLogEnabled() {
		sinks = append(sinks, usage.NewTelemetrySink(tracker))
	}
	recorder := usage.NewRecorder(cfg.Storage.UsageBuffer, config.DefaultUsageBatch, s.metrics, sinks...)

	engine := orchestrator.New(s.pool, limiter, s.client, s.policy,
		orchestrator.WithRecorder(recorder),
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithFirstByteTimeout(cfg.Upstream.FirstByteTimeout),
		orchestrator.WithHeartbeat(cfg.Upstream.FakeStreamHeartbeat),
	)

	directory := users.NewStatic(cfg.Users)
	if len(cfg.Users) == 0 {
		log.Warn().Msg("no users configured, every request will be rejected")
	}

	passthrough := upstream.NewPassthrough(cfg.Upstream.OpenAIBaseURL, cfg.Upstream.OpenAIAPIKey, 0)
	if passthrough.Configured() {
		log.Info().Str("base_url", cfg.Upstream.OpenAIBaseURL).Msg("openai passthrough enabled")
	}

	gw := gateway.New(cfg, gateway.Deps{
		Engine:      engine,
		Pool:        s.pool,
		Quota:       limiter,
		Users:       directory,
		Policy:      s.policy,
		Metrics:     s.metrics,
		Tracker:     tracker,
		Storage:     s.db.Writer.PingContext,
		Admission:   limiter,
		Passthrough: passthrough,
		Recorder:    recorder,
	})

	s.persister.Start()
	gw.RecordInit()

	if opts.configPath != "" {
		watchConfig(ctx, opts.configPath, s.policy, directory)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := gw.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("http server shutdown error")
	}
	if cerr := recorder.Close(shutdownCtx); cerr != nil {
		log.Error().Err(cerr).Msg("usage recorder did not drain")
	}
	if cerr := s.close(shutdownCtx); cerr != nil {
		log.Error().Err(cerr).Msg("storage shutdown error")
	}
	if cerr := tracker.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("telemetry shutdown error")
	}
	return err
}

// seedQuota restores today's per-user success counts from the usage log so a
// restart does not reset quotas.
func seedQuota(ctx context.Context, limiter *quota.Limiter, repo *sqlite.UsageRepo) {
	since := limiter.DayStart(time.Now())
	counts, err := repo.CountSuccessesSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("could not restore today's quota usage")
		return
	}
	for userID, n := range counts {
		limiter.Seed(userID, n)
	}
	log.Info().Int("users", len(counts)).Time("since", since).Msg("quota usage restored")
}

// watchConfig applies pool policy and user changes from the config file.
// Server, storage and upstream settings need a restart.
func watchConfig(ctx context.Context, path string, policy *config.PoolStore, directory *users.Static) {
	w, err := config.NewWatcher(path, func(next *config.Config) {
		if err := policy.Store(next.Pool); err != nil {
			log.Error().Err(err).Msg("config reload: pool settings rejected")
			return
		}
		directory.Replace(next.Users)
		log.Info().
			Str("mode", string(next.Pool.Mode)).
			Int("users", len(next.Users)).
			Msg("config reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("config hot reload disabled")
		return
	}
	go w.Run(ctx)
}
