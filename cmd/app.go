package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/config"
	"github.com/compresr/pool-gateway/internal/credential"
	"github.com/compresr/pool-gateway/internal/monitoring"
	"github.com/compresr/pool-gateway/internal/pool"
	"github.com/compresr/pool-gateway/internal/storage/sqlite"
	"github.com/compresr/pool-gateway/internal/upstream"
)

// stack is the storage and credential layer shared by every command.
type stack struct {
	db        *sqlite.DB
	store     *credential.Store
	persister *credential.Persister
	policy    *config.PoolStore
	metrics   *monitoring.MetricsCollector
	client    *upstream.Client
	pool      *pool.Pool
}

// openDB opens the database and applies pending migrations.
func openDB(cfg *config.Config) (*sqlite.DB, error) {
	db, err := sqlite.NewDB(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlite.RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// openStack opens storage, loads every credential into memory and builds
// the pool on top of it.
func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	key, err := sqlite.ParseSecretKey(cfg.Storage.SecretKey)
	if err != nil {
		return nil, err
	}
	if key == nil {
		log.Warn().Msg("storage.secret_key not set, credential tokens are stored in plaintext")
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &stack{
		db:      db,
		store:   credential.NewStore(),
		policy:  config.NewPoolStore(cfg.Pool),
		metrics: monitoring.NewMetricsCollector(),
	}
	s.persister = credential.NewPersister(s.store, sqlite.NewCredentialRepo(db, key),
		cfg.Storage.FlushInterval, cfg.Storage.SyncInterval)

	n, err := s.persister.LoadAll(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Int("credentials", n).Str("path", db.Path()).Msg("credentials loaded")

	s.client = upstream.NewClient(cfg.Upstream.BaseURL,
		upstream.WithTimeout(cfg.Upstream.RequestTimeout),
		upstream.WithUserAgent(cfg.Upstream.UserAgent),
	)
	if cfg.Upstream.ClientID == "" || cfg.Upstream.ClientSecret == "" {
		log.Warn().Msg("upstream.client_id or client_secret not set, token refresh will fail")
	}
	refresher := upstream.NewRefresher(cfg.Upstream.TokenURL, cfg.Upstream.ClientID, cfg.Upstream.ClientSecret,
		upstream.WithRefreshTimeout(cfg.Upstream.RefreshTimeout),
		upstream.WithMaxElapsed(cfg.Upstream.RefreshMaxElapsed),
	)
	s.pool = pool.New(s.store, refresher, s.client, s.policy,
		pool.WithRefreshMargin(cfg.Upstream.RefreshMargin),
		pool.WithMetrics(s.metrics),
	)
	return s, nil
}

// close flushes pending credential changes and closes the database.
func (s *stack) close(ctx context.Context) error {
	errs := []error{s.persister.Stop(ctx)}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}
