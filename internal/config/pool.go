// Package config - pool.go defines the hot-reloadable pool policy.
//
// DESIGN: PoolConfig is read once per request as a point-in-time snapshot.
// PoolStore swaps whole values atomically, so a reload never changes the
// policy of a request that was already admitted.
package config

import (
	"fmt"
	"sync/atomic"
)

// PoolMode controls which public credentials a user may draw from.
type PoolMode string

const (
	// PoolModePrivate restricts every user to their own credentials.
	PoolModePrivate PoolMode = "private"
	// PoolModeTierShared opens the public pool of the caller's best owned tier.
	PoolModeTierShared PoolMode = "tier_shared"
	// PoolModeFullShared opens the whole public pool to donors.
	PoolModeFullShared PoolMode = "full_shared"
)

// ParsePoolMode converts a string to PoolMode.
// Accepts the legacy "tier3_shared" spelling.
func ParsePoolMode(s string) (PoolMode, error) {
	switch s {
	case "private":
		return PoolModePrivate, nil
	case "tier_shared", "tier3_shared":
		return PoolModeTierShared, nil
	case "full_shared", "":
		return PoolModeFullShared, nil
	default:
		return "", fmt.Errorf("unknown pool mode %q", s)
	}
}

// PoolConfig holds pool and admission policy.
type PoolConfig struct {
	Mode                  PoolMode `yaml:"mode" toml:"mode" json:"mode"`
	BaseRPM               int      `yaml:"base_rpm" toml:"base_rpm" json:"base_rpm"`
	ContributorRPM        int      `yaml:"contributor_rpm" toml:"contributor_rpm" json:"contributor_rpm"`
	ErrorRetryCount       int      `yaml:"error_retry_count" toml:"error_retry_count" json:"error_retry_count"`
	FailureThreshold      int      `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold"`
	DefaultDailyQuota     int      `yaml:"default_daily_quota" toml:"default_daily_quota" json:"default_daily_quota"`
	NoCredentialQuota     int      `yaml:"no_credential_quota" toml:"no_credential_quota" json:"no_credential_quota"` // 0 = unlimited by this rule
	CredentialRewardQuota int      `yaml:"credential_reward_quota" toml:"credential_reward_quota" json:"credential_reward_quota"`
	AdminRateLimitExempt  bool     `yaml:"admin_rate_limit_exempt" toml:"admin_rate_limit_exempt" json:"admin_rate_limit_exempt"`
}

// DefaultPoolConfig returns the pool policy used when nothing is configured.
// Loaders decode on top of this value, so an explicit zero in a file is kept.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Mode:                  DefaultPoolMode,
		BaseRPM:               DefaultBaseRPM,
		ContributorRPM:        DefaultContributorRPM,
		ErrorRetryCount:       DefaultErrorRetryCount,
		FailureThreshold:      DefaultFailureThreshold,
		DefaultDailyQuota:     DefaultDailyQuota,
		CredentialRewardQuota: DefaultCredentialRewardQuota,
		AdminRateLimitExempt:  true,
	}
}

// Validate checks pool configuration.
// An rpm of 0 disables that rate limit gate.
func (c *PoolConfig) Validate() error {
	if _, err := ParsePoolMode(string(c.Mode)); err != nil {
		return fmt.Errorf("pool.mode: %w", err)
	}
	if c.BaseRPM < 0 {
		return fmt.Errorf("pool.base_rpm must be >= 0, got %d", c.BaseRPM)
	}
	if c.ContributorRPM < 0 {
		return fmt.Errorf("pool.contributor_rpm must be >= 0, got %d", c.ContributorRPM)
	}
	if c.ErrorRetryCount < 0 {
		return fmt.Errorf("pool.error_retry_count must be >= 0, got %d", c.ErrorRetryCount)
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("pool.failure_threshold must be >= 0, got %d", c.FailureThreshold)
	}
	if c.DefaultDailyQuota < 0 {
		return fmt.Errorf("pool.default_daily_quota must be >= 0, got %d", c.DefaultDailyQuota)
	}
	if c.NoCredentialQuota < 0 {
		return fmt.Errorf("pool.no_credential_quota must be >= 0, got %d", c.NoCredentialQuota)
	}
	if c.CredentialRewardQuota < 0 {
		return fmt.Errorf("pool.credential_reward_quota must be >= 0, got %d", c.CredentialRewardQuota)
	}
	return nil
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

// PoolStore holds the current PoolConfig snapshot.
type PoolStore struct {
	current atomic.Pointer[PoolConfig]
}

// NewPoolStore creates a store seeded with cfg.
func NewPoolStore(cfg PoolConfig) *PoolStore {
	s := &PoolStore{}
	s.current.Store(&cfg)
	return s
}

// Load returns the current snapshot by value.
func (s *PoolStore) Load() PoolConfig {
	return *s.current.Load()
}

// Store validates and publishes a new snapshot.
func (s *PoolStore) Store(cfg PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	mode, _ := ParsePoolMode(string(cfg.Mode))
	cfg.Mode = mode
	s.current.Store(&cfg)
	return nil
}
