// Package quota enforces per-user daily quotas and requests-per-minute limits.
//
// DESIGN: Each user has one state guarded by its own mutex, stored in a
// sync.Map, so users never contend with each other and no I/O happens under
// a lock. Admission is check-and-record in one critical section:
//   - daily: admitted requests reserve a slot; Commit turns the reservation
//     into a counted success, Release returns it. Concurrent requests at
//     the edge of the quota therefore cannot overshoot it.
//   - rpm:   a sliding window of admission timestamps. A request released
//     before it reached the upstream gives its window entry back.
//
// The day rolls over at a configured hour in a configured zone. A
// background loop drops users that have been idle since before the
// current day started.
package quota

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/config"
)

// Class is a user's contribution class, derived from owned credentials.
type Class string

const (
	ClassNoCredential        Class = "no_credential"
	ClassContributorBase     Class = "contributor_base"
	ClassContributorUpgraded Class = "contributor_upgraded"
)

// AdmitParams describe the caller for one admission.
type AdmitParams struct {
	Class          Class
	DailyQuota     int  // effective quota including rewards; <= 0 disables the daily gate
	HasOwnedActive bool // selects the contributor RPM cap
	Exempt         bool // admin: skips the RPM gate when the policy allows it
}

// Admission reports the state after a successful Admit.
type Admission struct {
	Today       int64 `json:"today"`
	Ceiling     int64 `json:"ceiling"` // 0 = no daily gate
	WindowCount int   `json:"window_count"`
	RPM         int   `json:"rpm"` // 0 = no rpm gate
}

type userState struct {
	mu       sync.Mutex
	day      time.Time // start of the day count belongs to
	count    int64
	inflight int64
	window   []time.Time
	lastSeen time.Time
	dead     bool // removed by cleanup; callers must reload
}

// Limiter tracks quota and rate state for every user.
type Limiter struct {
	users     sync.Map // user id -> *userState
	resetHour int
	loc       *time.Location
	window    time.Duration
	now       func() time.Time

	stopCh chan struct{}
	once   sync.Once
}

// NewLimiter creates a limiter whose day starts at resetHour in loc and
// starts its cleanup loop.
func NewLimiter(resetHour int, loc *time.Location) *Limiter {
	l := newLimiter(resetHour, loc, time.Now)
	go l.cleanupLoop()
	return l
}

func newLimiter(resetHour int, loc *time.Location, now func() time.Time) *Limiter {
	if loc == nil {
		loc = time.UTC
	}
	return &Limiter{
		resetHour: resetHour,
		loc:       loc,
		window:    config.RateLimitWindow,
		now:       now,
		stopCh:    make(chan struct{}),
	}
}

// Stop ends the cleanup loop.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// =============================================================================
// DAY BOUNDARY
// =============================================================================

// DayStart returns the start of the quota day containing t.
func (l *Limiter) DayStart(t time.Time) time.Time {
	t = t.In(l.loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), l.resetHour, 0, 0, 0, l.loc)
	if t.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// NextReset returns the next day boundary after t.
func (l *Limiter) NextReset(t time.Time) time.Time {
	return l.DayStart(t).AddDate(0, 0, 1)
}

// =============================================================================
// ADMISSION
// =============================================================================

// acquire returns the user's state, locked.
func (l *Limiter) acquire(userID string) *userState {
	for {
		v, _ := l.users.LoadOrStore(userID, &userState{})
		st := v.(*userState)
		st.mu.Lock()
		if !st.dead {
			return st
		}
		st.mu.Unlock()
	}
}

// roll resets the day counter once the boundary has passed.
func (l *Limiter) roll(st *userState, now time.Time) {
	day := l.DayStart(now)
	if !st.day.Equal(day) {
		st.day = day
		st.count = 0
	}
}

func (l *Limiter) prune(st *userState, now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(st.window) && !st.window[i].After(cutoff) {
		i++
	}
	st.window = st.window[i:]
}

// Admit checks the daily quota and the rpm window for userID and, when both
// pass, reserves a daily slot and records the request in the window.
func (l *Limiter) Admit(userID string, p AdmitParams, policy config.PoolConfig) (Admission, error) {
	now := l.now()
	st := l.acquire(userID)
	defer st.mu.Unlock()

	l.roll(st, now)
	l.prune(st, now)
	st.lastSeen = now

	ceiling := DailyCeiling(p, policy)
	if ceiling > 0 && st.count+st.inflight >= ceiling {
		retry := l.NextReset(now).Sub(now)
		return Admission{}, apierr.New(apierr.KindQuotaExceeded,
			"daily quota of %d requests reached", ceiling).WithRetryAfter(retry)
	}

	rpm := policy.BaseRPM
	if p.HasOwnedActive {
		rpm = policy.ContributorRPM
	}
	if p.Exempt && policy.AdminRateLimitExempt {
		rpm = 0
	}
	if rpm > 0 && len(st.window) >= rpm {
		retry := st.window[0].Add(l.window).Sub(now)
		return Admission{}, apierr.New(apierr.KindRateLimited,
			"rate limit of %d requests per minute reached", rpm).WithRetryAfter(ceilSecond(retry))
	}

	st.window = append(st.window, now)
	st.inflight++
	return Admission{
		Today:       st.count,
		Ceiling:     ceiling,
		WindowCount: len(st.window),
		RPM:         rpm,
	}, nil
}

// EffectiveDailyQuota is the daily quota of a user: their own quota or the
// pool default, plus the reward for each active credential they share.
// A result <= 0 means no daily gate.
func EffectiveDailyQuota(userQuota, sharedActive int, policy config.PoolConfig) int {
	daily := userQuota
	if daily <= 0 {
		daily = policy.DefaultDailyQuota
	}
	if daily > 0 {
		daily += policy.CredentialRewardQuota * sharedActive
	}
	return daily
}

// DailyCeiling is the number of successes allowed today; 0 means unlimited.
func DailyCeiling(p AdmitParams, policy config.PoolConfig) int64 {
	ceiling := int64(p.DailyQuota)
	if p.Class == ClassNoCredential && policy.NoCredentialQuota > 0 {
		limit := int64(policy.NoCredentialQuota)
		if ceiling <= 0 || limit < ceiling {
			ceiling = limit
		}
	}
	return ceiling
}

func ceilSecond(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}

// Commit counts one admitted request as a success for today.
func (l *Limiter) Commit(userID string) {
	now := l.now()
	st := l.acquire(userID)
	defer st.mu.Unlock()

	l.roll(st, now)
	st.count++
	if st.inflight > 0 {
		st.inflight--
	}
	st.lastSeen = now
}

// Release returns the daily slot of an admitted request that did not
// succeed. When the request never reached the upstream its window entry is
// dropped as well.
func (l *Limiter) Release(userID string, reachedUpstream bool) {
	st := l.acquire(userID)
	defer st.mu.Unlock()
	if st.inflight > 0 {
		st.inflight--
	}
	if !reachedUpstream && len(st.window) > 0 {
		st.window = st.window[:len(st.window)-1]
	}
}

// Seed restores today's success count, keeping the larger of the stored
// and in-memory values.
func (l *Limiter) Seed(userID string, count int64) {
	now := l.now()
	st := l.acquire(userID)
	defer st.mu.Unlock()

	l.roll(st, now)
	if count > st.count {
		st.count = count
	}
	st.lastSeen = now
}

// Usage returns today's success count and the current window size.
func (l *Limiter) Usage(userID string) (today int64, windowCount int) {
	v, ok := l.users.Load(userID)
	if !ok {
		return 0, 0
	}
	st := v.(*userState)
	now := l.now()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dead {
		return 0, 0
	}
	l.roll(st, now)
	l.prune(st, now)
	return st.count, len(st.window)
}

// =============================================================================
// CLEANUP
// =============================================================================

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(config.DefaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup drops users with no count for the current day, no reservation
// and an empty window.
func (l *Limiter) cleanup() {
	now := l.now()
	today := l.DayStart(now)
	removed := 0

	l.users.Range(func(key, value any) bool {
		st := value.(*userState)
		st.mu.Lock()
		l.prune(st, now)
		if st.inflight == 0 && len(st.window) == 0 && (st.day.Before(today) || st.count == 0) {
			st.dead = true
			l.users.Delete(key)
			removed++
		}
		st.mu.Unlock()
		return true
	})
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("quota cleanup: dropped idle users")
	}
}
