package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/config"
	"github.com/compresr/pool-gateway/internal/credential"
	"github.com/compresr/pool-gateway/internal/models"
	"github.com/compresr/pool-gateway/internal/upstream"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeRefresher struct {
	calls atomic.Int32
	delay time.Duration
	fail  map[string]error // by refresh token
}

func (f *fakeRefresher) Refresh(_ context.Context, rt string) (upstream.Token, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err, ok := f.fail[rt]; ok {
		return upstream.Token{}, err
	}
	return upstream.Token{AccessToken: "fresh-" + rt, ExpiresAt: time.Now().Add(time.Hour), Email: rt + "@example.com"}, nil
}

type fakeProber struct {
	project string
	status  map[string]int // by model
}

func (f *fakeProber) Probe(_ context.Context, _, _, model string) (int, error) {
	if s, ok := f.status[model]; ok {
		return s, nil
	}
	return 200, nil
}

func (f *fakeProber) LoadCodeAssist(context.Context, string) (string, error) {
	if f.project == "" {
		return "", errors.New("no project")
	}
	return f.project, nil
}

func ready(id, owner string, tier credential.Tier, vis credential.Visibility) credential.Record {
	return credential.Record{
		ID:           id,
		OwnerID:      owner,
		Tier:         tier,
		Visibility:   vis,
		Active:       true,
		RefreshToken: "rt-" + id,
		AccessToken:  "at-" + id,
		ExpiresAt:    time.Now().Add(time.Hour),
		ProjectID:    "proj",
	}
}

func newTestPool(t *testing.T, recs ...credential.Record) (*Pool, *credential.Store, *fakeRefresher) {
	t.Helper()
	store := credential.NewStore()
	store.Load(recs)
	ref := &fakeRefresher{fail: map[string]error{}}
	p := New(store, ref, &fakeProber{project: "discovered"}, config.NewPoolStore(config.DefaultPoolConfig()))
	return p, store, ref
}

// =============================================================================
// SELECTION
// =============================================================================

func TestSelect_NeverBelowRequiredTier(t *testing.T) {
	modes := []config.PoolMode{config.PoolModePrivate, config.PoolModeTierShared, config.PoolModeFullShared}
	recs := []credential.Record{
		ready("own-base", "u1", credential.TierBase, credential.VisibilityPublic),
		ready("pub-base", "u2", credential.TierBase, credential.VisibilityPublic),
		ready("pub-up", "u2", credential.TierUpgraded, credential.VisibilityPublic),
	}
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			p, _, _ := newTestPool(t, recs...)
			for i := 0; i < 10; i++ {
				lease, err := p.Select(context.Background(), SelectRequest{
					UserID: "u1", RequiredTier: credential.TierUpgraded, Mode: mode,
				})
				if err != nil {
					assert.Equal(t, apierr.KindNoEligibleCredential, apierr.KindOf(err))
					continue
				}
				assert.Equal(t, credential.TierUpgraded, lease.Tier)
			}
		})
	}
}

func TestSelect_VisibilityByMode(t *testing.T) {
	recs := []credential.Record{
		ready("pub", "donor", credential.TierBase, credential.VisibilityPublic),
		ready("priv", "other", credential.TierBase, credential.VisibilityPrivate),
	}
	tests := []struct {
		name string
		mode config.PoolMode
		user string
		want string // "" = no credential
	}{
		{"private mode hides public", config.PoolModePrivate, "u", ""},
		{"full shared needs donation", config.PoolModeFullShared, "u", ""},
		{"tier shared opens base pool", config.PoolModeTierShared, "u", "pub"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestPool(t, recs...)
			lease, err := p.Select(context.Background(), SelectRequest{UserID: tt.user, RequiredTier: credential.TierBase, Mode: tt.mode})
			if tt.want == "" {
				assert.Equal(t, apierr.KindNoEligibleCredential, apierr.KindOf(err))
				assert.Equal(t, 503, apierr.StatusOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lease.ID)
		})
	}

	t.Run("donor sees public pool", func(t *testing.T) {
		own := ready("mine", "u", credential.TierBase, credential.VisibilityPublic)
		p, _, _ := newTestPool(t, append(recs, own)...)
		seen := map[string]bool{}
		for i := 0; i < 4; i++ {
			lease, err := p.Select(context.Background(), SelectRequest{UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModeFullShared})
			require.NoError(t, err)
			seen[lease.ID] = true
		}
		assert.True(t, seen["pub"])
		assert.True(t, seen["mine"])
		assert.False(t, seen["priv"])
	})
}

func TestSelect_TierSharedScenario(t *testing.T) {
	recs := []credential.Record{
		ready("a-up", "alice", credential.TierUpgraded, credential.VisibilityPrivate),
		ready("pub-up", "bob", credential.TierUpgraded, credential.VisibilityPublic),
		ready("pub-base", "bob", credential.TierBase, credential.VisibilityPublic),
		ready("c-up", "carol", credential.TierUpgraded, credential.VisibilityPrivate),
	}
	p, _, _ := newTestPool(t, recs...)

	for i := 0; i < 20; i++ {
		lease, err := p.Select(context.Background(), SelectRequest{
			UserID: "alice", RequiredTier: credential.TierUpgraded, Mode: config.PoolModeTierShared,
		})
		require.NoError(t, err)
		assert.Contains(t, []string{"a-up", "pub-up"}, lease.ID)
	}

	// A user without an upgraded credential draws only from public base credentials.
	lease, err := p.Select(context.Background(), SelectRequest{
		UserID: "dave", RequiredTier: credential.TierBase, Mode: config.PoolModeTierShared,
	})
	require.NoError(t, err)
	assert.Equal(t, "pub-base", lease.ID)
}

func TestSelect_Ordering(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	used := func(r credential.Record, at time.Time, req, fail int64) credential.Record {
		r.LastUsedAt, r.TotalRequests, r.TotalFailures = at, req, fail
		return r
	}
	recs := []credential.Record{
		used(ready("old", "u", credential.TierBase, credential.VisibilityPrivate), base, 10, 0),
		used(ready("older-bad", "u", credential.TierBase, credential.VisibilityPrivate), base.Add(-time.Minute), 10, 5),
		used(ready("older-good", "u", credential.TierBase, credential.VisibilityPrivate), base.Add(-time.Minute), 10, 1),
		ready("never", "u", credential.TierBase, credential.VisibilityPrivate),
	}
	p, _, _ := newTestPool(t, recs...)

	var order []string
	for range recs {
		lease, err := p.Select(context.Background(), SelectRequest{UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModePrivate})
		require.NoError(t, err)
		order = append(order, lease.ID)
	}
	assert.Equal(t, []string{"never", "older-good", "older-bad", "old"}, order)
}

func TestSelect_Excluded(t *testing.T) {
	p, _, _ := newTestPool(t,
		ready("a", "u", credential.TierBase, credential.VisibilityPrivate),
		ready("b", "u", credential.TierBase, credential.VisibilityPrivate),
	)
	lease, err := p.Select(context.Background(), SelectRequest{
		UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModePrivate,
		Excluded: map[string]struct{}{"a": {}},
	})
	require.NoError(t, err)
	assert.Equal(t, "b", lease.ID)
}

func TestSelect_ConcurrentCallersSpread(t *testing.T) {
	const n = 16
	var recs []credential.Record
	for i := 0; i < n; i++ {
		recs = append(recs, ready(fmt.Sprintf("c%02d", i), "u", credential.TierBase, credential.VisibilityPrivate))
	}
	p, _, _ := newTestPool(t, recs...)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
		picks = make(map[string]int)
	)
	for g := 0; g < n; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lease, err := p.Select(context.Background(), SelectRequest{UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModePrivate})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			picks[lease.ID]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, picks, n, "each concurrent caller gets its own credential")
	for id, count := range picks {
		assert.Equal(t, 1, count, id)
	}
}

func TestSelect_InactiveNeverReturnedConcurrently(t *testing.T) {
	var recs []credential.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, ready(fmt.Sprintf("c%02d", i), "u", credential.TierBase, credential.VisibilityPrivate))
	}
	p, store, _ := newTestPool(t, recs...)

	var disabled sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 10; i += 2 {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// Record before the flip so any lease handed out after it is caught.
			disabled.Store(id, true)
			_, _ = store.Update(id, func(r *credential.Record) { r.Active = false })
		}(recs[i].ID)
	}

	var bad atomic.Int32
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				lease, err := p.Select(context.Background(), SelectRequest{UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModePrivate})
				if err != nil {
					continue
				}
				rec, _ := store.Get(lease.ID)
				if !rec.Active {
					if _, flipped := disabled.Load(lease.ID); !flipped {
						bad.Add(1)
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, bad.Load())

	// After the flips settle, disabled credentials are never selected.
	for i := 0; i < 20; i++ {
		lease, err := p.Select(context.Background(), SelectRequest{UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModePrivate})
		require.NoError(t, err)
		_, wasDisabled := disabled.Load(lease.ID)
		assert.False(t, wasDisabled, lease.ID)
	}
}

// =============================================================================
// REFRESH
// =============================================================================

func TestSelect_SingleRefreshForConcurrentCallers(t *testing.T) {
	rec := ready("exp", "u", credential.TierBase, credential.VisibilityPrivate)
	rec.ExpiresAt = time.Now().Add(time.Minute) // inside the refresh margin
	p, store, ref := newTestPool(t, rec)
	ref.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	tokens := make([]string, 16)
	for i := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Select(context.Background(), SelectRequest{UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModePrivate})
			assert.NoError(t, err)
			tokens[i] = lease.AccessToken
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ref.calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "fresh-rt-exp", tok)
	}
	got, _ := store.Get("exp")
	assert.Equal(t, "rt-exp@example.com", got.Email)
}

func TestSelect_PermanentRefreshFailureDisablesAndReselects(t *testing.T) {
	broken := ready("a-broken", "u", credential.TierBase, credential.VisibilityPrivate)
	broken.AccessToken = ""
	good := ready("b-good", "u", credential.TierBase, credential.VisibilityPrivate)
	p, store, ref := newTestPool(t, broken, good)
	ref.fail["rt-a-broken"] = apierr.New(apierr.KindAuthFailure, "invalid_grant")

	excluded := map[string]struct{}{}
	lease, err := p.Select(context.Background(), SelectRequest{
		UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModePrivate, Excluded: excluded,
	})
	require.NoError(t, err)
	assert.Equal(t, "b-good", lease.ID)
	assert.Contains(t, excluded, "a-broken")

	rec, _ := store.Get("a-broken")
	assert.False(t, rec.Active)
	assert.Contains(t, rec.LastError, "invalid_grant")
}

func TestSelect_RefreshFailureDisablesAtOnce(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"revoked token", apierr.New(apierr.KindAuthFailure, "invalid_grant")},
		{"token endpoint unavailable", apierr.New(apierr.KindTransientFailure, "token endpoint returned 503")},
		{"unclassified error", errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flaky := ready("flaky", "u", credential.TierBase, credential.VisibilityPrivate)
			flaky.AccessToken = ""
			p, store, ref := newTestPool(t, flaky)
			ref.fail["rt-flaky"] = tt.err

			_, err := p.Select(context.Background(), SelectRequest{UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModePrivate})
			require.Error(t, err)
			assert.Equal(t, apierr.KindNoEligibleCredential, apierr.KindOf(err))
			assert.Contains(t, err.Error(), tt.err.Error())

			rec, _ := store.Get("flaky")
			assert.False(t, rec.Active, "one failed refresh is enough")
			assert.Equal(t, 1, rec.ConsecutiveFailures)
			assert.Contains(t, rec.LastError, tt.err.Error())

			failures := p.metrics.Failures().ForCredential("flaky", 10)
			require.Len(t, failures, 1)
			assert.True(t, failures[0].Disabled)
		})
	}
}

func TestSelect_DiscoversProject(t *testing.T) {
	rec := ready("np", "u", credential.TierBase, credential.VisibilityPrivate)
	rec.ProjectID = ""
	p, store, _ := newTestPool(t, rec)

	lease, err := p.Select(context.Background(), SelectRequest{UserID: "u", RequiredTier: credential.TierBase, Mode: config.PoolModePrivate})
	require.NoError(t, err)
	assert.Equal(t, "discovered", lease.ProjectID)
	got, _ := store.Get("np")
	assert.Equal(t, "discovered", got.ProjectID)
}

// =============================================================================
// OUTCOMES
// =============================================================================

func TestReportFailure(t *testing.T) {
	p, store, _ := newTestPool(t,
		ready("auth", "u", credential.TierBase, credential.VisibilityPrivate),
		ready("flaky", "u", credential.TierBase, credential.VisibilityPrivate),
		ready("innocent", "u", credential.TierBase, credential.VisibilityPrivate),
	)

	p.ReportFailure("auth", apierr.KindAuthFailure, errors.New("401"))
	rec, _ := store.Get("auth")
	assert.False(t, rec.Active)
	assert.Equal(t, "401", rec.LastError)

	threshold := config.DefaultFailureThreshold
	for i := 0; i < threshold; i++ {
		p.ReportFailure("flaky", apierr.KindTransientFailure, errors.New("503"))
	}
	rec, _ = store.Get("flaky")
	assert.True(t, rec.Active, "threshold not yet passed")
	p.ReportFailure("flaky", apierr.KindTransientFailure, errors.New("503"))
	rec, _ = store.Get("flaky")
	assert.False(t, rec.Active)
	assert.Equal(t, int64(threshold+1), rec.TotalFailures)

	p.ReportFailure("innocent", apierr.KindUpstreamRejected, errors.New("bad request"))
	rec, _ = store.Get("innocent")
	assert.True(t, rec.Active)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Equal(t, int64(1), rec.TotalRequests)

	failures := p.metrics.Failures()
	assert.Empty(t, failures.ForCredential("innocent", 10), "caller errors are not credential failures")
	auth := failures.ForCredential("auth", 10)
	require.Len(t, auth, 1)
	assert.True(t, auth[0].Disabled)
	flaky := failures.ForCredential("flaky", 10)
	require.Len(t, flaky, threshold+1)
	assert.True(t, flaky[0].Disabled, "newest entry is the one that disabled it")
	assert.False(t, flaky[1].Disabled)
}

func TestReportSuccess_ResetsStreak(t *testing.T) {
	p, store, _ := newTestPool(t, ready("c", "u", credential.TierBase, credential.VisibilityPrivate))
	p.ReportFailure("c", apierr.KindTransientFailure, errors.New("503"))
	p.ReportSuccess("c")

	rec, _ := store.Get("c")
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Equal(t, int64(2), rec.TotalRequests)
	assert.False(t, rec.LastUsedAt.IsZero())
}

// =============================================================================
// VERIFY AND ADMIN
// =============================================================================

func TestVerify(t *testing.T) {
	rec := ready("v", "u", credential.TierBase, credential.VisibilityPrivate)
	rec.Active = false
	rec.ProjectID = ""

	t.Run("upgraded account", func(t *testing.T) {
		p, store, _ := newTestPool(t, rec)
		res, err := p.Verify(context.Background(), "v")
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, credential.TierUpgraded, res.Tier)
		assert.Equal(t, "discovered", res.ProjectID)

		got, _ := store.Get("v")
		assert.True(t, got.Active)
		assert.Equal(t, "fresh-rt-v", got.AccessToken)
	})

	t.Run("base account", func(t *testing.T) {
		p, _, _ := newTestPool(t, rec)
		p.prober = &fakeProber{project: "x", status: map[string]int{models.Gemini3ProPreview: 403}}
		res, err := p.Verify(context.Background(), "v")
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, credential.TierBase, res.Tier)
	})

	t.Run("rejected probe", func(t *testing.T) {
		active := rec
		active.Active = true
		p, store, _ := newTestPool(t, active)
		p.prober = &fakeProber{project: "x", status: map[string]int{models.Gemini25Flash: 401}}
		res, err := p.Verify(context.Background(), "v")
		require.NoError(t, err)
		assert.False(t, res.Valid)
		got, _ := store.Get("v")
		assert.False(t, got.Active)
		assert.Contains(t, got.LastError, "401")
	})

	t.Run("unknown id", func(t *testing.T) {
		p, _, _ := newTestPool(t)
		_, err := p.Verify(context.Background(), "nope")
		assert.ErrorIs(t, err, credential.ErrNotFound)
	})
}

func TestVerifyAll(t *testing.T) {
	p, _, _ := newTestPool(t,
		ready("a", "u", credential.TierBase, credential.VisibilityPrivate),
		ready("b", "u", credential.TierBase, credential.VisibilityPrivate),
	)
	results := p.VerifyAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.True(t, results[1].Valid)
}

func TestAdd_Dedup(t *testing.T) {
	p, _, _ := newTestPool(t)
	rec, err := p.Add(context.Background(), credential.Record{RefreshToken: "rt1", Email: "a@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Empty(t, rec.RefreshToken, "returned record is redacted")
	assert.Equal(t, credential.TierBase, rec.Tier)

	_, err = p.Add(context.Background(), credential.Record{RefreshToken: "rt2", Email: "A@example.com"})
	assert.ErrorIs(t, err, credential.ErrDuplicate)
	_, err = p.Add(context.Background(), credential.Record{RefreshToken: "rt1"})
	assert.ErrorIs(t, err, credential.ErrDuplicate)
	_, err = p.Add(context.Background(), credential.Record{})
	assert.Error(t, err)
}

func TestAdd_ConcurrentSameAccount(t *testing.T) {
	p, store, _ := newTestPool(t)
	var (
		wg   sync.WaitGroup
		ok   atomic.Int32
		dups atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Add(context.Background(), credential.Record{
				RefreshToken: fmt.Sprintf("rt-%d", i),
				Email:        "same@example.com",
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, credential.ErrDuplicate):
				dups.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(15), dups.Load())
	assert.Equal(t, 1, store.Len())
}

func TestOwnedAndSetActive(t *testing.T) {
	p, _, _ := newTestPool(t,
		ready("a", "u", credential.TierUpgraded, credential.VisibilityPublic),
		ready("b", "u", credential.TierBase, credential.VisibilityPrivate),
		ready("c", "x", credential.TierUpgraded, credential.VisibilityPublic),
	)
	owned := p.Owned("u")
	assert.Equal(t, OwnerSummary{Base: 1, Upgraded: 1, Public: 1}, owned)
	assert.Equal(t, "contributor_upgraded", owned.Class())
	assert.True(t, owned.Donor())

	_, err := p.SetActive("a", false)
	require.NoError(t, err)
	owned = p.Owned("u")
	assert.False(t, owned.Donor())
	assert.Equal(t, "contributor_base", owned.Class())
	assert.True(t, p.HasActiveUpgraded(), "c is still active")

	_, err = p.SetActive("c", false)
	require.NoError(t, err)
	assert.False(t, p.HasActiveUpgraded())

	for _, r := range p.Snapshot() {
		assert.Empty(t, r.RefreshToken)
	}
	total, active := p.Counts()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, active)
}

func TestImport(t *testing.T) {
	t.Run("valid public credential is shared", func(t *testing.T) {
		p, _, _ := newTestPool(t)
		rec, res, err := p.Import(context.Background(), credential.Record{
			RefreshToken: "rt-new",
			Visibility:   credential.VisibilityPublic,
		})
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.True(t, rec.Active)
		assert.Equal(t, credential.VisibilityPublic, rec.Visibility)
		assert.Equal(t, "rt-new@example.com", rec.Email)
		assert.Empty(t, rec.AccessToken)
	})

	t.Run("invalid credential stays private", func(t *testing.T) {
		p, store, ref := newTestPool(t)
		ref.fail["rt-bad"] = errors.New("invalid_grant")
		rec, res, err := p.Import(context.Background(), credential.Record{
			RefreshToken: "rt-bad",
			Visibility:   credential.VisibilityPublic,
		})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		got, ok := store.Get(rec.ID)
		require.True(t, ok)
		assert.False(t, got.Active)
		assert.Equal(t, credential.VisibilityPrivate, got.Visibility)
		assert.Contains(t, got.LastError, "invalid_grant")
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		p, _, _ := newTestPool(t, ready("a", "u", credential.TierBase, credential.VisibilityPrivate))
		_, _, err := p.Import(context.Background(), credential.Record{RefreshToken: "rt-a"})
		assert.ErrorIs(t, err, credential.ErrDuplicate)
	})
}
