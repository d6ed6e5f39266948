package credential

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory Repository for tests.
type memRepo struct {
	mu      sync.Mutex
	rows    map[string]Record
	upserts int
}

func newMemRepo() *memRepo { return &memRepo{rows: make(map[string]Record)} }

func (m *memRepo) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRepo) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *memRepo) Upsert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.rows[r.ID] = r
	}
	m.upserts++
	return nil
}

func TestTier_Satisfies(t *testing.T) {
	assert.True(t, TierBase.Satisfies(TierBase))
	assert.False(t, TierBase.Satisfies(TierUpgraded))
	assert.True(t, TierUpgraded.Satisfies(TierBase))
	assert.True(t, TierUpgraded.Satisfies(TierUpgraded))
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
	}{
		{"base", TierBase},
		{"2.5", TierBase},
		{"", TierBase},
		{"upgraded", TierUpgraded},
		{"3", TierUpgraded},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	_, err := ParseTier("ultra")
	assert.Error(t, err)
}

func TestRecord_NeedsRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	margin := 5 * time.Minute

	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"no access token", Record{RefreshToken: "r"}, true},
		{"expires inside margin", Record{RefreshToken: "r", AccessToken: "a", ExpiresAt: now.Add(4 * time.Minute)}, true},
		{"already expired", Record{RefreshToken: "r", AccessToken: "a", ExpiresAt: now.Add(-time.Minute)}, true},
		{"fresh", Record{RefreshToken: "r", AccessToken: "a", ExpiresAt: now.Add(time.Hour)}, false},
		{"static token", Record{AccessToken: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.NeedsRefresh(now, margin))
		})
	}
}

func TestRecord_RedactedAndRatio(t *testing.T) {
	rec := Record{ID: "c1", RefreshToken: "secret", AccessToken: "token", TotalRequests: 4, TotalFailures: 1}
	red := rec.Redacted()
	assert.Empty(t, red.RefreshToken)
	assert.Empty(t, red.AccessToken)
	assert.Equal(t, "secret", rec.RefreshToken, "original is untouched")
	assert.InDelta(t, 0.25, rec.FailureRatio(), 1e-9)
	assert.Zero(t, (&Record{}).FailureRatio())
}

func TestStore_InsertUpdateGet(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(Record{ID: "c1", Active: true}))
	assert.ErrorIs(t, s.Insert(Record{ID: "c1"}), ErrDuplicate)

	got, err := s.Update("c1", func(r *Record) { r.TotalRequests++ })
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalRequests)

	rec, ok := s.Get("c1")
	require.True(t, ok)
	rec.TotalRequests = 99
	again, _ := s.Get("c1")
	assert.Equal(t, int64(1), again.TotalRequests, "Get returns a copy")

	_, err = s.Update("missing", func(*Record) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateIf(t *testing.T) {
	s := NewStore()
	s.Load([]Record{{ID: "c1", Active: false}})

	_, changed, err := s.UpdateIf("c1", func(r *Record) bool { return r.Active })
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, s.Dirty(), "rejected update leaves the record clean")

	rec, changed, err := s.UpdateIf("c1", func(r *Record) bool {
		r.Active = true
		return true
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, rec.Active)
	assert.Len(t, s.Dirty(), 1)
}

func TestStore_InsertUnique(t *testing.T) {
	sameEmail := func(email string) func(*Record) string {
		return func(existing *Record) string {
			if existing.Email == email {
				return "email"
			}
			return ""
		}
	}

	s := NewStore()
	_, err := s.InsertUnique(Record{ID: "c1", Email: "a@example.com"}, sameEmail("a@example.com"))
	require.NoError(t, err)

	existing, err := s.InsertUnique(Record{ID: "c2", Email: "a@example.com"}, sameEmail("a@example.com"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, "c1", existing.ID)
	assert.Equal(t, 1, s.Len())

	t.Run("concurrent inserts of one account", func(t *testing.T) {
		s := NewStore()
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := Record{ID: fmt.Sprintf("c%d", i), Email: "b@example.com"}
				if _, err := s.InsertUnique(rec, sameEmail("b@example.com")); err == nil {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, won)
		assert.Equal(t, 1, s.Len())
	})
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(Record{ID: "c1"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update("c1", func(r *Record) { r.TotalRequests++ })
		}()
	}
	wg.Wait()

	rec, _ := s.Get("c1")
	assert.Equal(t, int64(50), rec.TotalRequests)
}

func TestStore_DirtyTracking(t *testing.T) {
	s := NewStore()
	s.Load([]Record{{ID: "a"}, {ID: "b"}})
	assert.Empty(t, s.Dirty(), "loaded records are clean")

	_, err := s.Update("a", func(r *Record) { r.LastError = "x" })
	require.NoError(t, err)
	pending := s.Dirty()
	require.Len(t, pending, 1)

	// A change after capture keeps the record dirty.
	_, err = s.Update("a", func(r *Record) { r.LastError = "y" })
	require.NoError(t, err)
	s.MarkClean(pending)
	require.Len(t, s.Dirty(), 1)

	s.MarkClean(s.Dirty())
	assert.Empty(t, s.Dirty())
}

func TestStore_MergeExternalChanges(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	used := base.Add(30 * time.Second)
	s.now = func() time.Time { return used }
	s.Load([]Record{
		{ID: "a", Active: true, Label: "a", UpdatedAt: base},
		{ID: "b", Active: true, Label: "b", UpdatedAt: base},
		{ID: "d", Active: true, Label: "d", UpdatedAt: base},
	})

	// "b" is selected in memory: dirty with runtime state only.
	_, err := s.Update("b", func(r *Record) {
		r.LastUsedAt = used
		r.TotalRequests++
		r.LastError = "rate limited"
	})
	require.NoError(t, err)

	rows := []Record{
		{ID: "a", Active: false, Label: "a", UpdatedAt: base.Add(time.Minute)},
		{ID: "b", Active: false, Label: "renamed", UpdatedAt: base.Add(time.Minute)},
		{ID: "c", Active: true, UpdatedAt: base},
		{ID: "d", Active: false, Label: "d", UpdatedAt: base}, // unchanged row version
	}
	inserted, updated := s.Merge(rows)
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 2, updated)

	a, _ := s.Get("a")
	assert.False(t, a.Active, "clean record replaced")

	b, _ := s.Get("b")
	assert.False(t, b.Active, "external disable applied to a dirty record")
	assert.Equal(t, "renamed", b.Label)
	assert.Equal(t, used, b.LastUsedAt, "runtime state kept")
	assert.Equal(t, int64(1), b.TotalRequests)
	assert.Empty(t, b.LastError, "failure state follows the active flag")

	_, ok := s.Get("c")
	assert.True(t, ok)
	d, _ := s.Get("d")
	assert.True(t, d.Active, "row with an already seen version is ignored")

	pending := s.Dirty()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].Record.ID)

	t.Run("fields untouched by the other process keep local values", func(t *testing.T) {
		s := NewStore()
		s.now = func() time.Time { return used }
		s.Load([]Record{{ID: "x", Active: true, Label: "x", UpdatedAt: base}})
		_, err := s.Update("x", func(r *Record) {
			r.Active = false
			r.LastError = "auth failed"
		})
		require.NoError(t, err)

		s.Merge([]Record{{ID: "x", Active: true, Label: "relabelled", UpdatedAt: base.Add(time.Minute)}})
		x, _ := s.Get("x")
		assert.False(t, x.Active, "local disable survives an unrelated external edit")
		assert.Equal(t, "auth failed", x.LastError)
		assert.Equal(t, "relabelled", x.Label)
	})
}

func TestPersister_ExternalDisableSurvivesBusyCredential(t *testing.T) {
	for _, syncFirst := range []bool{true, false} {
		name := "flush only"
		if syncFirst {
			name = "sync then flush"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newMemRepo()
			s := NewStore()
			p := NewPersister(s, repo, time.Hour, 0)

			require.NoError(t, s.Insert(Record{ID: "c1", Active: true}))
			require.NoError(t, p.Flush(ctx))

			// Another process disables the credential.
			row := repo.rows["c1"]
			row.Active = false
			row.UpdatedAt = row.UpdatedAt.Add(time.Second)
			repo.rows["c1"] = row

			// Meanwhile the server keeps selecting it.
			stamp := time.Now()
			_, err := s.Update("c1", func(r *Record) {
				r.LastUsedAt = stamp
				r.TotalRequests++
			})
			require.NoError(t, err)

			if syncFirst {
				require.NoError(t, p.Sync(ctx))
			}
			require.NoError(t, p.Flush(ctx))

			got, _ := s.Get("c1")
			assert.False(t, got.Active)
			assert.False(t, repo.rows["c1"].Active, "flush does not revert the disable")
			assert.True(t, repo.rows["c1"].LastUsedAt.Equal(stamp))
			assert.Equal(t, int64(1), repo.rows["c1"].TotalRequests)
			assert.Empty(t, s.Dirty())
		})
	}
}

func TestPersister_FlushAndSync(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.rows["seed"] = Record{ID: "seed", Active: true}

	s := NewStore()
	p := NewPersister(s, repo, time.Hour, 0)
	n, err := p.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Insert(Record{ID: "new", Active: true}))
	require.NoError(t, p.Flush(ctx))
	assert.Contains(t, repo.rows, "new")
	assert.Empty(t, s.Dirty())

	// Nothing dirty: no write.
	before := repo.upserts
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, before, repo.upserts)

	repo.rows["cli"] = Record{ID: "cli", Active: true}
	require.NoError(t, p.Sync(ctx))
	_, ok := s.Get("cli")
	assert.True(t, ok)
}

func TestPersister_StopFlushes(t *testing.T) {
	repo := newMemRepo()
	s := NewStore()
	p := NewPersister(s, repo, time.Hour, time.Hour)
	p.Start()

	require.NoError(t, s.Insert(Record{ID: "late"}))
	require.NoError(t, p.Stop(context.Background()))
	assert.Contains(t, repo.rows, "late")
}
