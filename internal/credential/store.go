// Package credential - store.go is the in-memory credential arena.
//
// DESIGN: Records live in a map of entries; each entry has its own mutex,
// so updates to different credentials never contend. The map lock is held
// only for lookups and inserts. Every mutation bumps the entry version and
// marks it dirty; the persister writes dirty entries and clears the flag
// only if the version it wrote is still current.
//
// Each entry also keeps the row last read from or written to storage. A
// stored row with a different UpdatedAt was changed by another process (the
// CLI); Merge applies the fields that differ from that base even when the
// entry is dirty, so a flush never reverts them.
package credential

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type entry struct {
	mu      sync.Mutex
	rec     Record
	version uint64
	dirty   bool
	stored  Record // row as last seen in storage
}

// Store is the in-memory credential arena.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Load replaces the store contents with records read from storage.
// Loaded records are clean.
func (s *Store) Load(records []Record) {
	entries := make(map[string]*entry, len(records))
	for _, rec := range records {
		entries[rec.ID] = &entry{rec: rec, stored: rec}
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (Record, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// All returns copies of every record, ordered by id.
func (s *Store) All() []Record {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Insert adds a new record and marks it dirty.
func (s *Store) Insert(rec Record) error {
	_, err := s.InsertUnique(rec, nil)
	return err
}

// InsertUnique adds a new record unless conflict reports a clash with an
// existing one. The scan and the insert happen under the store lock, so two
// concurrent inserts of the same account cannot both succeed. On a clash it
// returns the existing record and an error wrapping ErrDuplicate.
func (s *Store) InsertUnique(rec Record, conflict func(existing *Record) string) (Record, error) {
	if rec.ID == "" {
		return Record{}, fmt.Errorf("insert credential: empty id")
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[rec.ID]; exists {
		return Record{}, fmt.Errorf("insert credential %q: %w", rec.ID, ErrDuplicate)
	}
	if conflict != nil {
		for _, e := range s.entries {
			e.mu.Lock()
			existing := e.rec
			e.mu.Unlock()
			if field := conflict(&existing); field != "" {
				return existing, fmt.Errorf("insert credential: same %s as %s: %w", field, existing.ID, ErrDuplicate)
			}
		}
	}
	s.entries[rec.ID] = &entry{rec: rec, version: 1, dirty: true}
	return rec, nil
}

// Update applies fn to one record atomically and returns the result.
// fn must not block; it runs under the record's lock.
func (s *Store) Update(id string, fn func(*Record)) (Record, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Record{}, fmt.Errorf("update credential %q: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.rec)
	e.rec.UpdatedAt = s.now()
	e.version++
	e.dirty = true
	return e.rec, nil
}

// UpdateIf runs fn under the record's lock. fn reports whether it changed
// the record; an unchanged record keeps its version and dirty flag.
func (s *Store) UpdateIf(id string, fn func(*Record) bool) (Record, bool, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Record{}, false, fmt.Errorf("update credential %q: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !fn(&e.rec) {
		return e.rec, false, nil
	}
	e.rec.UpdatedAt = s.now()
	e.version++
	e.dirty = true
	return e.rec, true, nil
}

// =============================================================================
// PERSISTENCE SUPPORT
// =============================================================================

// Pending is a dirty record captured for a flush.
type Pending struct {
	Record  Record
	version uint64
}

// Dirty returns copies of all dirty records with their versions.
func (s *Store) Dirty() []Pending {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []Pending
	for _, e := range entries {
		e.mu.Lock()
		if e.dirty {
			out = append(out, Pending{Record: e.rec, version: e.version})
		}
		e.mu.Unlock()
	}
	return out
}

// MarkClean records that the flushed rows are now in storage and clears the
// dirty flag of those whose version has not moved since Dirty captured them.
func (s *Store) MarkClean(flushed []Pending) {
	for _, p := range flushed {
		e, ok := s.lookup(p.Record.ID)
		if !ok {
			continue
		}
		e.mu.Lock()
		e.stored = p.Record
		if e.version == p.version {
			e.dirty = false
		}
		e.mu.Unlock()
	}
}

// Merge applies records read from storage. Unknown ids are inserted clean.
// A known record whose row is unchanged since this store last saw it is left
// alone. A changed row replaces a clean record outright. For a dirty record
// only the fields the other process changed are taken from the row; runtime
// state kept in memory (usage counters, LastUsedAt) is preserved.
// Returns the number of inserted and updated records.
func (s *Store) Merge(records []Record) (inserted, updated int) {
	for _, rec := range records {
		s.mu.Lock()
		e, ok := s.entries[rec.ID]
		if !ok {
			s.entries[rec.ID] = &entry{rec: rec, stored: rec}
			s.mu.Unlock()
			inserted++
			continue
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !rec.UpdatedAt.Equal(e.stored.UpdatedAt) {
			if e.dirty {
				e.rec = mergeExternal(e.stored, e.rec, rec)
				e.rec.UpdatedAt = s.now()
			} else {
				e.rec = rec
			}
			e.stored = rec
			e.version++
			updated++
		}
		e.mu.Unlock()
	}
	return inserted, updated
}

// mergeExternal applies to mem the operator fields that differ between the
// previously stored row (base) and the current one (row).
func mergeExternal(base, mem, row Record) Record {
	out := mem
	if row.Active != base.Active {
		out.Active = row.Active
		out.ConsecutiveFailures = row.ConsecutiveFailures
		out.LastError = row.LastError
	}
	if row.Visibility != base.Visibility {
		out.Visibility = row.Visibility
	}
	if row.Tier != base.Tier {
		out.Tier = row.Tier
	}
	if row.ProjectID != base.ProjectID {
		out.ProjectID = row.ProjectID
	}
	if row.Label != base.Label {
		out.Label = row.Label
	}
	if row.Email != base.Email {
		out.Email = row.Email
	}
	if row.OwnerID != base.OwnerID {
		out.OwnerID = row.OwnerID
	}
	if row.RefreshToken != base.RefreshToken {
		out.RefreshToken = row.RefreshToken
		out.AccessToken = row.AccessToken
		out.ExpiresAt = row.ExpiresAt
	}
	return out
}
