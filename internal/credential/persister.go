// Package credential - persister.go moves records between the Store and a Repository.
//
// DESIGN: Request paths never wait on storage. Two background loops run
// until Stop:
//   - flush: every FlushInterval, merge out-of-band changes into dirty
//     records, then upsert them in one batch
//   - sync:  every SyncInterval, read storage and merge rows added or
//     changed out-of-band (for example by the CLI while the server runs)
//
// Stop performs a final flush so shutdown does not lose health updates.
package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// flushTimeout bounds one storage write.
const flushTimeout = 10 * time.Second

// Persister flushes dirty records and imports external changes.
type Persister struct {
	store         *Store
	repo          Repository
	flushInterval time.Duration
	syncInterval  time.Duration

	flushMu sync.Mutex
	stopCh  chan struct{}
	done    sync.WaitGroup
	once    sync.Once
}

// NewPersister creates a persister. A zero syncInterval disables the sync loop.
func NewPersister(store *Store, repo Repository, flushInterval, syncInterval time.Duration) *Persister {
	return &Persister{
		store:         store,
		repo:          repo,
		flushInterval: flushInterval,
		syncInterval:  syncInterval,
		stopCh:        make(chan struct{}),
	}
}

// LoadAll fills the store from the repository.
func (p *Persister) LoadAll(ctx context.Context) (int, error) {
	records, err := p.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("load credentials: %w", err)
	}
	p.store.Load(records)
	return len(records), nil
}

// Start launches the background loops.
func (p *Persister) Start() {
	p.done.Add(1)
	go p.loop(p.flushInterval, p.flushQuietly)

	if p.syncInterval > 0 {
		p.done.Add(1)
		go p.loop(p.syncInterval, p.syncQuietly)
	}
}

// Stop ends the loops and flushes what is still dirty.
func (p *Persister) Stop(ctx context.Context) error {
	p.once.Do(func() { close(p.stopCh) })
	p.done.Wait()
	return p.Flush(ctx)
}

func (p *Persister) loop(interval time.Duration, tick func()) {
	defer p.done.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (p *Persister) flushQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("credential flush failed, will retry")
	}
}

func (p *Persister) syncQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.Sync(ctx); err != nil {
		log.Error().Err(err).Msg("credential sync failed")
	}
}

// Flush writes every dirty record. Rows changed in storage by another
// process are merged in first so their operator changes survive the write.
// Records changed during the write stay dirty.
func (p *Persister) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	if len(p.store.Dirty()) == 0 {
		return nil
	}
	if err := p.mergeLocked(ctx); err != nil {
		return fmt.Errorf("flush credentials: %w", err)
	}

	pending := p.store.Dirty()
	records := make([]Record, len(pending))
	for i := range pending {
		records[i] = pending[i].Record
	}
	if err := p.repo.Upsert(ctx, records); err != nil {
		return fmt.Errorf("flush %d credentials: %w", len(records), err)
	}
	p.store.MarkClean(pending)

	log.Debug().Int("count", len(records)).Msg("credentials flushed")
	return nil
}

// Sync merges storage rows into the store.
func (p *Persister) Sync(ctx context.Context) error {
	// Serialized with Flush so a row is never read mid-write.
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	if err := p.mergeLocked(ctx); err != nil {
		return fmt.Errorf("sync credentials: %w", err)
	}
	return nil
}

func (p *Persister) mergeLocked(ctx context.Context) error {
	records, err := p.repo.List(ctx)
	if err != nil {
		return err
	}
	inserted, updated := p.store.Merge(records)
	if inserted > 0 || updated > 0 {
		log.Info().Int("added", inserted).Int("updated", updated).Msg("credentials synced from storage")
	}
	return nil
}
