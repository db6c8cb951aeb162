package store

import (
	"context"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/ospulse/ospulse/server/internal/seriescache"
)

const shardCount = 16

// Store is a thread-safe in-memory series store, keyed by identity and split
// into independently locked shards.
//
// With a non-zero retention, Run periodically evicts entries that have not
// been refreshed within that period. Freshness for serving is decided by
// seriescache, not here.
type Store struct {
	seed      maphash.Seed
	shards    [shardCount]*shard
	retention time.Duration
}

type shard struct {
	mu   sync.RWMutex
	data map[string]seriescache.Entry
}

// New creates a Store. retention <= 0 disables eviction.
func New(retention time.Duration) *Store {
	s := &Store{
		seed:      maphash.MakeSeed(),
		retention: retention,
	}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]seriescache.Entry)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[maphash.String(s.seed, key)%shardCount]
}

// Get returns the entry for id and whether one was found. The entry may be
// older than any TTL.
func (s *Store) Get(_ context.Context, id seriescache.Identity) (seriescache.Entry, bool, error) {
	key := id.Key()
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.data[key]
	return e, ok, nil
}

// Upsert stores e, replacing the current entry unless that one is newer.
// Callers must not modify e.Points after calling Upsert.
func (s *Store) Upsert(_ context.Context, e seriescache.Entry) error {
	key := e.Identity.Key()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.data[key]; ok && cur.UpdatedAt.After(e.UpdatedAt) {
		return nil
	}
	sh.data[key] = e
	return nil
}

// List returns the entries whose metric is in metrics, or every entry when
// metrics is empty.
func (s *Store) List(_ context.Context, metrics ...string) ([]seriescache.Entry, error) {
	want := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		want[m] = true
	}

	var out []seriescache.Entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.data {
			if len(want) == 0 || want[e.Identity.Metric] {
				out = append(out, e)
			}
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

// Delete removes the entry for id.
func (s *Store) Delete(_ context.Context, id seriescache.Identity) error {
	key := id.Key()
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.data, key)
	sh.mu.Unlock()
	return nil
}

// Count returns the total number of entries held.
func (s *Store) Count() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.data)
		sh.mu.RUnlock()
	}
	return total
}

// Evict removes entries whose UpdatedAt is at or before now minus retention.
// It returns the number of entries removed, always 0 when retention is off.
func (s *Store) Evict(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.retention)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.data {
			if !e.UpdatedAt.After(cutoff) {
				delete(sh.data, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run starts the eviction loop, ticking at half the retention (minimum one
// second). It returns immediately when retention is off and otherwise blocks
// until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	interval := s.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted expired series", "count", n)
			}
		}
	}
}
