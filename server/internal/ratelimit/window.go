package ratelimit

import (
	"hash/maphash"
	"sort"
	"sync"
	"time"
)

// shardCount is the number of independently locked partitions of the
// occupancy table. Must be a power of two.
const shardCount = 64

// WindowCounter tracks, per key, the timestamps of admitted requests within a
// trailing window.
//
// All exported methods are safe for concurrent use.
type WindowCounter struct {
	seed   maphash.Seed
	shards [shardCount]*windowShard
	now    func() time.Time // injectable for deterministic tests
}

type windowShard struct {
	mu      sync.Mutex
	records map[string][]time.Time
}

// NewWindowCounter returns an empty WindowCounter using the wall clock.
func NewWindowCounter() *WindowCounter {
	w := &WindowCounter{
		seed: maphash.MakeSeed(),
		now:  time.Now,
	}
	for i := range w.shards {
		w.shards[i] = &windowShard{records: make(map[string][]time.Time)}
	}
	return w
}

// RecordAndCheck prunes the record for key, then admits the call if fewer than
// maxCount timestamps remain inside window. An admitted call is recorded and
// the remaining quota after it is returned. A rejected call is not recorded
// and reports 0 remaining.
//
// maxCount <= 0 rejects every call.
func (w *WindowCounter) RecordAndCheck(key string, maxCount int, window time.Duration) (bool, int) {
	sh := w.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Read the clock under the lock so a key's record stays in arrival order.
	now := w.now()
	cutoff := now.Add(-window)

	kept := prune(sh.records[key], cutoff)
	n := len(kept)

	if n >= maxCount {
		sh.store(key, kept)
		return false, 0
	}

	sh.records[key] = append(kept, now)
	return true, maxCount - n - 1
}

// Quota is one key checked by RecordAndCheckAll.
type Quota struct {
	Key      string
	MaxCount int
	Window   time.Duration
}

// RecordAndCheckAll checks every quota and records the call against all of
// them only when every quota admits. It returns the index of the first
// rejecting quota, or -1 when the call was admitted, and the remaining count
// per quota after the call. Nothing is recorded on rejection.
//
// The shards of all keys are locked together, in shard order, for the whole
// check.
func (w *WindowCounter) RecordAndCheckAll(qs []Quota) (int, []int) {
	idx := make([]int, 0, len(qs))
	seen := make(map[int]bool, len(qs))
	for _, q := range qs {
		i := w.shardIndex(q.Key)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		w.shards[i].mu.Lock()
	}
	defer func() {
		for _, i := range idx {
			w.shards[i].mu.Unlock()
		}
	}()

	now := w.now()
	remaining := make([]int, len(qs))
	used := make([]int, len(qs))
	for i, q := range qs {
		sh := w.shards[w.shardIndex(q.Key)]
		kept := prune(sh.records[q.Key], now.Add(-q.Window))
		sh.store(q.Key, kept)
		if len(kept) >= q.MaxCount {
			return i, remaining
		}
		used[i] = len(kept)
	}

	for i, q := range qs {
		sh := w.shards[w.shardIndex(q.Key)]
		sh.records[q.Key] = append(sh.records[q.Key], now)
		remaining[i] = q.MaxCount - used[i] - 1
	}
	return -1, remaining
}

// Len returns the number of timestamps for key that are still inside window.
// It prunes the record as a side effect, like RecordAndCheck.
func (w *WindowCounter) Len(key string, window time.Duration) int {
	sh := w.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kept := prune(sh.records[key], w.now().Add(-window))
	sh.store(key, kept)
	return len(kept)
}

// Reset drops the record for key.
func (w *WindowCounter) Reset(key string) {
	sh := w.shardFor(key)
	sh.mu.Lock()
	delete(sh.records, key)
	sh.mu.Unlock()
}

// Keys returns the number of keys currently holding a non-empty record.
func (w *WindowCounter) Keys() int {
	total := 0
	for _, sh := range w.shards {
		sh.mu.Lock()
		total += len(sh.records)
		sh.mu.Unlock()
	}
	return total
}

func (w *WindowCounter) shardFor(key string) *windowShard {
	return w.shards[w.shardIndex(key)]
}

func (w *WindowCounter) shardIndex(key string) int {
	return int(maphash.String(w.seed, key) & (shardCount - 1))
}

// store writes kept back for key, dropping the entry once it is empty so idle
// keys do not accumulate.
func (sh *windowShard) store(key string, kept []time.Time) {
	if len(kept) == 0 {
		delete(sh.records, key)
		return
	}
	sh.records[key] = kept
}

// prune removes the leading timestamps that are at or before cutoff.
// Records are appended in arrival order, so the first survivor ends the scan.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
