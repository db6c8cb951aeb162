package seriescache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults applied by New.
const (
	DefaultTTL          = 24 * time.Hour
	DefaultFetchTimeout = 30 * time.Second
)

// Lookup outcomes passed to Recorder.ObserveLookup.
const (
	OutcomeHit       = "hit"
	OutcomeRefreshed = "refreshed"
)

// Recorder receives one callback per GetOrRefresh call. outcome is
// OutcomeHit, OutcomeRefreshed or the failing Kind's String.
type Recorder interface {
	ObserveLookup(metric, outcome string)
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long an entry is served without refreshing.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithFetchTimeout bounds each upstream fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRecorder attaches a lookup observer.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

// Cache serves series from a Backend and refreshes stale ones from upstream.
type Cache struct {
	backend      Backend
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	recorder     Recorder
	group        singleflight.Group
}

// New returns a Cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:      backend,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

// refreshResult is what a shared refresh hands to every waiter.
type refreshResult struct {
	series Series
	cached bool
}

// GetOrRefresh returns the series for id. A stored entry younger than the TTL
// is returned with cached=true. Otherwise the series is fetched through f,
// normalized and stored, and returned with cached=false.
//
// Fetch failures are returned as *UpstreamError and leave the stored entry
// untouched. Concurrent callers for the same identity share one fetch.
func (c *Cache) GetOrRefresh(ctx context.Context, id Identity, f Fetcher) (Series, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, err
	}

	if s, ok, err := c.fresh(ctx, id); err != nil {
		return nil, false, err
	} else if ok {
		c.observe(id, OutcomeHit)
		return s, true, nil
	}

	v, err, _ := c.group.Do(id.Key(), func() (interface{}, error) {
		// A refresh that finished while this caller was queued counts as a hit.
		if s, ok, err := c.fresh(ctx, id); err != nil {
			return nil, err
		} else if ok {
			return refreshResult{series: s, cached: true}, nil
		}
		s, err := c.refresh(ctx, id, f)
		if err != nil {
			return nil, err
		}
		return refreshResult{series: s}, nil
	})
	if err != nil {
		if k := KindOf(err); k != 0 {
			c.observe(id, k.String())
		}
		return nil, false, err
	}

	res := v.(refreshResult)
	if res.cached {
		c.observe(id, OutcomeHit)
	} else {
		c.observe(id, OutcomeRefreshed)
	}
	return res.series, res.cached, nil
}

// Refresh fetches the series for id through f and stores it, whatever the
// age of the stored entry. Concurrent Refresh calls for the same identity
// share one fetch. A failure leaves the stored entry untouched.
func (c *Cache) Refresh(ctx context.Context, id Identity, f Fetcher) (Series, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	v, err, _ := c.group.Do("refresh\x1f"+id.Key(), func() (interface{}, error) {
		return c.refresh(ctx, id, f)
	})
	if err != nil {
		if k := KindOf(err); k != 0 {
			c.observe(id, k.String())
		}
		return nil, err
	}
	c.observe(id, OutcomeRefreshed)
	return v.(Series), nil
}

// GetSeries returns the stored series for id regardless of age, without
// contacting upstream.
func (c *Cache) GetSeries(ctx context.Context, id Identity) (Series, bool, error) {
	e, ok, err := c.backend.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("seriescache: get %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	return e.Points, true, nil
}

// RefreshSeries normalizes payload and stores it as the current series for id.
func (c *Cache) RefreshSeries(ctx context.Context, id Identity, payload []byte) (Series, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	s, err := Normalize(payload)
	if err != nil {
		return nil, err
	}
	if err := c.store(ctx, id, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns every stored series for the given metrics in one backend
// read, keyed by identity. Entries of any age are included.
func (c *Cache) Snapshot(ctx context.Context, metrics ...string) (map[Identity]Series, error) {
	entries, err := c.backend.List(ctx, metrics...)
	if err != nil {
		return nil, fmt.Errorf("seriescache: list: %w", err)
	}
	out := make(map[Identity]Series, len(entries))
	for _, e := range entries {
		out[e.Identity] = e.Points
	}
	return out, nil
}

// Invalidate drops the stored entry for id.
func (c *Cache) Invalidate(ctx context.Context, id Identity) error {
	if err := c.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("seriescache: delete %s: %w", id, err)
	}
	return nil
}

// fresh returns the stored series when it is younger than the TTL.
func (c *Cache) fresh(ctx context.Context, id Identity) (Series, bool, error) {
	e, ok, err := c.backend.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("seriescache: get %s: %w", id, err)
	}
	if !ok || c.now().Sub(e.UpdatedAt) >= c.ttl {
		return nil, false, nil
	}
	return e.Points, true, nil
}

func (c *Cache) refresh(ctx context.Context, id Identity, f Fetcher) (Series, error) {
	// The fetch is shared by every waiter, so it must outlive any single
	// caller's cancellation.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	start := c.now()
	payload, err := f.Fetch(fctx, id)
	if err != nil {
		err = classify(err)
		slog.Warn("seriescache: refresh failed", "series", id.String(), "err", err)
		return nil, err
	}

	s, err := Normalize(payload)
	if err != nil {
		slog.Warn("seriescache: refresh rejected payload", "series", id.String(), "err", err)
		return nil, err
	}
	if err := c.store(fctx, id, s); err != nil {
		return nil, err
	}
	slog.Debug("seriescache: refreshed", "series", id.String(), "points", len(s), "took", c.now().Sub(start))
	return s, nil
}

func (c *Cache) store(ctx context.Context, id Identity, s Series) error {
	e := Entry{Identity: id, Points: s, UpdatedAt: c.now()}
	if err := c.backend.Upsert(ctx, e); err != nil {
		return fmt.Errorf("seriescache: upsert %s: %w", id, err)
	}
	return nil
}

// classify maps a fetch error onto an *UpstreamError.
func classify(err error) error {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	detail := "fetch failed"
	if errors.Is(err, context.DeadlineExceeded) {
		detail = "fetch timed out"
	}
	return &UpstreamError{Kind: Unavailable, Detail: detail, Err: err}
}

func (c *Cache) observe(id Identity, outcome string) {
	if c.recorder != nil {
		c.recorder.ObserveLookup(id.Metric, outcome)
	}
}
