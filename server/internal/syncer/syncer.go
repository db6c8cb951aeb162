package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/ospulse/ospulse/server/internal/seriescache"
	"github.com/ospulse/ospulse/server/internal/summary"
)

// ErrLocked is returned by RunOnce when another sweep holds the lock file.
var ErrLocked = errors.New("syncer: another sweep is running")

// Series outcomes passed to Observer.ObserveSeries.
const (
	OutcomeRefreshed = "refreshed"
	OutcomeFailed    = "failed"
)

// Cache is the part of *seriescache.Cache a sweep uses.
type Cache interface {
	Refresh(ctx context.Context, id seriescache.Identity, f seriescache.Fetcher) (seriescache.Series, error)
	Invalidate(ctx context.Context, id seriescache.Identity) error
}

// Summary is the part of *summary.Cache a sweep uses.
type Summary interface {
	Projects() []summary.Project
	Get(ctx context.Context, force bool) ([]summary.Item, error)
}

// Observer receives sweep statistics.
type Observer interface {
	ObserveSeries(outcome string)
	ObserveSync(result string, took time.Duration)
}

// Options tune a Syncer. Zero fields take the defaults noted.
type Options struct {
	// Metrics fetched per project.
	Metrics []string
	// CoreMetrics decide validity: a project is invalid when every one of
	// them is NotFound upstream.
	CoreMetrics []string

	MaxAttempts int           // default 3
	Backoff     time.Duration // first retry delay, doubled per attempt; default 2s
	Concurrency int           // projects in flight; default 4

	// LockFile, when set, is held for the duration of a sweep.
	LockFile string
	// PruneInvalid drops cached series of invalid projects.
	PruneInvalid bool
}

// Report summarises one sweep.
type Report struct {
	Series    int
	Refreshed int
	Failed    int
	Invalid   []string // project keys
	Took      time.Duration
}

// Syncer runs sweeps.
type Syncer struct {
	cache    Cache
	fetcher  seriescache.Fetcher
	summary  Summary
	observer Observer
	opts     Options

	// sleep waits d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New returns a Syncer. observer may be nil.
func New(cache Cache, fetcher seriescache.Fetcher, sum Summary, observer Observer, opts Options) *Syncer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Syncer{
		cache:    cache,
		fetcher:  fetcher,
		summary:  sum,
		observer: observer,
		opts:     opts,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("syncer: sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep over the tracked projects.
func (s *Syncer) RunOnce(ctx context.Context) (Report, error) {
	if s.opts.LockFile != "" {
		lock := flock.New(s.opts.LockFile)
		ok, err := lock.TryLock()
		if err != nil {
			return Report{}, fmt.Errorf("syncer: lock %q: %w", s.opts.LockFile, err)
		}
		if !ok {
			return Report{}, ErrLocked
		}
		defer lock.Unlock() //nolint:errcheck
	}

	start := s.now()
	projects := s.summary.Projects()
	slog.Info("syncer: sweep started", "projects", len(projects), "metrics", len(s.opts.Metrics))

	var (
		mu  sync.Mutex
		rep Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, p := range projects {
		g.Go(func() error {
			pr, err := s.syncProject(gctx, p)
			mu.Lock()
			rep.Series += pr.Series
			rep.Refreshed += pr.Refreshed
			rep.Failed += pr.Failed
			rep.Invalid = append(rep.Invalid, pr.Invalid...)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	rep.Took = s.now().Sub(start)
	if err != nil {
		s.observeSync("cancelled", rep.Took)
		return rep, err
	}

	if _, err := s.summary.Get(ctx, true); err != nil && !errors.Is(err, summary.ErrNoData) {
		slog.Warn("syncer: summary rebuild failed", "err", err)
	}

	result := "ok"
	if rep.Failed > 0 {
		result = "partial"
	}
	s.observeSync(result, rep.Took)
	slog.Info("syncer: sweep finished",
		"series", rep.Series,
		"refreshed", rep.Refreshed,
		"failed", rep.Failed,
		"invalid", len(rep.Invalid),
		"took", rep.Took,
	)
	return rep, nil
}

// syncProject refreshes every metric of p. Only context cancellation is
// returned as an error; fetch failures are counted.
func (s *Syncer) syncProject(ctx context.Context, p summary.Project) (Report, error) {
	var rep Report
	missing := make(map[string]bool)
	for _, m := range s.opts.Metrics {
		id := seriescache.Identity{Platform: p.Platform, Entity: p.Org, Repo: p.Repo, Metric: m}
		err := s.fetch(ctx, id)
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Series++
		switch {
		case err != nil:
			rep.Failed++
			s.observeSeries(OutcomeFailed)
			if errors.Is(err, seriescache.ErrNotFound) {
				missing[m] = true
			}
		default:
			rep.Refreshed++
			s.observeSeries(OutcomeRefreshed)
		}
	}

	if s.invalid(missing) {
		slog.Warn("syncer: project has no core metrics upstream", "project", p.Key())
		rep.Invalid = append(rep.Invalid, p.Key())
		if s.opts.PruneInvalid {
			s.prune(ctx, p)
		}
	}
	return rep, nil
}

// fetch refreshes id regardless of its age, retrying Unavailable failures.
func (s *Syncer) fetch(ctx context.Context, id seriescache.Identity) error {
	delay := s.opts.Backoff
	for attempt := 1; ; attempt++ {
		_, err := s.cache.Refresh(ctx, id, s.fetcher)
		if err == nil || !errors.Is(err, seriescache.ErrUnavailable) || attempt >= s.opts.MaxAttempts {
			if err != nil {
				slog.Debug("syncer: series failed", "series", id.String(), "attempts", attempt, "err", err)
			}
			return err
		}
		slog.Debug("syncer: retrying series", "series", id.String(), "attempt", attempt, "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func (s *Syncer) invalid(missing map[string]bool) bool {
	if len(s.opts.CoreMetrics) == 0 {
		return false
	}
	for _, m := range s.opts.CoreMetrics {
		if !missing[m] {
			return false
		}
	}
	return true
}

func (s *Syncer) prune(ctx context.Context, p summary.Project) {
	for _, m := range s.opts.Metrics {
		id := seriescache.Identity{Platform: p.Platform, Entity: p.Org, Repo: p.Repo, Metric: m}
		if err := s.cache.Invalidate(ctx, id); err != nil {
			slog.Warn("syncer: prune failed", "series", id.String(), "err", err)
		}
	}
}

func (s *Syncer) observeSeries(outcome string) {
	if s.observer != nil {
		s.observer.ObserveSeries(outcome)
	}
}

func (s *Syncer) observeSync(result string, took time.Duration) {
	if s.observer != nil {
		s.observer.ObserveSync(result, took)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
