package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a built summary is served.
const DefaultTTL = 300 * time.Second

// DefaultBuildTimeout bounds one rebuild.
const DefaultBuildTimeout = 30 * time.Second

// Rank fields accepted by Ranked.
const (
	FieldHealthScore  = "health_score"
	FieldOpenrankMean = "openrank_mean_12m"
	FieldActivityMean = "activity_mean_12m"
)

// ErrUnknownField is returned by Ranked for an unsupported sort field.
var ErrUnknownField = errors.New("summary: unknown rank field")

// Cache serves the most recent summary until it is older than the TTL.
// Concurrent rebuilds share one Build call.
type Cache struct {
	ttl          time.Duration
	buildTimeout time.Duration
	now          func() time.Time
	group        singleflight.Group

	mu sync.Mutex
	// gen counts Reconfigure calls. A rebuild started under an older
	// generation is not stored.
	gen       uint64
	agg       *Aggregator
	projects  []Project
	items     []Item
	builtAt   time.Time
	listeners []func([]Item)
}

// NewCache wraps agg. ttl <= 0 uses DefaultTTL.
func NewCache(agg *Aggregator, projects []Project, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:          ttl,
		buildTimeout: DefaultBuildTimeout,
		now:          time.Now,
		agg:          agg,
		projects:     append([]Project(nil), projects...),
	}
}

// Reconfigure swaps the aggregator and tracked projects and drops the
// current summary. A nil agg keeps the current aggregator. A rebuild still
// running from before the call is not cached.
func (c *Cache) Reconfigure(agg *Aggregator, projects []Project) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if agg != nil {
		c.agg = agg
	}
	c.projects = append([]Project(nil), projects...)
	c.items = nil
	c.builtAt = time.Time{}
}

// Projects returns a copy of the tracked projects.
func (c *Cache) Projects() []Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Project(nil), c.projects...)
}

// OnRebuild registers fn to be called with every newly built summary.
// fn runs on the rebuilding goroutine and must not block.
func (c *Cache) OnRebuild(fn func([]Item)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Get returns the cached summary, rebuilding it when it is missing, older
// than the TTL or force is set. The returned slice is shared and must not be
// modified.
func (c *Cache) Get(ctx context.Context, force bool) ([]Item, error) {
	c.mu.Lock()
	if !force && c.items != nil && c.now().Sub(c.builtAt) < c.ttl {
		items := c.items
		c.mu.Unlock()
		return items, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return c.rebuild(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Item), nil
}

func (c *Cache) rebuild(ctx context.Context) ([]Item, error) {
	c.mu.Lock()
	gen, agg, projects := c.gen, c.agg, c.projects
	c.mu.Unlock()

	// Every waiter shares this build, so one caller going away must not
	// cancel it.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.buildTimeout)
	defer cancel()

	start := c.now()
	items, err := agg.Build(bctx, projects)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		slog.Debug("summary: discarding rebuild from before reconfigure")
		return items, nil
	}
	c.items = items
	c.builtAt = c.now()
	listeners := make([]func([]Item), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	slog.Debug("summary: rebuilt", "projects", len(items), "took", c.now().Sub(start))
	for _, fn := range listeners {
		fn(items)
	}
	return items, nil
}

// BuiltAt returns when the cached summary was built, zero if none is held.
func (c *Cache) BuiltAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builtAt
}

// Ranked returns a copy of the summary sorted descending by field and cut to
// top entries. top <= 0 returns every entry. Ties keep summary order.
func (c *Cache) Ranked(ctx context.Context, field string, top int, force bool) ([]Item, error) {
	key, ok := rankKeys[field]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownField, field)
	}
	items, err := c.Get(ctx, force)
	if err != nil {
		return nil, err
	}

	out := append([]Item(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return key(out[i]) > key(out[j]) })
	if top > 0 && top < len(out) {
		out = out[:top]
	}
	return out, nil
}

var rankKeys = map[string]func(Item) float64{
	FieldHealthScore:  func(it Item) float64 { return it.HealthScore },
	FieldOpenrankMean: func(it Item) float64 { return it.OpenrankMean },
	FieldActivityMean: func(it Item) float64 { return it.ActivityMean },
}

// IsRankField reports whether field is accepted by Ranked.
func IsRankField(field string) bool {
	_, ok := rankKeys[field]
	return ok
}
