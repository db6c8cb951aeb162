// Package app assembles the gateway's components from a loaded config. Both
// binaries build on it: the server adds listeners, the sync tool runs one
// sweep.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ospulse/ospulse/server/internal/config"
	"github.com/ospulse/ospulse/server/internal/metrics"
	"github.com/ospulse/ospulse/server/internal/ratelimit"
	"github.com/ospulse/ospulse/server/internal/seriescache"
	"github.com/ospulse/ospulse/server/internal/store"
	"github.com/ospulse/ospulse/server/internal/store/postgres"
	"github.com/ospulse/ospulse/server/internal/summary"
	"github.com/ospulse/ospulse/server/internal/syncer"
	"github.com/ospulse/ospulse/server/internal/upstream"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Level    *slog.LevelVar
	Registry *metrics.Registry
	Upstream *upstream.Client
	Series   *seriescache.Cache
	Summary  *summary.Cache
	Limiter  *ratelimit.Limiter
	Policies *ratelimit.Table

	// Memory is the in-memory backend, nil when series live in PostgreSQL.
	Memory *store.Store

	closers []func() error
}

// SetupLogging installs a JSON slog handler on stdout as the default logger
// and returns its level, which Reload adjusts.
func SetupLogging(level string) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv})))
	return lv
}

// ParseLevel maps a config log level to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds every component for cfg. level may be nil.
func New(ctx context.Context, cfg *config.Config, level *slog.LevelVar) (*App, error) {
	a := &App{Config: cfg, Level: level, Registry: metrics.NewRegistry()}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	a.Upstream, err = upstream.New(cfg.Upstream)
	if err != nil {
		a.Close() //nolint:errcheck
		return nil, err
	}

	a.Series = seriescache.New(backend,
		seriescache.WithTTL(cfg.Cache.TTL),
		seriescache.WithFetchTimeout(cfg.Upstream.Timeout),
		seriescache.WithRecorder(a.Registry),
	)

	agg, err := summary.NewAggregator(a.Series, Settings(cfg))
	if err != nil {
		a.Close() //nolint:errcheck
		return nil, fmt.Errorf("app: summary: %w", err)
	}
	a.Summary = summary.NewCache(agg, Projects(cfg), cfg.Summary.TTL)

	counter := ratelimit.NewWindowCounter()
	a.Limiter = ratelimit.New(counter, a.Registry)
	a.Policies = ratelimit.NewTable(Chains(cfg))

	a.Registry.RegisterGauge("tracked_projects", "Projects tracked by the summary.", func() float64 {
		return float64(len(a.Summary.Projects()))
	})
	a.Registry.RegisterGauge("ratelimit_keys", "Keys holding rate limit records.", func() float64 {
		return float64(counter.Keys())
	})
	if a.Memory != nil {
		mem := a.Memory
		a.Registry.RegisterGauge("series_cached", "Series held by the in-memory cache.", func() float64 {
			return float64(mem.Count())
		})
	}
	return a, nil
}

func (a *App) openBackend(ctx context.Context) (seriescache.Backend, error) {
	switch a.Config.Cache.Backend {
	case "postgres":
		pg, err := postgres.Open(ctx, a.Config.Cache.Postgres.DSN(), a.Config.Cache.Postgres.MaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("app: series backend: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		slog.Info("series backend ready", "backend", "postgres")
		return pg, nil
	default:
		a.Memory = store.New(a.Config.Cache.Retention)
		slog.Info("series backend ready", "backend", "memory", "retention", a.Config.Cache.Retention)
		return a.Memory, nil
	}
}

// Syncer returns a sweep runner over the app's caches.
func (a *App) Syncer() *syncer.Syncer {
	cfg := a.Config
	return syncer.New(a.Series, a.Upstream, a.Summary, a.Registry, syncer.Options{
		Metrics:      cfg.SyncMetrics(),
		CoreMetrics:  []string{cfg.Summary.MetricA, cfg.Summary.MetricB},
		MaxAttempts:  cfg.Sync.MaxAttempts,
		Backoff:      cfg.Sync.Backoff,
		Concurrency:  cfg.Sync.Concurrency,
		LockFile:     cfg.Sync.LockFile,
		PruneInvalid: cfg.Sync.PruneInvalid,
	})
}

// Reload applies the hot-reloadable parts of cfg: tracked projects, summary
// weights and metrics, rate limit policies and log level. Listener ports,
// auth keys and the cache backend need a restart.
func (a *App) Reload(cfg *config.Config) error {
	agg, err := summary.NewAggregator(a.Series, Settings(cfg))
	if err != nil {
		return fmt.Errorf("app: reload summary: %w", err)
	}
	a.Summary.Reconfigure(agg, Projects(cfg))
	a.Policies.Set(Chains(cfg))
	if a.Level != nil {
		a.Level.Set(ParseLevel(cfg.Server.LogLevel))
	}
	slog.Info("config reloaded",
		"projects", len(cfg.Projects),
		"weights", fmt.Sprintf("%.2f/%.2f/%.2f", cfg.Summary.Weights.A, cfg.Summary.Weights.B, cfg.Summary.Weights.Stability),
		"log_level", cfg.Server.LogLevel,
	)
	return nil
}

// Close releases backend connections.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Projects converts the configured projects.
func Projects(cfg *config.Config) []summary.Project {
	out := make([]summary.Project, len(cfg.Projects))
	for i, p := range cfg.Projects {
		out[i] = summary.Project{Platform: p.Platform, Org: p.Org, Repo: p.Repo, Category: p.Category}
	}
	return out
}

// Settings converts the summary section.
func Settings(cfg *config.Config) summary.Settings {
	s := cfg.Summary
	return summary.Settings{
		MetricA: s.MetricA,
		MetricB: s.MetricB,
		Tail:    s.Tail,
		Weights: summary.Weights{A: s.Weights.A, B: s.Weights.B, Stability: s.Weights.Stability},
	}
}

// Chains converts the rate limit section into per-route chains.
func Chains(cfg *config.Config) map[string]ratelimit.Chain {
	key := ratelimit.ByAddress
	if cfg.RateLimit.KeyBy == "identity" {
		key = ratelimit.ByIdentity
	}
	out := make(map[string]ratelimit.Chain, len(cfg.RateLimit.Routes))
	for route, policies := range cfg.RateLimit.Routes {
		chain := make(ratelimit.Chain, 0, len(policies))
		for _, p := range policies {
			chain = append(chain, ratelimit.Policy{
				Name:        p.Name,
				MaxRequests: p.MaxRequests,
				Window:      p.Window,
				Key:         key,
			})
		}
		out[route] = chain
	}
	return out
}
