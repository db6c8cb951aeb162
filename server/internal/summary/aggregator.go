package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ospulse/ospulse/server/internal/seriescache"
)

// ErrNoData is returned when no tracked project has usable series.
var ErrNoData = errors.New("summary: no project has usable series")

// Project is one tracked repository.
type Project struct {
	Platform string `json:"platform"`
	Org      string `json:"org"`
	Repo     string `json:"repo"`
	Category string `json:"category"`
}

// Key returns "platform/org/repo".
func (p Project) Key() string {
	return p.Platform + "/" + p.Org + "/" + p.Repo
}

func (p Project) identity(metric string) seriescache.Identity {
	return seriescache.Identity{Platform: p.Platform, Entity: p.Org, Repo: p.Repo, Metric: metric}
}

// Item is one project's row in the summary. JSON names are stable regardless
// of which upstream metrics feed A and B.
type Item struct {
	Platform   string `json:"platform"`
	Org        string `json:"org"`
	Repo       string `json:"repo"`
	ProjectKey string `json:"project_key"`
	Category   string `json:"category"`

	OpenrankMean float64 `json:"openrank_mean_12m"`
	OpenrankStd  float64 `json:"openrank_std_12m"`
	ActivityMean float64 `json:"activity_mean_12m"`

	OpenrankNorm  float64 `json:"openrank_norm"`
	ActivityNorm  float64 `json:"activity_norm"`
	StabilityNorm float64 `json:"stability_norm"`
	HealthScore   float64 `json:"health_score"`
}

// Source is the batched series read the aggregator needs.
// *seriescache.Cache satisfies it.
type Source interface {
	Snapshot(ctx context.Context, metrics ...string) (map[seriescache.Identity]seriescache.Series, error)
}

// Settings configures an Aggregator. Zero fields take defaults.
type Settings struct {
	MetricA string
	MetricB string
	Tail    int
	Weights Weights
}

func (s Settings) withDefaults() Settings {
	if s.MetricA == "" {
		s.MetricA = "openrank"
	}
	if s.MetricB == "" {
		s.MetricB = "activity"
	}
	if s.Tail <= 0 {
		s.Tail = 12
	}
	if s.Weights == (Weights{}) {
		s.Weights = DefaultWeights
	}
	return s
}

// Aggregator computes summaries from cached series.
type Aggregator struct {
	source   Source
	settings Settings
}

// NewAggregator returns an Aggregator reading from source.
func NewAggregator(source Source, s Settings) (*Aggregator, error) {
	s = s.withDefaults()
	if err := s.Weights.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{source: source, settings: s}, nil
}

// Settings returns the effective settings.
func (a *Aggregator) Settings() Settings { return a.settings }

// stats holds one project's unrounded aggregates.
type stats struct {
	project Project
	meanA   float64
	stdA    float64
	meanB   float64
}

// Build returns one Item per project that has both metric series, in the
// order of projects. Projects missing either series are skipped. ErrNoData is
// returned when every project is skipped.
func (a *Aggregator) Build(ctx context.Context, projects []Project) ([]Item, error) {
	s := a.settings
	snap, err := a.source.Snapshot(ctx, s.MetricA, s.MetricB)
	if err != nil {
		return nil, fmt.Errorf("summary: read series: %w", err)
	}

	rows := make([]stats, 0, len(projects))
	for _, p := range projects {
		va := snap[p.identity(s.MetricA)].Tail(s.Tail)
		vb := snap[p.identity(s.MetricB)].Tail(s.Tail)
		if len(va) == 0 || len(vb) == 0 {
			slog.Debug("summary: skipping project without series", "project", p.Key())
			continue
		}
		rows = append(rows, stats{
			project: p,
			meanA:   Mean(va),
			stdA:    StdPopulation(va),
			meanB:   Mean(vb),
		})
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}

	maxA, maxB, maxStd := rows[0].meanA, rows[0].meanB, rows[0].stdA
	for _, r := range rows[1:] {
		maxA = max(maxA, r.meanA)
		maxB = max(maxB, r.meanB)
		maxStd = max(maxStd, r.stdA)
	}
	maxA, maxB, maxStd = nonZero(maxA), nonZero(maxB), nonZero(maxStd)

	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		f := Factors{
			NormA:     normalize(r.meanA, maxA),
			NormB:     normalize(r.meanB, maxB),
			Stability: 1 - normalize(r.stdA, maxStd),
		}
		items = append(items, Item{
			Platform:      r.project.Platform,
			Org:           r.project.Org,
			Repo:          r.project.Repo,
			ProjectKey:    r.project.Key(),
			Category:      r.project.Category,
			OpenrankMean:  Round(r.meanA, 2),
			OpenrankStd:   Round(r.stdA, 2),
			ActivityMean:  Round(r.meanB, 2),
			OpenrankNorm:  Round(f.NormA, 2),
			ActivityNorm:  Round(f.NormB, 2),
			StabilityNorm: Round(f.Stability, 2),
			HealthScore:   Score(f, s.Weights),
		})
	}
	return items, nil
}
