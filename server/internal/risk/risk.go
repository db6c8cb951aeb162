// Package risk grades a project's contributor concentration from its
// monthly bus factor series.
package risk

import (
	"github.com/ospulse/ospulse/server/internal/summary"
)

// Metric is the upstream series the assessment reads.
const Metric = "bus_factor"

// Level grades contributor concentration.
type Level string

const (
	LevelCritical Level = "critical"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelHealthy  Level = "healthy"
)

// Trend compares the older and newer halves of the recent window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
	TrendUnknown   Trend = "unknown"
)

// Text is a short label for display next to the trend.
func (t Trend) Text() string {
	switch t {
	case TrendImproving:
		return "rising"
	case TrendDeclining:
		return "falling"
	case TrendStable:
		return "holding steady"
	default:
		return "not enough data"
	}
}

const (
	recentWindow = 6
	yearWindow   = 12

	// trendBand is the relative change between halves treated as stable.
	trendBand = 0.10

	decliningPenalty = 0.15
	decliningCap     = 0.9
)

// band maps an upper bound on the recent bus factor to a level.
type band struct {
	upTo       float64
	level      Level
	score      float64
	message    string
	suggestion string
}

var bands = []band{
	{1.5, LevelCritical, 0.95,
		"Critical: the project depends almost entirely on a single developer.",
		"Treat as at risk of stalling if the core developer leaves; prepare an alternative before relying on it in production."},
	{3, LevelHigh, 0.75,
		"High risk: the project relies heavily on one to three core developers.",
		"Proceed with care and watch whether the community is growing new contributors."},
	{5, LevelMedium, 0.45,
		"Medium risk: the pool of core developers is small.",
		"Review the contribution guide and community activity to judge long-term sustainability."},
	{8, LevelLow, 0.2,
		"Low risk: contributions are reasonably well distributed.", ""},
}

var healthy = band{0, LevelHealthy, 0.05, "Healthy: the project has ample contributor redundancy.", ""}

// Assessment is the full contributor risk report.
type Assessment struct {
	AvgRecent  float64 `json:"bus_factor_avg_6m"`
	AvgYear    float64 `json:"bus_factor_avg_12m"`
	Trend      Trend   `json:"bus_factor_trend"`
	Level      Level   `json:"risk_level"`
	Score      float64 `json:"risk_score"`
	Message    string  `json:"message"`
	Suggestion string  `json:"suggestion,omitempty"`
	Details    Details `json:"details"`
}

// Details lists the values the assessment was based on.
type Details struct {
	RecentValues []float64 `json:"recent_values"`
	MinRecent    float64   `json:"min_6m"`
	MaxRecent    float64   `json:"max_6m"`
}

// Assess grades values, the bus factor series in ascending period order.
// Only the last twelve values are considered.
func Assess(values []float64) Assessment {
	year := tail(values, yearWindow)
	recent := tail(year, recentWindow)
	avgRecent := summary.Mean(recent)

	b := healthy
	for _, candidate := range bands {
		if avgRecent <= candidate.upTo {
			b = candidate
			break
		}
	}

	trend := trendOf(recent)
	score, message := b.score, b.message
	if trend == TrendDeclining && b.level != LevelCritical && b.level != LevelHigh {
		score = min(score+decliningPenalty, decliningCap)
		message += " Contributor concentration is getting worse."
	}

	d := Details{RecentValues: make([]float64, len(recent))}
	for i, v := range recent {
		d.RecentValues[i] = summary.Round(v, 2)
	}
	if len(recent) > 0 {
		lo, hi := recent[0], recent[0]
		for _, v := range recent[1:] {
			lo, hi = min(lo, v), max(hi, v)
		}
		d.MinRecent, d.MaxRecent = summary.Round(lo, 2), summary.Round(hi, 2)
	}

	return Assessment{
		AvgRecent:  summary.Round(avgRecent, 2),
		AvgYear:    summary.Round(summary.Mean(year), 2),
		Trend:      trend,
		Level:      b.level,
		Score:      summary.Round(score, 2),
		Message:    message,
		Suggestion: b.suggestion,
		Details:    d,
	}
}

// QuickAssessment is the reduced grade used for batch lookups.
type QuickAssessment struct {
	AvgRecent float64 `json:"bus_factor_avg_6m"`
	Level     Level   `json:"risk_level"`
	Score     float64 `json:"risk_score"`
}

// Quick grades values with three coarse levels.
func Quick(values []float64) QuickAssessment {
	avg := summary.Mean(tail(tail(values, yearWindow), recentWindow))
	q := QuickAssessment{AvgRecent: summary.Round(avg, 2)}
	switch {
	case avg <= 2:
		q.Level, q.Score = LevelHigh, 0.8
	case avg <= 5:
		q.Level, q.Score = LevelMedium, 0.5
	default:
		q.Level, q.Score = LevelLow, 0.2
	}
	return q
}

func trendOf(recent []float64) Trend {
	if len(recent) < 2 {
		return TrendUnknown
	}
	half := len(recent) / 2
	older, newer := summary.Mean(recent[:half]), summary.Mean(recent[half:])
	switch {
	case newer > older*(1+trendBand):
		return TrendImproving
	case newer < older*(1-trendBand):
		return TrendDeclining
	default:
		return TrendStable
	}
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}
