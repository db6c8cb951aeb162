package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

const namespace = "ospulse"

// counterVec is a family of counters keyed by label values.
type counterVec struct {
	help   string
	labels []string
	values map[string]float64 // joined label values -> count
}

type gauge struct {
	help string
	fn   func() float64
}

// Registry is a set of named counters and gauges. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*counterVec
	gauges   map[string]gauge
}

// NewRegistry returns a Registry with the service's counter families declared.
func NewRegistry() *Registry {
	r := &Registry{
		counters: make(map[string]*counterVec),
		gauges:   make(map[string]gauge),
	}
	r.declare("ratelimit_decisions_total", "Quota checks by operation and outcome.", "operation", "outcome")
	r.declare("series_lookups_total", "Series cache lookups by metric and outcome.", "metric", "outcome")
	r.declare("http_requests_total", "HTTP requests by route and status code.", "route", "code")
	r.declare("sync_runs_total", "Completed upstream sync sweeps by result.", "result")
	r.declare("sync_series_total", "Series processed by sync sweeps by outcome.", "outcome")
	r.declare("sync_duration_seconds_total", "Cumulative time spent in sync sweeps.")
	return r
}

func (r *Registry) declare(name, help string, labels ...string) {
	r.counters[namespace+"_"+name] = &counterVec{help: help, labels: labels, values: make(map[string]float64)}
}

// Add increments the counter name by delta for the given label values.
// Unknown names are ignored.
func (r *Registry) Add(name string, delta float64, labelValues ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[namespace+"_"+name]
	if !ok || len(labelValues) != len(c.labels) {
		return
	}
	c.values[strings.Join(labelValues, "\x00")] += delta
}

// Inc increments the counter name by one.
func (r *Registry) Inc(name string, labelValues ...string) {
	r.Add(name, 1, labelValues...)
}

// RegisterGauge exposes fn as a gauge, sampled on every scrape.
func (r *Registry) RegisterGauge(name, help string, fn func() float64) {
	r.mu.Lock()
	r.gauges[namespace+"_"+name] = gauge{help: help, fn: fn}
	r.mu.Unlock()
}

// ObserveDecision counts one rate limit decision.
func (r *Registry) ObserveDecision(operation string, admitted bool) {
	outcome := "rejected"
	if admitted {
		outcome = "admitted"
	}
	r.Inc("ratelimit_decisions_total", operation, outcome)
}

// ObserveLookup counts one series cache lookup.
func (r *Registry) ObserveLookup(metric, outcome string) {
	r.Inc("series_lookups_total", metric, outcome)
}

// ObserveSeries counts one series processed by a sync sweep.
func (r *Registry) ObserveSeries(outcome string) {
	r.Inc("sync_series_total", outcome)
}

// ObserveSync records one completed sync sweep.
func (r *Registry) ObserveSync(result string, took time.Duration) {
	r.Inc("sync_runs_total", result)
	r.Add("sync_duration_seconds_total", took.Seconds())
}

// Gather returns every family sorted by name.
func (r *Registry) Gather() []*dto.MetricFamily {
	r.mu.Lock()
	families := make([]*dto.MetricFamily, 0, len(r.counters)+len(r.gauges))
	for name, c := range r.counters {
		families = append(families, c.family(name))
	}
	gauges := make(map[string]gauge, len(r.gauges))
	for name, g := range r.gauges {
		gauges[name] = g
	}
	r.mu.Unlock()

	// Gauge callbacks may take their own locks, so run them unlocked.
	for name, g := range gauges {
		families = append(families, &dto.MetricFamily{
			Name: proto.String(name),
			Help: proto.String(g.help),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{
				Gauge: &dto.Gauge{Value: proto.Float64(g.fn())},
			}},
		})
	}

	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	return families
}

func (c *counterVec) family(name string) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(c.help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		m := &dto.Metric{Counter: &dto.Counter{Value: proto.Float64(c.values[k])}}
		if len(c.labels) > 0 {
			for i, v := range strings.Split(k, "\x00") {
				m.Label = append(m.Label, &dto.LabelPair{
					Name:  proto.String(c.labels[i]),
					Value: proto.String(v),
				})
			}
			sort.Slice(m.Label, func(i, j int) bool { return m.Label[i].GetName() < m.Label[j].GetName() })
		}
		mf.Metric = append(mf.Metric, m)
	}
	// An unlabelled counter that was never incremented still reports zero.
	if len(mf.Metric) == 0 && len(c.labels) == 0 {
		mf.Metric = []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(0)}}}
	}
	return mf
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", string(format))
		enc := expfmt.NewEncoder(w, format)
		for _, mf := range r.Gather() {
			if len(mf.Metric) == 0 {
				continue
			}
			if err := enc.Encode(mf); err != nil {
				return
			}
		}
	})
}
