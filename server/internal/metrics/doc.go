// Package metrics keeps in-process counters and serves them at /metrics in
// the Prometheus text exposition format.
//
// Registry implements ratelimit.Observer and seriescache.Recorder so the
// limiter and the series cache report into it directly.
package metrics
