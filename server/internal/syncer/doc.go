// Package syncer walks every tracked project and metric through the series
// cache on a schedule, so reads rarely wait on upstream.
//
// A sweep retries Unavailable fetches with exponential backoff, reports
// projects whose core metrics do not exist upstream, and finishes by forcing
// a summary rebuild. A lock file keeps sweeps from overlapping across
// processes.
package syncer
