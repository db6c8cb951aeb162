// Package seriescache fronts a metric series Backend with a freshness check
// and refresh-on-miss.
//
// A series is identified by (platform, entity, repo, metric); repo is empty
// for user-level metrics. Entries younger than the TTL are served from the
// backend. Older or missing entries are fetched from upstream through a
// Fetcher, normalized into ascending {month, count} points and upserted.
// Concurrent refreshes of one identity share a single fetch. A failed refresh
// never touches the stored entry.
package seriescache
