// Package ratelimit admits or rejects requests under per-key sliding-window
// quotas.
//
// WindowCounter keeps, per key, the timestamps of admitted requests inside the
// trailing window. Records are pruned lazily on every check; there is no
// background sweeper. The table is split into shards with one mutex each, so
// two checks for the same key are totally ordered while unrelated keys rarely
// contend.
//
// Limiter applies a Policy (max requests, window, key function) to a Request.
// Chain composes several policies in order and stops at the first rejection.
// Middleware and UnaryServerInterceptor adapt a Chain to net/http and gRPC:
//
//	429 Too Many Requests
//	Retry-After: <window seconds>
//	X-RateLimit-Limit: <max requests>
//	X-RateLimit-Remaining: 0
//
// Rejected calls never consume quota.
package ratelimit
