// Package api implements the HTTP API of the ospulse gateway.
//
// New(opts) returns a Handler that serves:
//
//	GET  /api/data/{platform}/{entity}/{metric}          user-level series
//	GET  /api/data/{platform}/{entity}/{repo}/{metric}   repository series
//	GET  /api/llm/summary?refresh=1                      health summary of tracked projects
//	GET  /api/llm/rank/{metric}?top=10&refresh=1         summary ranked by one field
//	GET  /api/llm/projects                               tracked projects grouped by category
//	GET  /api/health/contributor-risk/{platform}/{org}/{repo}
//	POST /api/health/batch-risk                          {"projects": ["org/repo", ...]}
//	GET  /healthz
//	GET  /metrics                                        when a registry is configured
//	GET  /ws/summary                                     when a stream is configured
//
// Every /api route runs behind authentication and the rate limit chain
// configured under its route name. Errors are JSON {"detail", "error_code"}.
// Each response carries an X-Request-ID header.
package api
