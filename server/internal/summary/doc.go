// Package summary ranks tracked projects by a composite health score.
//
// score.go holds the pure scoring formula:
//
//	score = wA*normA + wB*normB + wS*stability
//
// where normA and normB are a project's trailing means of metric A (openrank)
// and metric B (activity) divided by the largest mean across projects, and
// stability is 1 - stdA/maxStdA. Default weights are 0.5/0.3/0.2.
//
// aggregator.go builds Items from cached series in one batched read, never
// contacting upstream. cache.go wraps the aggregator in a short-lived,
// single-flighted cache and provides the Ranked projection.
package summary
