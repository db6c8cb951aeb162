package seriescache

import (
	"context"
	"errors"
	"time"
)

// Identity names one metric series.
type Identity struct {
	Platform string
	Entity   string
	Repo     string // empty for user-level metrics
	Metric   string
}

// Key returns a collision-free string form of id, suitable as a map or
// single-flight key.
func (id Identity) Key() string {
	buf := make([]byte, 0, len(id.Platform)+len(id.Entity)+len(id.Repo)+len(id.Metric)+3)
	buf = append(buf, id.Platform...)
	buf = append(buf, '\x1f')
	buf = append(buf, id.Entity...)
	buf = append(buf, '\x1f')
	buf = append(buf, id.Repo...)
	buf = append(buf, '\x1f')
	buf = append(buf, id.Metric...)
	return string(buf)
}

// String renders id as a path, e.g. "github/apache/kafka/openrank".
func (id Identity) String() string {
	if id.Repo == "" {
		return id.Platform + "/" + id.Entity + "/" + id.Metric
	}
	return id.Platform + "/" + id.Entity + "/" + id.Repo + "/" + id.Metric
}

// ErrInvalidIdentity is returned when a required identity field is empty.
var ErrInvalidIdentity = errors.New("seriescache: platform, entity and metric are required")

// Validate reports whether id carries every required field.
func (id Identity) Validate() error {
	if id.Platform == "" || id.Entity == "" || id.Metric == "" {
		return ErrInvalidIdentity
	}
	return nil
}

// Point is one monthly observation.
type Point struct {
	Period string  `json:"month"` // YYYY-MM
	Value  float64 `json:"count"`
}

// Series is a list of points in ascending period order.
type Series []Point

// Tail returns the values of the last n points, or all of them when the
// series is shorter.
func (s Series) Tail(n int) []float64 {
	if n > len(s) || n < 0 {
		n = len(s)
	}
	out := make([]float64, 0, n)
	for _, p := range s[len(s)-n:] {
		out = append(out, p.Value)
	}
	return out
}

// Entry is a stored series together with the time it was last refreshed.
// Entries are immutable once handed to a Backend.
type Entry struct {
	Identity  Identity
	Points    Series
	UpdatedAt time.Time
}

// Backend is the key-value contract a series store must satisfy.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the entry for id and whether it exists, regardless of age.
	Get(ctx context.Context, id Identity) (Entry, bool, error)

	// Upsert inserts e or replaces the stored entry for e.Identity. An entry
	// whose UpdatedAt is older than the stored one is ignored.
	Upsert(ctx context.Context, e Entry) error

	// List returns every stored entry whose metric is one of metrics, or all
	// entries when metrics is empty.
	List(ctx context.Context, metrics ...string) ([]Entry, error)

	// Delete removes the entry for id. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id Identity) error
}

// Fetcher retrieves the raw upstream payload for one identity. Failures
// should be reported as *UpstreamError; any other error is treated as
// Unavailable.
type Fetcher interface {
	Fetch(ctx context.Context, id Identity) ([]byte, error)
}

// FetchFunc adapts a plain function to Fetcher.
type FetchFunc func(ctx context.Context, id Identity) ([]byte, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, id Identity) ([]byte, error) {
	return f(ctx, id)
}
