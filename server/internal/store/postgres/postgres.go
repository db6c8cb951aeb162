// Package postgres is a seriescache.Backend kept in a PostgreSQL table, for
// deployments where several gateway replicas share one series cache.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ospulse/ospulse/server/internal/seriescache"
)

const schema = `
CREATE TABLE IF NOT EXISTS metric_series (
	platform   TEXT        NOT NULL,
	entity     TEXT        NOT NULL,
	repo       TEXT        NOT NULL DEFAULT '',
	metric     TEXT        NOT NULL,
	points     JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT uq_metric_series UNIQUE (platform, entity, repo, metric)
);
CREATE INDEX IF NOT EXISTS idx_metric_series_metric ON metric_series (metric);
`

// An older updated_at never overwrites a newer row.
const upsertQuery = `
INSERT INTO metric_series (platform, entity, repo, metric, points, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT ON CONSTRAINT uq_metric_series DO UPDATE
SET points = EXCLUDED.points, updated_at = EXCLUDED.updated_at
WHERE metric_series.updated_at <= EXCLUDED.updated_at`

const selectQuery = `
SELECT points, updated_at FROM metric_series
WHERE platform = $1 AND entity = $2 AND repo = $3 AND metric = $4`

const listQuery = `
SELECT platform, entity, repo, metric, points, updated_at FROM metric_series`

const deleteQuery = `
DELETE FROM metric_series
WHERE platform = $1 AND entity = $2 AND repo = $3 AND metric = $4`

// Store implements seriescache.Backend on a *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects to dsn, verifies the connection and creates the schema.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty DSN")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", describe(err))
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool. The schema must already exist.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: create schema: %w", describe(err))
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the row for id.
func (s *Store) Get(ctx context.Context, id seriescache.Identity) (seriescache.Entry, bool, error) {
	var (
		raw []byte
		ts  time.Time
	)
	err := s.db.QueryRowContext(ctx, selectQuery, id.Platform, id.Entity, id.Repo, id.Metric).Scan(&raw, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return seriescache.Entry{}, false, nil
	}
	if err != nil {
		return seriescache.Entry{}, false, fmt.Errorf("postgres: get %s: %w", id, describe(err))
	}
	var points seriescache.Series
	if err := json.Unmarshal(raw, &points); err != nil {
		return seriescache.Entry{}, false, fmt.Errorf("postgres: decode %s: %w", id, err)
	}
	return seriescache.Entry{Identity: id, Points: points, UpdatedAt: ts}, true, nil
}

// Upsert writes e unless the stored row is newer.
func (s *Store) Upsert(ctx context.Context, e seriescache.Entry) error {
	raw, err := json.Marshal(e.Points)
	if err != nil {
		return fmt.Errorf("postgres: encode %s: %w", e.Identity, err)
	}
	id := e.Identity
	if _, err := s.db.ExecContext(ctx, upsertQuery,
		id.Platform, id.Entity, id.Repo, id.Metric, raw, e.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("postgres: upsert %s: %w", id, describe(err))
	}
	return nil
}

// List returns rows whose metric is in metrics, or every row.
func (s *Store) List(ctx context.Context, metrics ...string) ([]seriescache.Entry, error) {
	query, args := listQuery, []any(nil)
	if len(metrics) > 0 {
		query += ` WHERE metric = ANY($1)`
		args = append(args, pq.Array(metrics))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", describe(err))
	}
	defer rows.Close()

	var out []seriescache.Entry
	for rows.Next() {
		var (
			e   seriescache.Entry
			raw []byte
		)
		if err := rows.Scan(&e.Identity.Platform, &e.Identity.Entity, &e.Identity.Repo, &e.Identity.Metric, &raw, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Points); err != nil {
			return nil, fmt.Errorf("postgres: decode %s: %w", e.Identity, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list: %w", describe(err))
	}
	return out, nil
}

// Delete removes the row for id.
func (s *Store) Delete(ctx context.Context, id seriescache.Identity) error {
	if _, err := s.db.ExecContext(ctx, deleteQuery, id.Platform, id.Entity, id.Repo, id.Metric); err != nil {
		return fmt.Errorf("postgres: delete %s: %w", id, describe(err))
	}
	return nil
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM metric_series`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count: %w", describe(err))
	}
	return n, nil
}

// describe adds the SQLSTATE and constraint of a server error to its message.
func describe(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	if pqErr.Constraint != "" {
		return fmt.Errorf("%w (sqlstate %s, constraint %s)", err, pqErr.Code, pqErr.Constraint)
	}
	return fmt.Errorf("%w (sqlstate %s)", err, pqErr.Code)
}
