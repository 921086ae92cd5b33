// Package postgres persists detection results to a PostgreSQL table.
//
// One row is written per result; the detection list is stored as JSONB so it
// can be queried with the usual jsonb operators. Results without detections
// are skipped unless [WithEmpty] is set, which keeps the table proportional to
// activity rather than frame rate.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/terrarover/pkg/sink"
	"github.com/MrWong99/terrarover/pkg/types"
)

// Schema is the SQL DDL for the detections table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS detections (
    id           BIGSERIAL PRIMARY KEY,
    epoch        BIGINT NOT NULL,
    seq          BIGINT NOT NULL,
    captured_at  TIMESTAMPTZ NOT NULL,
    detected_at  TIMESTAMPTZ NOT NULL,
    latency_ms   DOUBLE PRECISION NOT NULL,
    worker       INTEGER NOT NULL,
    labels       TEXT[] NOT NULL DEFAULT '{}',
    detections   JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_detections_captured_at ON detections(captured_at DESC);
CREATE INDEX IF NOT EXISTS idx_detections_labels ON detections USING GIN(labels);
`

const insertSQL = `INSERT INTO detections
    (epoch, seq, captured_at, detected_at, latency_ms, worker, labels, detections)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const recentSQL = `SELECT epoch, seq, captured_at, detected_at, latency_ms, worker, detections
FROM detections ORDER BY captured_at DESC LIMIT $1`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Option is a functional option for [New].
type Option func(*Store)

// WithEmpty stores results that carry no detections as well.
func WithEmpty() Option {
	return func(s *Store) { s.keepEmpty = true }
}

// Store is a [sink.Sink] backed by PostgreSQL.
type Store struct {
	db        DB
	keepEmpty bool
	closeFn   func()
}

// Compile-time interface check.
var _ sink.Sink = (*Store)(nil)

// New creates a Store over an existing connection or pool. The caller owns
// db and should run [Store.Migrate] before publishing.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open creates a connection pool for dsn, pings it, and migrates the schema.
// Close releases the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}
	s := New(pool, opts...)
	s.closeFn = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres sink: migrate: %w", err)
	}
	return nil
}

// Publish inserts r.
func (s *Store) Publish(ctx context.Context, r types.DetectionResult) error {
	if len(r.Detections) == 0 && !s.keepEmpty {
		return nil
	}
	ds, err := json.Marshal(r.Detections)
	if err != nil {
		return fmt.Errorf("postgres sink: marshal detections: %w", err)
	}
	labels := r.Labels()
	if labels == nil {
		labels = []string{}
	}
	_, err = s.db.Exec(ctx, insertSQL,
		int64(r.Epoch), int64(r.Seq), r.CapturedAt, r.DetectedAt,
		float64(r.Latency)/float64(time.Millisecond), r.Worker, labels, ds,
	)
	if err != nil {
		return fmt.Errorf("postgres sink: insert %s: %w", r.FrameKey(), err)
	}
	return nil
}

// Recent returns up to limit stored results, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.DetectionResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, recentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: query recent: %w", err)
	}
	defer rows.Close()

	var out []types.DetectionResult
	for rows.Next() {
		var (
			epoch, seq int64
			r          types.DetectionResult
			latencyMS  float64
			raw        []byte
		)
		if err := rows.Scan(&epoch, &seq, &r.CapturedAt, &r.DetectedAt, &latencyMS, &r.Worker, &raw); err != nil {
			return nil, fmt.Errorf("postgres sink: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &r.Detections); err != nil {
			return nil, fmt.Errorf("postgres sink: unmarshal detections: %w", err)
		}
		r.Epoch, r.Seq = uint64(epoch), uint64(seq)
		r.Latency = time.Duration(latencyMS * float64(time.Millisecond))
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres sink: rows: %w", err)
	}
	return out, nil
}

// Close releases the pool created by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() error {
	if s.closeFn != nil {
		s.closeFn()
		s.closeFn = nil
	}
	return nil
}
