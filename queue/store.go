// Package queue is the Postgres-backed work queue shared by the fleet. Row
// claiming uses FOR UPDATE SKIP LOCKED so any number of workers can pull
// batches concurrently without ever handing out the same row twice.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/adwatch/harvester/config"
	"github.com/adwatch/harvester/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies pending schema migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("queue: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return nil
}

// Store wraps the queue table operations.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// NewStore connects to Postgres and verifies the connection.
func NewStore(cfg config.DBConfig, log *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("queue: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStoreWithDB(db, log), nil
}

// NewStoreWithDB wraps an existing connection. Used by tests.
func NewStoreWithDB(db *sqlx.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB { return s.db.DB }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// claimQuery marks up to n pending rows as processing and returns them, in
// one statement. SKIP LOCKED makes concurrent claims disjoint; the subquery
// ordering keeps claim order stable.
const claimQuery = `
UPDATE scrape_queue
SET status = 'processing', claimed_at = now()
WHERE id IN (
    SELECT id FROM scrape_queue
    WHERE status = 'pending'
    ORDER BY id
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, creative_id, advertiser_id`

// ClaimBatch atomically claims up to n pending rows for this worker.
func (s *Store) ClaimBatch(ctx context.Context, n int) ([]models.ClaimedEntry, error) {
	var entries []models.ClaimedEntry
	if err := s.db.SelectContext(ctx, &entries, claimQuery, n); err != nil {
		return nil, fmt.Errorf("queue: claim batch: %w", err)
	}
	return entries, nil
}

// Complete records a successful scrape on its row.
func (s *Store) Complete(ctx context.Context, r models.ItemResult) error {
	const q = `
UPDATE scrape_queue
SET status = 'completed',
    video_ids = $2,
    appstore_id = NULLIF($3, ''),
    funded_by = NULLIF($4, ''),
    real_creative_id = NULLIF($5, ''),
    error_message = NULL,
    scraped_at = now()
WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, r.EntryID,
		pq.Array(r.VideoIDs), r.AppStoreID, r.FundedBy, r.RealCreativeID)
	if err != nil {
		return fmt.Errorf("queue: complete entry %d: %w", r.EntryID, err)
	}
	return nil
}

// Fail moves a row to a terminal or retry status with its error message.
// Requeued rows drop their claim timestamp so the next claim can take them.
func (s *Store) Fail(ctx context.Context, id int64, status, message string) error {
	const q = `
UPDATE scrape_queue
SET status = $2, error_message = $3, claimed_at = NULL
WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, status, message)
	if err != nil {
		return fmt.Errorf("queue: fail entry %d: %w", id, err)
	}
	return nil
}

// MarkMissing requeues claimed rows that came back without a result. This is
// the recovery path for a session that lost track of part of its batch.
func (s *Store) MarkMissing(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `
UPDATE scrape_queue
SET status = 'pending', claimed_at = NULL,
    error_message = 'no result returned by session - pending retry'
WHERE id = ANY($1)`
	_, err := s.db.ExecContext(ctx, q, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("queue: mark missing: %w", err)
	}
	return nil
}

// RecoverStale returns rows stuck in processing longer than olderThan to
// pending. Crashed workers leave such rows behind.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `
UPDATE scrape_queue
SET status = 'pending', claimed_at = NULL
WHERE status = 'processing' AND claimed_at < now() - make_interval(secs => $1)`
	res, err := s.db.ExecContext(ctx, q, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("queue: recover stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("recovered stale rows", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Enqueue inserts a creative if it is not queued already.
func (s *Store) Enqueue(ctx context.Context, advertiserID, creativeID string) error {
	const q = `
INSERT INTO scrape_queue (advertiser_id, creative_id)
VALUES ($1, $2)
ON CONFLICT (advertiser_id, creative_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, advertiserID, creativeID)
	if err != nil {
		return fmt.Errorf("queue: enqueue %s/%s: %w", advertiserID, creativeID, err)
	}
	return nil
}

// CountByStatus snapshots the queue's composition.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, count(*) FROM scrape_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue: scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
