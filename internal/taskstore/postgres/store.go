// Package postgres provides the Postgres-backed TaskStore used across worker processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

const taskColumns = `id, campaign, dept_code, muni_code, zone_code, station_code, corporation,
	status, priority, attempts, COALESCE(worker_id, ''), COALESCE(error_message, ''),
	created_at, updated_at`

const defaultInsertBatch = 500

// Config controls the Postgres connection pool used for task rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	InsertBatchSize int
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store is a TaskStore whose claim relies on row locks with SKIP LOCKED.
type Store struct {
	pool      pgxPool
	clock     scraper.Clock
	batchSize int
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, clock scraper.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithPool(pool, clock, cfg.InsertBatchSize)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, clock scraper.Clock, batchSize int) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if batchSize <= 0 {
		batchSize = defaultInsertBatch
	}
	return &Store{pool: pool, clock: clock, batchSize: batchSize}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Claim locks the best claimable row, skipping rows other claimants hold, and assigns it to workerID.
func (s *Store) Claim(ctx context.Context, workerID string) (scraper.Task, bool, error) {
	query := `
UPDATE scraping_tasks
SET status = 'in_progress', worker_id = $1, attempts = attempts + 1, updated_at = $2
WHERE id = (
	SELECT id FROM scraping_tasks
	WHERE status IN ('pending', 'retry')
	ORDER BY priority DESC, created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + taskColumns

	task, err := scanTask(s.pool.QueryRow(ctx, query, workerID, s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.Task{}, false, nil
	}
	if err != nil {
		return scraper.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	return task, true, nil
}

// Complete stores the result when workerID still holds the task.
func (s *Store) Complete(ctx context.Context, taskID int64, workerID string, result scraper.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE scraping_tasks
SET status = 'completed', result_payload = $1, error_message = NULL, completed_at = $2, updated_at = $2
WHERE id = $3 AND worker_id = $4 AND status = 'in_progress'`,
		payload, s.clock.Now(), taskID, workerID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", taskID, scraper.ErrNotOwner)
	}
	return nil
}

// Fail records errMsg and moves the task to retry or failed in one statement.
func (s *Store) Fail(
	ctx context.Context,
	taskID int64,
	workerID string,
	errMsg string,
	retryable bool,
	maxRetries int,
) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scraping_tasks
SET status = CASE WHEN $1::boolean AND attempts < $2 THEN 'retry' ELSE 'failed' END,
	worker_id = NULL, error_message = $3, updated_at = $4
WHERE id = $5 AND worker_id = $6 AND status = 'in_progress'`,
		retryable, maxRetries, errMsg, s.clock.Now(), taskID, workerID)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", taskID, scraper.ErrNotOwner)
	}
	return nil
}

// ReleaseStale puts in-progress tasks untouched for timeout or longer back into retry.
func (s *Store) ReleaseStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE scraping_tasks
SET status = 'retry', worker_id = NULL, error_message = 'worker timeout', updated_at = $1
WHERE status = 'in_progress' AND updated_at <= $2`,
		now, now.Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("release stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts tasks per status and distinct active workers.
func (s *Store) Stats(ctx context.Context) (scraper.Stats, error) {
	var stats scraper.Stats
	err := s.pool.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'in_progress'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'retry'),
	COUNT(*),
	COUNT(DISTINCT worker_id) FILTER (WHERE status = 'in_progress')
FROM scraping_tasks`).Scan(
		&stats.Pending,
		&stats.InProgress,
		&stats.Completed,
		&stats.Failed,
		&stats.Retry,
		&stats.Total,
		&stats.ActiveWorkers,
	)
	if err != nil {
		return scraper.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

// Count returns how many tasks exist for campaign.
func (s *Store) Count(ctx context.Context, campaign string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scraping_tasks WHERE campaign = $1`, campaign).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// Insert adds pending tasks in multi-row batches, ignoring locations already present.
func (s *Store) Insert(ctx context.Context, tasks []scraper.NewTask) (int64, error) {
	now := s.clock.Now()
	var inserted int64
	for start := 0; start < len(tasks); start += s.batchSize {
		end := min(start+s.batchSize, len(tasks))
		query, args := buildInsert(tasks[start:end], now)
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert tasks: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

const insertColumns = 7

func buildInsert(tasks []scraper.NewTask, now time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO scraping_tasks (
	campaign, dept_code, muni_code, zone_code, station_code, corporation, priority,
	status, created_at, updated_at
) VALUES `)
	args := make([]any, 0, 1+len(tasks)*insertColumns)
	args = append(args, now)
	for i, t := range tasks {
		if i > 0 {
			b.WriteString(", ")
		}
		base := 2 + i*insertColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, 'pending', $1, $1)",
			base, base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args,
			t.Campaign,
			t.Location.Department,
			t.Location.Municipality,
			t.Location.Zone,
			t.Location.Station,
			t.Location.Corporation,
			t.Priority,
		)
	}
	b.WriteString(" ON CONFLICT ON CONSTRAINT scraping_tasks_location_key DO NOTHING")
	return b.String(), args
}

// Get loads one task including its result payload.
func (s *Store) Get(ctx context.Context, id int64) (scraper.Task, error) {
	var (
		payload     []byte
		completedAt *time.Time
	)
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+`, result_payload, completed_at
FROM scraping_tasks WHERE id = $1`, id)
	task, err := scanTask(row, &payload, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.Task{}, fmt.Errorf("task %d: %w", id, scraper.ErrNotFound)
	}
	if err != nil {
		return scraper.Task{}, fmt.Errorf("get task: %w", err)
	}
	if len(payload) > 0 {
		var result scraper.Result
		if err := json.Unmarshal(payload, &result); err != nil {
			return scraper.Task{}, fmt.Errorf("decode result payload: %w", err)
		}
		task.Result = &result
	}
	task.CompletedAt = completedAt
	return task, nil
}

func scanTask(row pgx.Row, extra ...any) (scraper.Task, error) {
	var (
		task   scraper.Task
		status string
	)
	dest := []any{
		&task.ID,
		&task.Campaign,
		&task.Location.Department,
		&task.Location.Municipality,
		&task.Location.Zone,
		&task.Location.Station,
		&task.Location.Corporation,
		&status,
		&task.Priority,
		&task.Attempts,
		&task.WorkerID,
		&task.LastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return scraper.Task{}, err
	}
	task.Status = scraper.Status(status)
	return task, nil
}
