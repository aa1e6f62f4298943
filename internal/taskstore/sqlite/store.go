// Package sqlite implements a single-host TaskStore on SQLite.
//
// SQLite has no SKIP LOCKED, so Claim is a compare-and-swap UPDATE that re-checks the
// claimable status inside the statement. SQLite serialises writers on the database lock,
// which makes the swap atomic across goroutines and processes sharing the file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

const schema = `
CREATE TABLE IF NOT EXISTS scraping_tasks (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	campaign       TEXT    NOT NULL,
	dept_code      TEXT    NOT NULL,
	muni_code      TEXT    NOT NULL,
	zone_code      TEXT    NOT NULL DEFAULT '',
	station_code   TEXT    NOT NULL DEFAULT '',
	corporation    TEXT    NOT NULL,
	status         TEXT    NOT NULL DEFAULT 'pending',
	priority       INTEGER NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	worker_id      TEXT,
	error_message  TEXT,
	result_payload TEXT,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	completed_at   INTEGER,
	UNIQUE (campaign, dept_code, muni_code, zone_code, station_code, corporation)
);
CREATE INDEX IF NOT EXISTS idx_scraping_tasks_claim
	ON scraping_tasks (status, priority DESC, created_at)
	WHERE status IN ('pending', 'retry');
CREATE INDEX IF NOT EXISTS idx_scraping_tasks_worker
	ON scraping_tasks (worker_id)
	WHERE status = 'in_progress';
`

const taskColumns = `id, campaign, dept_code, muni_code, zone_code, station_code, corporation,
	status, priority, attempts, COALESCE(worker_id, ''), COALESCE(error_message, ''),
	created_at, updated_at`

// Config controls the SQLite database location.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is a SQLite-backed TaskStore.
type Store struct {
	db    *sql.DB
	clock scraper.Clock
}

// New opens (and if needed creates) the database at cfg.Path.
func New(ctx context.Context, cfg Config, clock scraper.Clock) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection keeps the claim swap free of SQLITE_BUSY churn inside this process.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// Close releases the database handle.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// Claim atomically moves the best claimable task to in_progress for workerID.
func (s *Store) Claim(ctx context.Context, workerID string) (scraper.Task, bool, error) {
	query := `
UPDATE scraping_tasks
SET status = 'in_progress', worker_id = ?1, attempts = attempts + 1, updated_at = ?2
WHERE id = (
	SELECT id FROM scraping_tasks
	WHERE status IN ('pending', 'retry')
	ORDER BY priority DESC, created_at ASC, id ASC
	LIMIT 1
) AND status IN ('pending', 'retry')
RETURNING ` + taskColumns

	row := s.db.QueryRowContext(ctx, query, workerID, s.clock.Now().UnixNano())
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	now := s.clock.Now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
UPDATE scraping_tasks
SET status = 'completed', result_payload = ?1, error_message = NULL, completed_at = ?2, updated_at = ?2
WHERE id = ?3 AND worker_id = ?4 AND status = 'in_progress'`,
		string(payload), now, taskID, workerID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return requireOwned(res, taskID)
}

// Fail records errMsg and moves the task to retry or failed.
func (s *Store) Fail(
	ctx context.Context,
	taskID int64,
	workerID string,
	errMsg string,
	retryable bool,
	maxRetries int,
) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scraping_tasks
SET status = CASE WHEN ?1 = 1 AND attempts < ?2 THEN 'retry' ELSE 'failed' END,
	worker_id = NULL, error_message = ?3, updated_at = ?4
WHERE id = ?5 AND worker_id = ?6 AND status = 'in_progress'`,
		boolInt(retryable), maxRetries, errMsg, s.clock.Now().UnixNano(), taskID, workerID)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return requireOwned(res, taskID)
}

// ReleaseStale puts in-progress tasks untouched for timeout or longer back into retry.
func (s *Store) ReleaseStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
UPDATE scraping_tasks
SET status = 'retry', worker_id = NULL, error_message = 'worker timeout', updated_at = ?1
WHERE status = 'in_progress' AND updated_at <= ?2`,
		now.UnixNano(), now.Add(-timeout).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("release stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release stale rows affected: %w", err)
	}
	return n, nil
}

// Stats counts tasks per status and distinct active workers.
func (s *Store) Stats(ctx context.Context) (scraper.Stats, error) {
	var stats scraper.Stats
	err := s.db.QueryRowContext(ctx, statsQuery).Scan(
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

const statsQuery = `
SELECT
	COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'retry' THEN 1 ELSE 0 END), 0),
	COUNT(*),
	COUNT(DISTINCT CASE WHEN status = 'in_progress' THEN worker_id END)
FROM scraping_tasks`

// Count returns how many tasks exist for campaign.
func (s *Store) Count(ctx context.Context, campaign string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scraping_tasks WHERE campaign = ?1`, campaign).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// Insert adds pending tasks in one transaction, ignoring locations already present.
func (s *Store) Insert(ctx context.Context, tasks []scraper.NewTask) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO scraping_tasks (
	campaign, dept_code, muni_code, zone_code, station_code, corporation,
	status, priority, created_at, updated_at
) VALUES (?1, ?2, ?3, ?4, ?5, ?6, 'pending', ?7, ?8, ?8)
ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := s.clock.Now().UnixNano()
	var inserted int64
	for _, t := range tasks {
		res, err := stmt.ExecContext(ctx,
			t.Campaign, t.Location.Department, t.Location.Municipality, t.Location.Zone,
			t.Location.Station, t.Location.Corporation, t.Priority, now)
		if err != nil {
			return 0, fmt.Errorf("insert task %s: %w", t.Location, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert rows affected: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

// Get loads one task including its result payload.
func (s *Store) Get(ctx context.Context, id int64) (scraper.Task, error) {
	var (
		payload     sql.NullString
		completedAt sql.NullInt64
	)
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+`, result_payload, completed_at
FROM scraping_tasks WHERE id = ?1`, id)
	task, err := scanTask(row, &payload, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return scraper.Task{}, fmt.Errorf("task %d: %w", id, scraper.ErrNotFound)
	}
	if err != nil {
		return scraper.Task{}, fmt.Errorf("get task: %w", err)
	}
	if payload.Valid {
		var result scraper.Result
		if err := json.Unmarshal([]byte(payload.String), &result); err != nil {
			return scraper.Task{}, fmt.Errorf("decode result payload: %w", err)
		}
		task.Result = &result
	}
	if completedAt.Valid {
		at := time.Unix(0, completedAt.Int64).UTC()
		task.CompletedAt = &at
	}
	return task, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner, extra ...any) (scraper.Task, error) {
	var (
		task      scraper.Task
		status    string
		createdAt int64
		updatedAt int64
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
		&createdAt,
		&updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return scraper.Task{}, err
	}
	task.Status = scraper.Status(status)
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	task.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return task, nil
}

func requireOwned(res sql.Result, taskID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", taskID, scraper.ErrNotOwner)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
