package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var taskRowColumns = []string{
	"id", "campaign", "dept_code", "muni_code", "zone_code", "station_code", "corporation",
	"status", "priority", "attempts", "worker_id", "error_message", "created_at", "updated_at",
}

func newMockStore(t *testing.T, now time.Time) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, fixedClock{now: now}, 2)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, fixedClock{}, 0)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, nil, 0)
	require.Error(t, err)

	store, err := NewWithPool(mock, fixedClock{}, 0)
	require.NoError(t, err)
	require.Equal(t, defaultInsertBatch, store.batchSize)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, fixedClock{})
	require.Error(t, err)
}

func TestClaimUsesSkipLocked(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	store, mock := newMockStore(t, now)
	created := now.Add(-time.Hour)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("worker-1", now).
		WillReturnRows(pgxmock.NewRows(taskRowColumns).AddRow(
			int64(3), "congreso-2026", "01", "001", "01", "003", "senado",
			"in_progress", 10, 1, "worker-1", "", created, now,
		))

	task, ok, err := store.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), task.ID)
	require.Equal(t, scraper.StatusInProgress, task.Status)
	require.Equal(t, scraper.LocationKey{
		Department: "01", Municipality: "001", Zone: "01", Station: "003", Corporation: "senado",
	}, task.Location)
	require.Equal(t, 10, task.Priority)
	require.Equal(t, "worker-1", task.WorkerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNoRowsIsNotAnError(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	store, mock := newMockStore(t, now)
	mock.ExpectQuery("UPDATE scraping_tasks").
		WithArgs("worker-1", now).
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPropagatesInfrastructureErrors(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	store, mock := newMockStore(t, now)
	mock.ExpectQuery("UPDATE scraping_tasks").
		WithArgs("worker-1", now).
		WillReturnError(errors.New("connection refused"))

	_, ok, err := store.Claim(context.Background(), "worker-1")
	require.Error(t, err)
	require.False(t, ok)
	require.Contains(t, err.Error(), "claim task")
}

func TestCompleteChecksOwnership(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	store, mock := newMockStore(t, now)
	result := scraper.Result{DocumentURL: "https://portal.example/doc.pdf", FetchedAt: now}
	payload, err := json.Marshal(result)
	require.NoError(t, err)

	mock.ExpectExec("SET status = 'completed'").
		WithArgs(payload, now, int64(7), "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET status = 'completed'").
		WithArgs(payload, now, int64(7), "worker-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.Complete(context.Background(), 7, "worker-1", result))
	err = store.Complete(context.Background(), 7, "worker-2", result)
	require.ErrorIs(t, err, scraper.ErrNotOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailPassesRetryDecisionToDatabase(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	store, mock := newMockStore(t, now)
	mock.ExpectExec("THEN 'retry' ELSE 'failed'").
		WithArgs(true, 3, "navigate: timeout", now, int64(9), "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("THEN 'retry' ELSE 'failed'").
		WithArgs(false, 3, "location not found", now, int64(9), "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.Fail(context.Background(), 9, "worker-1", "navigate: timeout", true, 3))
	err := store.Fail(context.Background(), 9, "worker-1", "location not found", false, 3)
	require.ErrorIs(t, err, scraper.ErrNotOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseStaleUsesClockCutoff(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	store, mock := newMockStore(t, now)
	mock.ExpectExec("(?s)error_message = 'worker timeout'.*updated_at <= \\$2").
		WithArgs(now, now.Add(-5*time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	released, err := store.ReleaseStale(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsScansAggregates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, time.Unix(0, 0))
	mock.ExpectQuery("COUNT\\(DISTINCT worker_id\\)").
		WillReturnRows(pgxmock.NewRows([]string{"p", "ip", "c", "f", "r", "t", "w"}).
			AddRow(int64(10), int64(3), int64(5), int64(1), int64(2), int64(21), int64(2)))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, scraper.Stats{
		Pending: 10, InProgress: 3, Completed: 5, Failed: 1, Retry: 2, Total: 21, ActiveWorkers: 2,
	}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchesRows(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	store, mock := newMockStore(t, now)
	loc := func(station string) scraper.LocationKey {
		return scraper.LocationKey{Department: "01", Municipality: "001", Zone: "01", Station: station, Corporation: "senado"}
	}
	tasks := []scraper.NewTask{
		{Campaign: "c", Location: loc("001"), Priority: 1},
		{Campaign: "c", Location: loc("002"), Priority: 1},
		{Campaign: "c", Location: loc("003"), Priority: 2},
	}

	mock.ExpectExec("ON CONFLICT ON CONSTRAINT scraping_tasks_location_key DO NOTHING").
		WithArgs(now,
			"c", "01", "001", "01", "001", "senado", 1,
			"c", "01", "001", "01", "002", "senado", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("INSERT INTO scraping_tasks").
		WithArgs(now, "c", "01", "001", "01", "003", "senado", 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	n, err := store.Insert(context.Background(), tasks)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildInsertPlaceholders(t *testing.T) {
	t.Parallel()

	query, args := buildInsert([]scraper.NewTask{{Campaign: "a"}, {Campaign: "b"}}, time.Unix(0, 0))
	require.Len(t, args, 1+2*insertColumns)
	require.True(t, strings.Contains(query, "($2, $3, $4, $5, $6, $7, $8, 'pending', $1, $1)"))
	require.True(t, strings.Contains(query, "($9, $10, $11, $12, $13, $14, $15, 'pending', $1, $1)"))
}

func TestCountByCampaign(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, time.Unix(0, 0))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM scraping_tasks WHERE campaign").
		WithArgs("congreso-2026").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1200)))

	n, err := store.Count(context.Background(), "congreso-2026")
	require.NoError(t, err)
	require.Equal(t, int64(1200), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDecodesPayload(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	store, mock := newMockStore(t, now)
	payload := []byte(`{"document_url":"https://portal.example/doc.pdf","rows":[["A","1"]],"fetched_at":"2024-01-01T00:00:00Z"}`)
	completed := now

	cols := append(append([]string{}, taskRowColumns...), "result_payload", "completed_at")
	mock.ExpectQuery("FROM scraping_tasks WHERE id").
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			int64(4), "c", "01", "001", "", "", "camara",
			"completed", 0, 2, "worker-1", "", now, now, payload, &completed,
		))
	mock.ExpectQuery("FROM scraping_tasks WHERE id").
		WithArgs(int64(5)).
		WillReturnError(pgx.ErrNoRows)

	task, err := store.Get(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, scraper.StatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	require.Equal(t, "https://portal.example/doc.pdf", task.Result.DocumentURL)
	require.Equal(t, [][]string{{"A", "1"}}, task.Result.Rows)
	require.NotNil(t, task.CompletedAt)

	_, err = store.Get(context.Background(), 5)
	require.ErrorIs(t, err, scraper.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	got, err := migrateURL("postgres://u:p@localhost:5432/e14?sslmode=disable")
	require.NoError(t, err)
	require.Equal(t, "pgx5://u:p@localhost:5432/e14?sslmode=disable", got)

	got, err = migrateURL("postgresql://localhost/e14")
	require.NoError(t, err)
	require.Equal(t, "pgx5://localhost/e14", got)

	_, err = migrateURL("host=localhost dbname=e14")
	require.Error(t, err)
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	t.Parallel()

	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	up, err := migrationFiles.ReadFile("migrations/000001_create_scraping_tasks.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(up), "WHERE status IN ('pending', 'retry')")
	require.Contains(t, string(up), "WHERE status = 'in_progress'")
}
