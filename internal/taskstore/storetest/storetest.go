// Package storetest holds the behavioural suite every TaskStore backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Store is the surface exercised by the suite.
type Store interface {
	scraper.TaskStore
	scraper.TaskLoader
	Get(ctx context.Context, id int64) (scraper.Task, error)
}

// Factory builds an empty store that reads time from clock.
type Factory func(t *testing.T, clock scraper.Clock) Store

// ManualClock is a settable clock for simulating elapsed time.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a clock at now.
func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now.UTC()}
}

// Now returns the current simulated time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("ClaimOrdersByPriorityThenCreation", func(t *testing.T) { testClaimOrder(t, newStore) })
	t.Run("ClaimIsExclusive", func(t *testing.T) { testExclusiveClaim(t, newStore) })
	t.Run("ClaimEmptyQueue", func(t *testing.T) { testClaimEmpty(t, newStore) })
	t.Run("CompleteRequiresOwner", func(t *testing.T) { testCompleteOwnership(t, newStore) })
	t.Run("RetryableFailuresBecomeTerminal", func(t *testing.T) { testRetryExhaustion(t, newStore) })
	t.Run("PermanentFailureIsTerminal", func(t *testing.T) { testPermanentFailure(t, newStore) })
	t.Run("ReleaseStaleReturnsTaskToRetry", func(t *testing.T) { testReleaseStale(t, newStore) })
	t.Run("StatsCountsStatusesAndWorkers", func(t *testing.T) { testStats(t, newStore) })
	t.Run("InsertSkipsDuplicates", func(t *testing.T) { testInsertDuplicates(t, newStore) })
	t.Run("GetUnknownTask", func(t *testing.T) { testGetUnknown(t, newStore) })
}

func location(station string) scraper.LocationKey {
	return scraper.LocationKey{
		Department:   "01",
		Municipality: "001",
		Zone:         "01",
		Station:      station,
		Corporation:  "senado",
	}
}

func insertOne(t *testing.T, store Store, station string, priority int) {
	t.Helper()
	n, err := store.Insert(context.Background(), []scraper.NewTask{{
		Campaign: "test",
		Location: location(station),
		Priority: priority,
	}})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func claim(t *testing.T, store Store, workerID string) scraper.Task {
	t.Helper()
	task, ok, err := store.Claim(context.Background(), workerID)
	require.NoError(t, err)
	require.True(t, ok, "expected a task to be claimable")
	return task
}

func testClaimOrder(t *testing.T, newStore Factory) {
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	store := newStore(t, clock)

	stations := []string{"001", "002", "003", "004", "005"}
	priorities := []int{5, 5, 10, 1, 5}
	for i := range stations {
		insertOne(t, store, stations[i], priorities[i])
		clock.Advance(time.Second)
	}

	var got []string
	for range stations {
		task := claim(t, store, "worker-1")
		require.Equal(t, scraper.StatusInProgress, task.Status)
		require.Equal(t, 1, task.Attempts)
		require.Equal(t, "worker-1", task.WorkerID)
		got = append(got, task.Location.Station)
	}
	require.Equal(t, []string{"003", "001", "002", "005", "004"}, got)

	_, ok, err := store.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func testExclusiveClaim(t *testing.T, newStore Factory) {
	store := newStore(t, NewManualClock(time.Unix(1_700_000_000, 0)))
	insertOne(t, store, "001", 1)

	const claimants = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int64
		start   = make(chan struct{})
		errs    = make(chan error, claimants)
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, ok, err := store.Claim(context.Background(), "worker-"+string(rune('a'+i)))
			if err != nil {
				errs <- err
				return
			}
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), winners.Load())

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.InProgress)
	require.Equal(t, int64(1), stats.ActiveWorkers)
}

func testClaimEmpty(t *testing.T, newStore Factory) {
	store := newStore(t, NewManualClock(time.Unix(1_700_000_000, 0)))
	task, ok, err := store.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, task.ID)
}

func testCompleteOwnership(t *testing.T, newStore Factory) {
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	store := newStore(t, clock)
	insertOne(t, store, "001", 1)
	ctx := context.Background()

	task := claim(t, store, "worker-1")
	result := scraper.Result{
		DocumentURL: "https://portal.example/e14/01-001-01-001.pdf",
		BlobURI:     "memory://e14/01/001/001/senado.pdf",
		Rows:        [][]string{{"PARTIDO A", "120"}},
		FetchedAt:   clock.Now(),
	}

	err := store.Complete(ctx, task.ID, "worker-2", result)
	require.ErrorIs(t, err, scraper.ErrNotOwner)

	clock.Advance(time.Minute)
	require.NoError(t, store.Complete(ctx, task.ID, "worker-1", result))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	require.Equal(t, result.DocumentURL, got.Result.DocumentURL)
	require.Equal(t, result.Rows, got.Result.Rows)
	require.NotNil(t, got.CompletedAt)
	require.True(t, got.CompletedAt.Equal(clock.Now()))

	err = store.Complete(ctx, task.ID, "worker-1", result)
	require.ErrorIs(t, err, scraper.ErrNotOwner)

	_, ok, err := store.Claim(ctx, "worker-3")
	require.NoError(t, err)
	require.False(t, ok, "completed tasks are never claimed again")
}

func testRetryExhaustion(t *testing.T, newStore Factory) {
	store := newStore(t, NewManualClock(time.Unix(1_700_000_000, 0)))
	insertOne(t, store, "001", 1)
	ctx := context.Background()
	const maxRetries = 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		task := claim(t, store, "worker-1")
		require.Equal(t, attempt, task.Attempts)
		require.NoError(t, store.Fail(ctx, task.ID, "worker-1", "navigation timeout", true, maxRetries))

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		require.Empty(t, got.WorkerID)
		require.Equal(t, "navigation timeout", got.LastError)
		if attempt < maxRetries {
			require.Equal(t, scraper.StatusRetry, got.Status)
		} else {
			require.Equal(t, scraper.StatusFailed, got.Status)
		}
	}

	_, ok, err := store.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func testPermanentFailure(t *testing.T, newStore Factory) {
	store := newStore(t, NewManualClock(time.Unix(1_700_000_000, 0)))
	insertOne(t, store, "001", 1)
	ctx := context.Background()

	task := claim(t, store, "worker-1")
	err := store.Fail(ctx, task.ID, "worker-2", "not mine", false, 5)
	require.ErrorIs(t, err, scraper.ErrNotOwner)

	require.NoError(t, store.Fail(ctx, task.ID, "worker-1", "location not found", false, 5))
	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.StatusFailed, got.Status)
	require.Equal(t, "location not found", got.LastError)
}

func testReleaseStale(t *testing.T, newStore Factory) {
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	store := newStore(t, clock)
	insertOne(t, store, "001", 1)
	ctx := context.Background()

	task := claim(t, store, "worker-crashed")

	released, err := store.ReleaseStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Zero(t, released)

	clock.Advance(5*time.Minute - time.Second)
	released, err = store.ReleaseStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Zero(t, released)

	// Exactly the timeout counts as stale.
	clock.Advance(time.Second)
	released, err = store.ReleaseStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), released)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, scraper.StatusRetry, got.Status)
	require.Empty(t, got.WorkerID)
	require.Equal(t, "worker timeout", got.LastError)

	again := claim(t, store, "worker-2")
	require.Equal(t, task.ID, again.ID)
	require.Equal(t, 2, again.Attempts)

	err = store.Complete(ctx, task.ID, "worker-crashed", scraper.Result{})
	require.ErrorIs(t, err, scraper.ErrNotOwner)
}

func testStats(t *testing.T, newStore Factory) {
	store := newStore(t, NewManualClock(time.Unix(1_700_000_000, 0)))
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, scraper.Stats{}, stats)

	for _, station := range []string{"001", "002", "003", "004", "005"} {
		insertOne(t, store, station, 1)
	}
	first := claim(t, store, "worker-1")
	second := claim(t, store, "worker-2")
	third := claim(t, store, "worker-2")

	require.NoError(t, store.Complete(ctx, first.ID, "worker-1", scraper.Result{DocumentURL: "u"}))
	require.NoError(t, store.Fail(ctx, second.ID, "worker-2", "timeout", true, 3))
	_ = third

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, scraper.Stats{
		Pending:       2,
		InProgress:    1,
		Completed:     1,
		Retry:         1,
		Total:         5,
		ActiveWorkers: 1,
	}, stats)
}

func testInsertDuplicates(t *testing.T, newStore Factory) {
	store := newStore(t, NewManualClock(time.Unix(1_700_000_000, 0)))
	ctx := context.Background()

	batch := []scraper.NewTask{
		{Campaign: "test", Location: location("001"), Priority: 1},
		{Campaign: "test", Location: location("002"), Priority: 1},
	}
	n, err := store.Insert(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = store.Insert(ctx, append(batch, scraper.NewTask{Campaign: "test", Location: location("003")}))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	count, err := store.Count(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	count, err = store.Count(ctx, "other")
	require.NoError(t, err)
	require.Zero(t, count)
}

func testGetUnknown(t *testing.T, newStore Factory) {
	store := newStore(t, NewManualClock(time.Unix(1_700_000_000, 0)))
	_, err := store.Get(context.Background(), 42)
	require.True(t, errors.Is(err, scraper.ErrNotFound), "got %v", err)
}
