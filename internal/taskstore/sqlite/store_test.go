package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
	"github.com/JakeFAU/e14-scraper/internal/taskstore/storetest"
)

func newTestStore(t *testing.T, clock scraper.Clock) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, clock)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestStoreConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T, clock scraper.Clock) storetest.Store {
		return newTestStore(t, clock)
	})
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, storetest.NewManualClock(time.Now()))
	require.Error(t, err)
}

func TestReopenKeepsTasks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.db")
	clock := storetest.NewManualClock(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	first, err := New(ctx, Config{Path: path}, clock)
	require.NoError(t, err)
	n, err := first.Insert(ctx, []scraper.NewTask{{
		Campaign: "reopen",
		Location: scraper.LocationKey{Department: "01", Municipality: "001", Corporation: "senado"},
	}})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	first.Close()

	second, err := New(ctx, Config{Path: path}, clock)
	require.NoError(t, err)
	defer second.Close()
	count, err := second.Count(ctx, "reopen")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	task, ok, err := second.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, task.Location.Zone)
	require.True(t, task.CreatedAt.Equal(clock.Now()))
}
