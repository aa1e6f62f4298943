package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := tasksTotal
	Init()
	require.Same(t, first, tasksTotal)
	require.NotNil(t, queueTasks)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserveAttempt(t *testing.T) {
	Init()
	before := testutil.ToFloat64(tasksTotal.WithLabelValues("completed"))
	ObserveAttempt("completed", 3*time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(tasksTotal.WithLabelValues("completed")))
}

func TestSetQueueStats(t *testing.T) {
	SetQueueStats(scraper.Stats{Pending: 4, InProgress: 2, Completed: 10, Failed: 1, Retry: 3})

	require.InDelta(t, 4, testutil.ToFloat64(queueTasks.WithLabelValues(string(scraper.StatusPending))), 0)
	require.InDelta(t, 2, testutil.ToFloat64(queueTasks.WithLabelValues(string(scraper.StatusInProgress))), 0)
	require.InDelta(t, 10, testutil.ToFloat64(queueTasks.WithLabelValues(string(scraper.StatusCompleted))), 0)
	require.InDelta(t, 1, testutil.ToFloat64(queueTasks.WithLabelValues(string(scraper.StatusFailed))), 0)
	require.InDelta(t, 3, testutil.ToFloat64(queueTasks.WithLabelValues(string(scraper.StatusRetry))), 0)
}

func TestCounters(t *testing.T) {
	Init()

	captcha := testutil.ToFloat64(captchaSolvesTotal.WithLabelValues(string(scraper.ChallengeInteractive), "solved"))
	ObserveCaptcha(scraper.ChallengeInteractive, "solved")
	require.Equal(t, captcha+1, testutil.ToFloat64(captchaSolvesTotal.WithLabelValues(string(scraper.ChallengeInteractive), "solved")))

	stale := testutil.ToFloat64(staleReleasedTotal)
	AddStaleReleased(3)
	require.Equal(t, stale+3, testutil.ToFloat64(staleReleasedTotal))

	SetHealthyProxies(7)
	require.InDelta(t, 7, testutil.ToFloat64(proxiesHealthy), 0)

	active := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	require.Equal(t, active+1, testutil.ToFloat64(activeWorkers))
}

func TestMiddleware(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObservePacingDelay(time.Second)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "e14_pacing_delay_seconds")
}
