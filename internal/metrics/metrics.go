// Package metrics exposes Prometheus collectors for the scraper.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

var (
	tasksTotal                 *prometheus.CounterVec
	attemptDurationSeconds     *prometheus.HistogramVec
	stageErrorsTotal           *prometheus.CounterVec
	queueTasks                 *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	captchaSolvesTotal         *prometheus.CounterVec
	proxyReportsTotal          *prometheus.CounterVec
	proxiesHealthy             prometheus.Gauge
	pacingDelaySeconds         prometheus.Histogram
	staleReleasedTotal         prometheus.Counter
	publishFailuresTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e14_task_attempts_total",
				Help: "Task attempts by outcome (completed, retry, failed).",
			},
			[]string{"outcome"},
		)

		attemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "e14_attempt_duration_seconds",
				Help:    "Wall time of one task attempt, labeled by outcome.",
				Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		)

		stageErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e14_stage_errors_total",
				Help: "Attempt failures by the stage that failed.",
			},
			[]string{"stage"},
		)

		queueTasks = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "e14_queue_tasks",
				Help: "Tasks in the queue by status, from the last monitor snapshot.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "e14_active_workers",
				Help: "Number of worker loops currently running.",
			},
		)

		captchaSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e14_captcha_solves_total",
				Help: "Challenge resolutions by kind and result.",
			},
			[]string{"kind", "result"},
		)

		proxyReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e14_proxy_reports_total",
				Help: "Proxy feedback reports by result.",
			},
			[]string{"result"},
		)

		proxiesHealthy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "e14_proxies_healthy",
				Help: "Healthy proxies in the pool.",
			},
		)

		pacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "e14_pacing_delay_seconds",
				Help:    "Time workers spent waiting on the per-worker request pace.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		staleReleasedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "e14_stale_released_total",
				Help: "In-progress tasks returned to retry after their worker went silent.",
			},
		)

		publishFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "e14_publish_failures_total",
				Help: "Completion events that could not be published.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one finished attempt.
func ObserveAttempt(outcome string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(outcome).Inc()
	attemptDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveStageError counts a failure in stage.
func ObserveStageError(stage string) {
	Init()
	stageErrorsTotal.WithLabelValues(stage).Inc()
}

// SetQueueStats publishes a queue snapshot.
func SetQueueStats(stats scraper.Stats) {
	Init()
	queueTasks.WithLabelValues(string(scraper.StatusPending)).Set(float64(stats.Pending))
	queueTasks.WithLabelValues(string(scraper.StatusInProgress)).Set(float64(stats.InProgress))
	queueTasks.WithLabelValues(string(scraper.StatusCompleted)).Set(float64(stats.Completed))
	queueTasks.WithLabelValues(string(scraper.StatusFailed)).Set(float64(stats.Failed))
	queueTasks.WithLabelValues(string(scraper.StatusRetry)).Set(float64(stats.Retry))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveCaptcha counts a challenge resolution.
func ObserveCaptcha(kind scraper.ChallengeKind, result string) {
	Init()
	captchaSolvesTotal.WithLabelValues(string(kind), result).Inc()
}

// ObserveProxyReport counts proxy feedback ("success" or "failure").
func ObserveProxyReport(result string) {
	Init()
	proxyReportsTotal.WithLabelValues(result).Inc()
}

// SetHealthyProxies records the healthy pool size.
func SetHealthyProxies(n int) {
	Init()
	proxiesHealthy.Set(float64(n))
}

// ObservePacingDelay records the duration of a pacing wait.
func ObservePacingDelay(duration time.Duration) {
	Init()
	pacingDelaySeconds.Observe(duration.Seconds())
}

// AddStaleReleased counts tasks recovered by the stale sweep.
func AddStaleReleased(n int64) {
	Init()
	staleReleasedTotal.Add(float64(n))
}

// IncPublishFailures counts a failed completion publish.
func IncPublishFailures() {
	Init()
	publishFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
