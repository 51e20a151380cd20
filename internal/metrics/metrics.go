// Package metrics exposes Prometheus collectors for the browserless service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsTotal              *prometheus.CounterVec
	sessionsRejectedTotal      prometheus.Counter
	launchRetriesTotal         prometheus.Counter
	queueWaiting               prometheus.Gauge
	queueRunning               prometheus.Gauge
	queueCeiling               prometheus.Gauge
	poolIdleBrowsers           prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browserless_sessions_total",
				Help: "Total number of sessions, labeled by terminal outcome.",
			},
			[]string{"outcome"},
		)

		sessionsRejectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "browserless_sessions_rejected_total",
				Help: "Total number of sessions rejected because the queue was full.",
			},
		)

		launchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "browserless_launch_retries_total",
				Help: "Total number of browser launch attempts that were retried.",
			},
		)

		queueWaiting = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browserless_queue_waiting",
				Help: "Number of admitted sessions waiting for a run slot.",
			},
		)

		queueRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browserless_queue_running",
				Help: "Number of sessions currently running.",
			},
		)

		queueCeiling = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browserless_queue_ceiling",
				Help: "Current concurrency ceiling applied by the admission controller.",
			},
		)

		poolIdleBrowsers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browserless_pool_idle_browsers",
				Help: "Number of idle browser handles in the swarm.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSession increments the session outcome counter.
func ObserveSession(outcome string) {
	sessionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRejected counts a queue-full rejection.
func ObserveRejected() {
	sessionsRejectedTotal.Inc()
}

// ObserveLaunchRetry counts a retried browser launch attempt.
func ObserveLaunchRetry() {
	launchRetriesTotal.Inc()
}

// SetQueueDepth records the waiting and running session counts.
func SetQueueDepth(waiting, running int) {
	queueWaiting.Set(float64(waiting))
	queueRunning.Set(float64(running))
}

// SetCeiling records the current concurrency ceiling.
func SetCeiling(n int) {
	queueCeiling.Set(float64(n))
}

// SetPoolIdle records the number of idle browser handles.
func SetPoolIdle(n int) {
	poolIdleBrowsers.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
