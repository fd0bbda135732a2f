// Package metrics provides Prometheus instrumentation for the rank engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RankTransitions counts applied state-machine transitions.
	RankTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_engine_rank_transitions_total",
		Help: "Rank state transitions applied",
	}, []string{"kind", "to_rank"})

	// LockOperations counts balance lock/unlock attempts by outcome.
	LockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_engine_lock_operations_total",
		Help: "Balance lock and unlock operations",
	}, []string{"op", "outcome"})

	// LockedAmount tracks the cumulative amount moved by the locker.
	LockedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_engine_locked_amount_total",
		Help: "Cumulative amount locked or unlocked",
	}, []string{"op"})

	// CommissionsCreated counts commission records inserted, per level.
	CommissionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_engine_commissions_created_total",
		Help: "Commission records created",
	}, []string{"level"})

	// CommissionsPaid tracks the cumulative amount credited by settlements.
	CommissionsPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rank_engine_commissions_paid_amount_total",
		Help: "Cumulative commission amount credited",
	})

	// JobRuns counts job runs by kind and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_engine_job_runs_total",
		Help: "Scheduled job runs",
	}, []string{"kind", "outcome"})

	// JobDuration tracks job run duration by kind.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rank_engine_job_duration_seconds",
		Help:    "Job run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"kind"})

	// JobParticipantErrors counts per-participant failures swallowed by jobs.
	JobParticipantErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_engine_job_participant_errors_total",
		Help: "Per-participant failures inside job runs",
	}, []string{"kind"})

	// NotificationFailures counts notifications that could not be delivered.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_engine_notification_failures_total",
		Help: "Notifications that failed to publish",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rank_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rank_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, to keep participant ids out of labels.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
