// Package metrics provides Prometheus instrumentation for the exchange engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts finished runs, partitioned by model and status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_runs_total",
		Help: "Total number of simulation runs",
	}, []string{"model", "status"})

	// ActiveRuns tracks the number of runs in progress.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_active_runs",
		Help: "Number of currently running simulations",
	})

	// RunDuration tracks the wall time of a run.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_run_duration_seconds",
		Help:    "Simulation run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"model"})

	// RoundsTotal counts completed rounds.
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_rounds_total",
		Help: "Total number of negotiation rounds",
	}, []string{"model"})

	// ExchangesTotal counts realized exchanges.
	ExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_realized_total",
		Help: "Total number of realized exchanges",
	}, []string{"model"})

	// RemovedTotal counts candidates dropped after another exchange realized.
	RemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_removed_total",
		Help: "Candidates invalidated by realized exchanges",
	}, []string{"model"})

	// Candidates observes the size of the candidate pool at round start.
	Candidates = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_candidates",
		Help:    "Candidate exchanges per round",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"model"})

	// Gain observes the gain of realized exchanges.
	Gain = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_gain",
		Help:    "Gain of realized exchanges",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"model"})

	// TiesTotal counts equal-gain draws between tied candidates.
	TiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_ties_total",
		Help: "Highest gain ties resolved by a random draw",
	})

	// DeadlocksTotal counts random-rate matchings cleared without a match.
	DeadlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_deadlocks_total",
		Help: "Random-rate matchings cleared by the deadlock bound",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
