// Package metrics provides Prometheus instrumentation for the options engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts orders admitted to ACTIVE, by direction.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_orders_placed_total",
		Help: "Total option orders placed",
	}, []string{"direction"})

	// OrdersSettled counts completed orders by outcome.
	OrdersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_orders_settled_total",
		Help: "Total option orders settled",
	}, []string{"outcome"})

	// PlacementRejections counts failed placements by reason.
	PlacementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_placement_rejections_total",
		Help: "Order placements rejected",
	}, []string{"reason"})

	// SettlementLatency is the time from endTime to settlement completion.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "options_settlement_latency_seconds",
		Help:    "Delay between order expiry time and settlement",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// SweepDuration tracks how long one expiry sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "options_sweep_duration_seconds",
		Help:    "Duration of one expiry sweep",
		Buckets: prometheus.DefBuckets,
	})

	// SweepSettled counts orders settled by the background sweeper.
	SweepSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_sweep_settled_total",
		Help: "Orders settled by the background sweeper",
	})

	// LedgerEntriesTotal counts appended ledger entries by type.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_ledger_entries_total",
		Help: "Total ledger entries appended",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "options_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "options_http_request_duration_seconds",
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

		// Use the raw path for the label; route space is small.
		path := r.URL.Path
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
