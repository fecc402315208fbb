// Package metrics provides Prometheus instrumentation for the currency market.
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
	// LocksTotal counts reservations opened, partitioned by side and kind.
	LocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_locks_total",
		Help: "Total number of locks reserved",
	}, []string{"side", "kind"})

	// FinalizationsTotal counts reservations completed by the counterparty.
	FinalizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_finalizations_total",
		Help: "Total number of locks finalized",
	}, []string{"side", "kind"})

	// ExpirationsTotal counts reservations that timed out.
	ExpirationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_expirations_total",
		Help: "Total number of locks expired",
	}, []string{"side"})

	// RejectionsTotal counts refused operations by reason.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_rejections_total",
		Help: "Operations rejected by the market",
	}, []string{"op", "reason"})

	// RebalancesTotal counts rebalancing passes that moved inventory.
	RebalancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fx_rebalances_total",
		Help: "Rebalancing passes that moved inventory",
	})

	// OperationLatency tracks market operation latency in seconds.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fx_operation_latency_seconds",
		Help:    "Market operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// HeldQuantity tracks the unreserved quantity of each kind.
	HeldQuantity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fx_held_quantity",
		Help: "Quantity held by the market, in native units",
	}, []string{"kind"})

	// Rate tracks the current buy and sell rates of each kind in EUR.
	Rate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fx_rate_eur",
		Help: "Current exchange rate in EUR per unit",
	}, []string{"kind", "side"})

	// ActiveLocks tracks open reservations per side.
	ActiveLocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fx_active_locks",
		Help: "Number of currently active locks",
	}, []string{"side"})

	// ClockTick tracks the market's logical clock.
	ClockTick = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fx_clock_tick",
		Help: "Current logical clock value",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts events discarded because the dispatch queue was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fx_events_dropped_total",
		Help: "Market events dropped before delivery",
	})

	// SinkErrors counts failed deliveries per sink.
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_sink_errors_total",
		Help: "Failed event deliveries by sink",
	}, []string{"sink"})

	// RateLimited counts requests refused by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fx_rate_limited_total",
		Help: "Requests refused by the per-client rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fx_http_request_duration_seconds",
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

		// Label by route pattern so tokens in the path don't explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack-capable writers are needed for the WebSocket upgrade.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
