// Package metrics provides Prometheus instrumentation for the host
// binary wrapping the engine core, mirroring the teacher's
// promauto+promhttp wiring but shaped around engine events (fills,
// rejections, auto-fill surplus, resolution rounds) alongside HTTP
// request counts and durations.
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
	// OrdersTotal counts orders processed by kind.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_total",
		Help: "Total orders processed by apply_orders",
	}, []string{"kind"})

	// OrdersRejectedTotal counts rejected orders by reason.
	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_rejected_total",
		Help: "Orders rejected by apply_orders, by reason",
	}, []string{"reason"})

	// FillsTotal counts fills by fill type (AMM/LOB/CROSS/AUTOFILL).
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_fills_total",
		Help: "Fills produced by apply_orders, by fill type",
	}, []string{"fill_type"})

	// AutoFillSurplusCaptured tracks cumulative seigniorage captured
	// from auto-fill surplus, per market.
	AutoFillSurplusCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_autofill_surplus_captured_total",
		Help: "Auto-fill surplus captured as seigniorage",
	}, []string{"market_id"})

	// ResolutionRoundsTotal counts trigger_resolution calls by mode.
	ResolutionRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_resolution_rounds_total",
		Help: "trigger_resolution calls, by mode (intermediate/final)",
	}, []string{"mode"})

	// BatchLatency tracks apply_orders wall-clock time per call.
	BatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_apply_orders_latency_seconds",
		Help:    "apply_orders call latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
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

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
