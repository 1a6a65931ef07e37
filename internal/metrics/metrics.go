// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// OrdersTotal counts filled orders, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_orders_total",
		Help: "Total number of orders filled",
	}, []string{"side"})

	// SettlementLatency is the time spent inside one settlement unit of work.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_settlement_latency_seconds",
		Help:    "Order settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// OrderRejections counts orders refused before any state change.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_order_rejections_total",
		Help: "Orders rejected by validation, by reason",
	}, []string{"reason"})

	// InvariantViolations counts settlements aborted because open lots and
	// holdings disagreed.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_invariant_violations_total",
		Help: "Settlements rolled back on lot/holding mismatch",
	})

	// TradedVolume tracks cumulative filled quantity per side.
	TradedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_traded_volume_total",
		Help: "Cumulative filled quantity in shares",
	}, []string{"side"})

	// LotsClosed counts trade lots moved to CLOSED, including split records.
	LotsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_lots_closed_total",
		Help: "Trade lots closed by sells",
	})

	// AccountResets counts account resets.
	AccountResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_account_resets_total",
		Help: "Total account resets",
	})

	// ReconcileRuns counts reconciliation passes by outcome.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_reconcile_runs_total",
		Help: "Reconciliation passes by outcome",
	}, []string{"outcome"})

	// LotDrift is the number of (user, symbol) pairs whose open lots do not
	// sum to the position quantity, as of the last reconciliation.
	LotDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_lot_drift",
		Help: "Positions whose open lots disagree with position quantity",
	})

	// PriceTicks counts last-price updates ingested into the feed.
	PriceTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_price_ticks_total",
		Help: "Price ticks ingested",
	})

	// SignalsRelayed counts advisory signals broadcast, by action.
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_signals_relayed_total",
		Help: "Advisory signals broadcast to clients",
	}, []string{"action"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_http_request_duration_seconds",
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
