// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts settled trades, partitioned by type.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osustock_trades_total",
		Help: "Total number of trades settled",
	}, []string{"type"})

	// TradeLatency tracks end-to-end trade execution latency, including the
	// trade-time refresh.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osustock_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradeRejections counts trades rejected before or during settlement.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osustock_trade_rejections_total",
		Help: "Trades rejected, by reason",
	}, []string{"reason"})

	// ShareVolume tracks cumulative traded shares per stock.
	ShareVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osustock_share_volume_total",
		Help: "Cumulative traded volume in shares",
	}, []string{"stock_id", "type"})

	// RefreshesTotal counts stock refreshes by outcome
	// (priced, unscored, banned, stale_write, error).
	RefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osustock_refreshes_total",
		Help: "Stock refreshes by outcome",
	}, []string{"outcome"})

	// RebalanceChecks counts top-score rechecks by result.
	RebalanceChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osustock_rebalance_checks_total",
		Help: "Top-score rebalance checks by result",
	}, []string{"rebalanced"})

	// ProviderRequestDuration tracks stats-provider request latency.
	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osustock_provider_request_duration_seconds",
		Help:    "Stats provider request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint", "status"})

	// ListedStocks tracks the number of stocks with a live price, as of the
	// last batch refresh.
	ListedStocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "osustock_listed_stocks",
		Help: "Number of stocks with a live price",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "osustock_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osustock_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osustock_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern rather than raw path, so stock ids don't explode
		// label cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
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
