// Package metrics provides Prometheus instrumentation for the AMM engine.
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
	// TradesTotal counts trades executed, partitioned by side and kind (BUY/SELL).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "kind"})

	// TradeLatency tracks quote-to-commit latency under the market lock.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeRejections counts rejected trades by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_trade_rejections_total",
		Help: "Trades rejected, by error code",
	}, []string{"code"})

	// ActiveMarkets tracks the number of unfinalized pools.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_active_markets",
		Help: "Number of pools accepting trades",
	})

	// MarketVolume tracks cumulative collateral volume (smallest units) per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_market_volume_units_total",
		Help: "Cumulative collateral traded, in smallest currency units",
	}, []string{"market_id", "side"})

	// SettlementsTotal counts finalized markets by winning outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_settlements_total",
		Help: "Markets finalized, by winning outcome",
	}, []string{"outcome"})

	// ProtocolFees accumulates settlement fees collected, in smallest units.
	ProtocolFees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_protocol_fees_units_total",
		Help: "Protocol fees collected at settlement, in smallest currency units",
	})

	// IntegrityViolations counts failed solvency or invariant checks. Any
	// non-zero value should page.
	IntegrityViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_integrity_violations_total",
		Help: "Integrity checks that failed; each one aborted an operation",
	}, []string{"code"})

	// ExposureLimitRejections counts trades rejected by the risk limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_exposure_limit_rejections_total",
		Help: "Trades rejected by the exposure limiter",
	})

	// ActiveSessions tracks collateral sessions that are open for betting.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_active_sessions",
		Help: "Number of active collateral sessions",
	})

	// BetsTotal counts bets placed against collateral sessions.
	BetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_bets_total",
		Help: "Bets placed against collateral sessions",
	})

	// RelayPublishes counts settlement proofs handed to the relay, by result.
	RelayPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_relay_publishes_total",
		Help: "Settlement proofs published to the relay, by result",
	}, []string{"result"})

	// RelayConnected is 1 while the relay connection is up.
	RelayConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_relay_connected",
		Help: "Whether the settlement relay connection is established",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route so ids stay out of label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
