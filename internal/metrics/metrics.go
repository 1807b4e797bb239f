// Package metrics provides Prometheus instrumentation for the wallet monitor.
package metrics

import (
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_monitor",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wallet_monitor",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsIngestedTotal counts wallet events pulled off-chain by event type.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_monitor",
			Name:      "events_ingested_total",
			Help:      "Total wallet events ingested, by event type.",
		},
		[]string{"event_type"},
	)

	// IngestPollDuration observes the wall time of each ingestion poll cycle.
	IngestPollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wallet_monitor",
		Name:      "ingest_poll_duration_seconds",
		Help:      "Duration of each event ingestion poll cycle.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
	})

	// ScoresComputedTotal counts scoring passes by risk level.
	ScoresComputedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_monitor",
			Name:      "scores_computed_total",
			Help:      "Total reputation scores computed, by resulting risk level.",
		},
		[]string{"risk_level"},
	)

	// ScoreValue observes the raw score distribution.
	ScoreValue = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wallet_monitor",
		Name:      "score_value",
		Help:      "Distribution of computed reputation scores (0-100).",
		Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// ScoringFallbackTotal counts scoring passes that fell back to the
	// rule-based model because no ML model was loaded or the model's
	// prediction failed or fell outside [0,1].
	ScoringFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wallet_monitor",
		Name:      "scoring_fallback_total",
		Help:      "Total scoring passes that used the rule-based fallback model.",
	})

	// FlagsIssuedTotal counts on-chain flag transactions submitted, by outcome.
	FlagsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_monitor",
			Name:      "flags_issued_total",
			Help:      "Total flag-registry write attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wallet_monitor",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// BroadcastMessagesTotal counts messages delivered by the hub, by message type.
	BroadcastMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_monitor",
			Name:      "broadcast_messages_total",
			Help:      "Total messages delivered to WebSocket clients, by message type.",
		},
		[]string{"type"},
	)

	// MonitoredWallets tracks the number of wallets currently under active monitoring.
	MonitoredWallets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wallet_monitor",
		Name:      "monitored_wallets",
		Help:      "Number of wallets currently under active monitoring.",
	})

	// ChainRPCRetriesTotal counts retried chain client calls, by method.
	ChainRPCRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_monitor",
			Name:      "chain_rpc_retries_total",
			Help:      "Total retried chain RPC calls, by method.",
		},
		[]string{"method"},
	)

	// ChainCircuitBreakerTrips counts circuit breaker trips, by endpoint.
	ChainCircuitBreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_monitor",
			Name:      "chain_circuit_breaker_trips_total",
			Help:      "Total circuit breaker trips, by protected endpoint.",
		},
		[]string{"endpoint"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wallet_monitor", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsIngestedTotal,
		IngestPollDuration,
		ScoresComputedTotal,
		ScoreValue,
		ScoringFallbackTotal,
		FlagsIssuedTotal,
		ActiveWebSocketClients,
		BroadcastMessagesTotal,
		MonitoredWallets,
		ChainRPCRetriesTotal,
		ChainCircuitBreakerTrips,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples runtime stats into gauges.
// Call in a goroutine; exits when done is closed.
func StartRuntimeCollector(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
