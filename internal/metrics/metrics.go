// Package metrics provides Prometheus instrumentation for the wallet and relay services.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sokuji"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WalletOperationsTotal counts wallet operations by op and outcome.
	WalletOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "operations_total",
			Help:      "Wallet operations by op (mint, use, refund, adjust) and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// TokensMintedTotal sums tokens credited by mint, top-up and registration grants.
	TokensMintedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wallet",
		Name:      "tokens_minted_total",
		Help:      "Total tokens credited to wallets.",
	})

	// TokensUsedTotal sums tokens deducted by use, labelled by provider.
	TokensUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "tokens_used_total",
			Help:      "Total tokens deducted from wallets by provider.",
		},
		[]string{"provider"},
	)

	// BalanceCacheRequests counts balance cache lookups by result (hit, miss, error).
	BalanceCacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "balance_requests_total",
			Help:      "Balance cache lookups by result.",
		},
		[]string{"result"},
	)

	// WebhookEventsTotal counts inbound webhook events by source, type and outcome.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Inbound webhook events by source, event type and outcome.",
		},
		[]string{"source", "type", "outcome"},
	)

	// ActiveRelayConnections tracks open client relay sockets.
	ActiveRelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "active_connections",
		Help:      "Number of relay connections currently open.",
	})

	// RelayClosesTotal counts relay teardowns by provider and close code.
	RelayClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "closes_total",
			Help:      "Relay connections closed by provider and close code.",
		},
		[]string{"provider", "code"},
	)

	// RelayUpstreamConnectDuration observes upstream dial latency.
	RelayUpstreamConnectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "upstream_connect_seconds",
			Help:      "Upstream WebSocket connect latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	// UsageRecordsFlushed counts usage log records written in batches.
	UsageRecordsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "records_flushed_total",
		Help:      "Usage log records persisted by the buffer.",
	})

	// UsageRecordsDropped counts usage log records discarded to bound memory.
	UsageRecordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "records_dropped_total",
		Help:      "Usage log records dropped after flush failures exceeded buffer capacity.",
	})

	// UsageBufferPending tracks records waiting for the next flush.
	UsageBufferPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "buffer_pending",
		Help:      "Usage log records currently buffered in memory.",
	})

	// Database connection pool stats (sampled periodically).
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Number of open database connections.",
	})

	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_in_use_connections",
		Help:      "Number of database connections currently in use.",
	})

	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_wait_count",
		Help:      "Total number of connections waited for.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of running goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WalletOperationsTotal,
		TokensMintedTotal,
		TokensUsedTotal,
		BalanceCacheRequests,
		WebhookEventsTotal,
		ActiveRelayConnections,
		RelayClosesTotal,
		RelayUpstreamConnectDuration,
		UsageRecordsFlushed,
		UsageRecordsDropped,
		UsageBufferPending,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency per route pattern. Requests
// that match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
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
