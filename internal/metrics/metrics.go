// Package metrics provides Prometheus instrumentation for the portal core.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts facade HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glovendor",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glovendor",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BackendRequestsTotal counts outbound backend calls by method and error kind
	// ("" for success).
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glovendor",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Total outbound backend requests by method and error kind.",
		},
		[]string{"method", "kind"},
	)

	// BackendRequestDuration observes outbound call latency.
	BackendRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "glovendor",
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Outbound backend request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PaymentsVerifiedTotal counts payment verifications by outcome.
	PaymentsVerifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glovendor",
			Subsystem: "payments",
			Name:      "verified_total",
			Help:      "Payment verification outcomes (verified, pending, failed, error).",
		},
		[]string{"outcome"},
	)

	// MarginAppliesTotal counts batch margin applications by result.
	MarginAppliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glovendor",
			Subsystem: "pricing",
			Name:      "margin_applies_total",
			Help:      "Batch margin apply operations by result.",
		},
		[]string{"result"},
	)

	// PriceWarningsTotal counts advisory price warnings emitted.
	PriceWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glovendor",
			Subsystem: "pricing",
			Name:      "warnings_total",
			Help:      "Advisory co-vendor price warnings emitted.",
		},
	)

	// BalanceDiscrepanciesTotal counts wallet balance mismatches beyond epsilon.
	BalanceDiscrepanciesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glovendor",
			Subsystem: "wallet",
			Name:      "balance_discrepancies_total",
			Help:      "Computed vs reported wallet balance mismatches beyond epsilon.",
		},
	)

	// ActiveWebSocketClients tracks currently connected realtime clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "glovendor",
			Subsystem: "realtime",
			Name:      "websocket_clients",
			Help:      "Currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BackendRequestsTotal,
		BackendRequestDuration,
		PaymentsVerifiedTotal,
		MarginAppliesTotal,
		PriceWarningsTotal,
		BalanceDiscrepanciesTotal,
		ActiveWebSocketClients,
	)
}

// Middleware records request counts and latencies for the gin facade.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
