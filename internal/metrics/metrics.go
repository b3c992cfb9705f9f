// Package metrics provides Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// TransactionsTotal counts processed transactions by decision.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "transactions_total",
			Help:      "Total transactions processed by decision.",
		},
		[]string{"decision"},
	)

	// ProcessDuration observes end-to-end per-transaction processing time.
	ProcessDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fraudwatch",
		Name:      "process_duration_seconds",
		Help:      "Per-transaction processing time, snapshot through state update.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// FeedConnectionState is 1 while the feed is streaming, 0 otherwise.
	FeedConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Name:      "feed_connected",
		Help:      "1 while the feed connection is streaming, 0 otherwise.",
	})

	// FeedReconnectsTotal counts reconnect attempts against the feed.
	FeedReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Name:      "feed_reconnects_total",
		Help:      "Total reconnect attempts against the event feed.",
	})

	// FeedEventsDroppedTotal counts malformed events dropped at parse.
	FeedEventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Name:      "feed_events_dropped_total",
		Help:      "Total malformed feed events dropped without processing.",
	})

	// WorkersInFlight tracks transactions currently being processed.
	WorkersInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Name:      "workers_in_flight",
		Help:      "Transactions currently being processed by the worker pool.",
	})

	// StateUpdateErrorsTotal counts per-entity state write failures.
	StateUpdateErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Name:      "state_update_errors_total",
		Help:      "State store write failures by entity kind.",
	}, []string{"kind"})

	// ScoreFailuresTotal counts transactions that fell back to the
	// default classification because scoring failed.
	ScoreFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Name:      "score_failures_total",
		Help:      "Transactions classified by the safe default because scoring failed.",
	})

	// NotifyDeliveriesTotal counts flag-endpoint calls by result.
	NotifyDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Name:      "notify_deliveries_total",
		Help:      "Flag endpoint notification attempts by result.",
	}, []string{"result"})

	// AuditWriteErrorsTotal counts failed audit inserts.
	AuditWriteErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Name:      "audit_write_errors_total",
		Help:      "Audit record writes that failed and were logged.",
	})

	// ActiveWebSocketClients tracks connected decision-stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Name:      "websocket_clients",
		Help:      "Currently connected WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		TransactionsTotal,
		ProcessDuration,
		FeedConnectionState,
		FeedReconnectsTotal,
		FeedEventsDroppedTotal,
		WorkersInFlight,
		StateUpdateErrorsTotal,
		ScoreFailuresTotal,
		NotifyDeliveriesTotal,
		AuditWriteErrorsTotal,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
