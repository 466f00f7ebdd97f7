// Package metrics provides Prometheus metrics collection
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Order metrics
	OrdersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of orders created",
		},
	)

	OrdersRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total number of order creations rejected by validation",
		},
		[]string{"code"},
	)

	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Total number of order state transitions by target state",
		},
		[]string{"state"},
	)

	// Payment metrics
	PaymentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Total number of payment creation attempts",
		},
		[]string{"status"},
	)

	PaymentsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_resolved_total",
			Help: "Total number of payments reaching a terminal state",
		},
		[]string{"state"},
	)

	// Fulfillment metrics
	FulfillmentSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_submissions_total",
			Help: "Total number of provider add-order calls by outcome",
		},
		[]string{"outcome"},
	)

	// Upstream metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of calls to the payment gateway and fulfillment provider",
		},
		[]string{"party", "operation", "outcome"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Duration of upstream calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"party", "operation"},
	)

	// Catalog metrics
	CatalogRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_refreshes_total",
			Help: "Total number of catalog refresh attempts",
		},
		[]string{"status"},
	)

	CatalogServices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_services",
			Help: "Number of services in the current catalog snapshot",
		},
	)

	// Reconciler metrics
	ActiveWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconciler_active_watches",
			Help: "Number of orders currently being polled",
		},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reconciler_poll_duration_seconds",
			Help:    "Duration of a single reconciliation poll in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
)

// Init initializes metrics (using promauto, metrics are auto-registered)
func Init() {
	// Metrics are automatically registered by promauto
}
