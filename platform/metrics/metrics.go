// Package metrics holds the Prometheus collectors shared by the API and the
// worker. HTTP collectors label by registered route to keep cardinality
// bounded; pipeline collectors label by outcome only.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagnosis_provider_calls_total",
			Help: "Model provider calls by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	providerLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diagnosis_provider_duration_seconds",
			Help:    "Model provider call latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		},
		[]string{"provider"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagnosis_transitions_total",
			Help: "Diagnosis job state transitions by target status.",
		},
		[]string{"status"},
	)

	leadsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leads_created_total",
			Help: "Leads distributed to experts by credit source.",
		},
		[]string{"source"},
	)

	entitlementConsumes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_consume_total",
			Help: "Entitlement consume attempts by kind and result.",
		},
		[]string{"kind", "result"},
	)

	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_events_total",
			Help: "Realtime events by outcome.",
		},
		[]string{"outcome"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Outbox delivery attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		httpReqs, httpLat, httpInflight,
		providerCalls, providerLat,
		transitions, leadsCreated, entitlementConsumes, broadcasts, notifications,
	)
}

// HTTP returns a Gin middleware that instruments requests.
func HTTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// ObserveProviderCall records one provider call.
func ObserveProviderCall(provider string, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	providerCalls.WithLabelValues(provider, outcome).Inc()
	providerLat.WithLabelValues(provider).Observe(latency.Seconds())
}

// ObserveTransition records a diagnosis entering status.
func ObserveTransition(status string) {
	transitions.WithLabelValues(status).Inc()
}

// ObserveLeadCreated records a distributed lead.
func ObserveLeadCreated(source string) {
	leadsCreated.WithLabelValues(source).Inc()
}

// ObserveConsume records an entitlement consume attempt.
func ObserveConsume(kind string, granted bool) {
	result := "granted"
	if !granted {
		result = "exhausted"
	}
	entitlementConsumes.WithLabelValues(kind, result).Inc()
}

// ObserveBroadcast records a realtime publish outcome.
func ObserveBroadcast(outcome string) {
	broadcasts.WithLabelValues(outcome).Inc()
}

// ObserveDelivery records one outbox delivery attempt.
func ObserveDelivery(channel, outcome string) {
	notifications.WithLabelValues(channel, outcome).Inc()
}
