package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	authOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_outcome_total",
			Help: "Count of authorization outcomes by result",
		},
		[]string{"outcome"}, // granted, denied, transport_error
	)

	rateLimitOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_outcome_total",
			Help: "Count of rate-engine admission outcomes",
		},
		[]string{"outcome"}, // admitted, throttled
	)

	forwardDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forward_duration_seconds",
			Help:    "Upstream forward latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"outcome"}, // ok, unreachable
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auth_circuit_breaker_state",
			Help: "Current auth-service circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// MetricsMiddleware records request counts and latency for every request,
// keyed by method/status only — this proxy has no tenant/model concept, so
// the teacher's per-tenant label set collapses to the request shape itself.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		httpRequestsTotal.WithLabelValues(method, status).Inc()
		httpRequestDuration.WithLabelValues(method).Observe(duration)
	}
}

// RecordAuthOutcome records a C2 authorization result.
func RecordAuthOutcome(outcome string) {
	authOutcomeTotal.WithLabelValues(outcome).Inc()
}

// RecordRateLimitOutcome records a C3 admission result.
func RecordRateLimitOutcome(outcome string) {
	rateLimitOutcomeTotal.WithLabelValues(outcome).Inc()
}

// RecordForward records a C5 forwarding attempt's latency and outcome.
func RecordForward(outcome string, durationSeconds float64) {
	forwardDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordCircuitBreakerState reports the auth-service breaker's state as a
// gauge: 0 closed, 1 half-open, 2 open, matching gobreaker.State's own
// ordering.
func RecordCircuitBreakerState(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}
