package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolgate-io/toolgate/internal/gwerr"
)

var (
	toolgateRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	toolgateRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "toolgate_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	toolgateServersRegisteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_servers_registered_total",
		Help: "Total successful server registrations.",
	})

	toolgateSearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_searches_total",
		Help: "Total tool searches by query mode.",
	}, []string{"mode"})

	toolgateToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_tool_calls_total",
		Help: "Total tool invocations by outcome code.",
	}, []string{"code"})

	toolgateRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_rate_limited_total",
		Help: "Total requests rejected by the rate limiter.",
	})

	toolgateHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolgate_health_checks_total",
		Help: "Total downstream health probes by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request
// metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		toolgateRequestsTotal.WithLabelValues(method, path, status).Inc()
		toolgateRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordServerRegistration counts one successful registration.
func RecordServerRegistration() {
	toolgateServersRegisteredTotal.Inc()
}

// RecordSearch counts one search by mode.
func RecordSearch(pattern bool) {
	mode := "relevance"
	if pattern {
		mode = "pattern"
	}
	toolgateSearchesTotal.WithLabelValues(mode).Inc()
}

// RecordToolCall counts one tool invocation by outcome.
func RecordToolCall(err error) {
	code := "ok"
	if err != nil {
		code = string(gwerr.CodeOf(err))
	}
	toolgateToolCallsTotal.WithLabelValues(code).Inc()
}

// RecordRateLimited counts one rejected request.
func RecordRateLimited() {
	toolgateRateLimitedTotal.Inc()
}

// RecordHealthCheck records a downstream probe result.
func RecordHealthCheck(success bool) {
	if success {
		toolgateHealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		toolgateHealthChecksTotal.WithLabelValues("failure").Inc()
	}
}
