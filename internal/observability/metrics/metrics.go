// Package metrics exposes process-level prometheus metrics for the control
// plane: request latency plus counters on the hot domain paths.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	deploymentTransitions *prometheus.CounterVec
	usageEvents           *prometheus.CounterVec
	quotaDenials          *prometheus.CounterVec
	billingCloses         *prometheus.CounterVec
	sweeperRuns           *prometheus.CounterVec
	sweeperTimeouts       prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptship_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "promptship_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		deploymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptship_deployment_transitions_total",
			Help: "Deployment state transitions by source/target and result.",
		}, []string{"from", "to", "result"}),
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptship_usage_records_total",
			Help: "Usage records written by resource type.",
		}, []string{"resource_type"}),
		quotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptship_quota_denials_total",
			Help: "Quota admission denials by resource type.",
		}, []string{"resource_type"}),
		billingCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptship_billing_period_closes_total",
			Help: "Billing period close runs by result.",
		}, []string{"result"}),
		sweeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "promptship_sweeper_runs_total",
			Help: "Sweeper iterations by result.",
		}, []string{"result"}),
		sweeperTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptship_sweeper_forced_failures_total",
			Help: "Deployments force-failed by the timeout sweeper.",
		}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.deploymentTransitions,
		m.usageEvents,
		m.quotaDenials,
		m.billingCloses,
		m.sweeperRuns,
		m.sweeperTimeouts,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncDeploymentTransition(from, to, result string) {
	if m == nil {
		return
	}
	m.deploymentTransitions.WithLabelValues(from, to, result).Inc()
}

func (m *Metrics) IncUsageRecord(resourceType string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(resourceType).Inc()
}

func (m *Metrics) IncQuotaDenial(resourceType string) {
	if m == nil {
		return
	}
	m.quotaDenials.WithLabelValues(resourceType).Inc()
}

func (m *Metrics) IncBillingClose(result string) {
	if m == nil {
		return
	}
	m.billingCloses.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSweeperRun(result string) {
	if m == nil {
		return
	}
	m.sweeperRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSweeperForcedFailure() {
	if m == nil {
		return
	}
	m.sweeperTimeouts.Inc()
}

// GinMiddleware records request counts and latency per route.
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		m.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
