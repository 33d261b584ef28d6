// Package telemetry exposes the service's Prometheus metrics: HTTP server
// metrics recorded by an Echo middleware, and the consent decision and
// labeling metrics reported by the domain packages.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Provider owns a private registry so tests can build as many as they need.
type Provider struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	decisions          *prometheus.CounterVec
	evaluationFailures prometheus.Counter
	auditFailures      prometheus.Counter
	discoveryDuration  *prometheus.HistogramVec
	labelsApplied      prometheus.Counter
}

// NewProvider creates and registers every metric.
func NewProvider() *Provider {
	p := &Provider{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of active HTTP requests.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_decisions_total",
			Help: "Consent decisions by outcome.",
		}, []string{"decision"}),
		evaluationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consent_evaluation_failures_total",
			Help: "Consents that could not be parsed or evaluated.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consent_audit_failures_total",
			Help: "Decisions that could not be audited.",
		}),
		discoveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consent_discovery_duration_seconds",
			Help:    "Time spent gathering consents from all repositories.",
			Buckets: defaultDurationBuckets,
		}, []string{"outcome"}),
		labelsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_labels_applied_total",
			Help: "Security labels added to resources.",
		}),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.requestDuration,
		p.activeRequests,
		p.decisions,
		p.evaluationFailures,
		p.auditFailures,
		p.discoveryDuration,
		p.labelsApplied,
	)
	return p
}

// Registry returns the registry backing the provider.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// ObserveDecision counts a consent decision.
func (p *Provider) ObserveDecision(decision string) {
	p.decisions.WithLabelValues(decision).Inc()
}

func (p *Provider) ObserveEvaluationFailure() {
	p.evaluationFailures.Inc()
}

func (p *Provider) ObserveAuditFailure() {
	p.auditFailures.Inc()
}

// ObserveDiscovery records how long a discovery fan-out took.
func (p *Provider) ObserveDiscovery(elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.discoveryDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveLabels counts labels added by the labeler.
func (p *Provider) ObserveLabels(n int) {
	p.labelsApplied.Add(float64(n))
}

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(c.Response().Status)
			p.requestDuration.WithLabelValues(c.Request().Method, route, status).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// PrometheusHandler serves the registry in Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
