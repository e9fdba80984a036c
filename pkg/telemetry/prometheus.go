package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/plan-lint/pkg/domain"
)

// Metrics holds the Prometheus collectors for plan validation. Each
// instance owns a private registry.
type Metrics struct {
	validationsTotal   *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	findingsTotal      *prometheus.CounterVec
	riskScore          *prometheus.HistogramVec

	evaluatorFailures *prometheus.CounterVec

	policyReloads *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all plan-lint metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planlint_validations_total",
				Help: "Total number of plan validations by backend and status",
			},
			[]string{"backend", "status"},
		),
		validationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planlint_validation_duration_seconds",
				Help:    "Plan validation latency in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"backend"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planlint_findings_total",
				Help: "Total number of findings by code and severity",
			},
			[]string{"code", "severity"},
		),
		riskScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planlint_risk_score",
				Help:    "Distribution of aggregated risk scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"backend"},
		),
		evaluatorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planlint_evaluator_failures_total",
				Help: "Total number of external evaluations that produced no verdict, by reason",
			},
			[]string{"reason"},
		),
		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planlint_policy_reloads_total",
				Help: "Total number of policy reload attempts by status",
			},
			[]string{"status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planlint_http_requests_total",
				Help: "Total number of HTTP requests by method, endpoint and status code",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planlint_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.validationsTotal,
		m.validationDuration,
		m.findingsTotal,
		m.riskScore,
		m.evaluatorFailures,
		m.policyReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordValidation records one finished validation.
func (m *Metrics) RecordValidation(backend string, result domain.ValidationResult, duration time.Duration) {
	m.validationsTotal.WithLabelValues(backend, string(result.Status)).Inc()
	m.validationDuration.WithLabelValues(backend).Observe(duration.Seconds())
	m.riskScore.WithLabelValues(backend).Observe(result.RiskScore)
	for _, f := range result.Errors {
		m.findingsTotal.WithLabelValues(string(f.Kind), string(domain.SeverityError)).Inc()
	}
	for _, f := range result.Warnings {
		m.findingsTotal.WithLabelValues(string(f.Kind), string(domain.SeverityWarning)).Inc()
	}
}

// RecordEvaluatorFailure implements bridge.FailureRecorder.
func (m *Metrics) RecordEvaluatorFailure(reason string) {
	m.evaluatorFailures.WithLabelValues(reason).Inc()
}

// RecordPolicyReload records a policy reload attempt
func (m *Metrics) RecordPolicyReload(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.policyReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, fmt.Sprintf("%d", statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes every metric in Prometheus text format to path, for
// collection by node_exporter's textfile collector after a CLI run.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
