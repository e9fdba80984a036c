package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/plan-lint/pkg/domain"
)

var (
	metricsOnce                sync.Once
	metricsInitErr             error
	validationCounter          metric.Int64Counter
	findingCounter             metric.Int64Counter
	evaluatorFailureCounter    metric.Int64Counter
	validationLatencyHistogram metric.Float64Histogram
)

// ValidationMetrics captures the fields needed to record one validation.
type ValidationMetrics struct {
	Backend  string
	Result   domain.ValidationResult
	Duration time.Duration
}

// RecordValidationMetrics emits OpenTelemetry counters and histograms for a
// finished validation through the global MeterProvider.
func RecordValidationMetrics(ctx context.Context, m ValidationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("planlint.backend", m.Backend),
		attribute.String("planlint.status", string(m.Result.Status)),
	}
	validationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		validationLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("planlint.backend", m.Backend)))
	}

	record := func(findings []domain.Finding, severity domain.Severity) {
		for _, f := range findings {
			findingCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("planlint.code", string(f.Kind)),
				attribute.String("planlint.severity", string(severity)),
			))
		}
	}
	record(m.Result.Errors, domain.SeverityError)
	record(m.Result.Warnings, domain.SeverityWarning)
}

// RecordEvaluatorFailureMetric counts a failed external evaluation.
func RecordEvaluatorFailureMetric(ctx context.Context, reason string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	evaluatorFailureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("planlint.reason", reason)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("planlint.validator")

		validationCounter, metricsInitErr = meter.Int64Counter(
			"planlint.validations_total",
			metric.WithDescription("Plan validations partitioned by backend and status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		findingCounter, metricsInitErr = meter.Int64Counter(
			"planlint.findings_total",
			metric.WithDescription("Findings reported by code and severity"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		evaluatorFailureCounter, metricsInitErr = meter.Int64Counter(
			"planlint.evaluator_failures_total",
			metric.WithDescription("External evaluations that produced no verdict"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		validationLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"planlint.validation.duration_ms",
			metric.WithDescription("Observed validation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
