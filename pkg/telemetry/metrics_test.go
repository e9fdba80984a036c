package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/plan-lint/pkg/domain"
)

func rejectedResult() domain.ValidationResult {
	return domain.ValidationResult{
		Status:    domain.StatusError,
		RiskScore: 0.9,
		Errors: []domain.Finding{
			domain.StepFinding(0, domain.KindToolDeny, "Tool 'sql.exec' is not allowed by policy"),
			domain.StepFinding(1, domain.KindRawSecret, "secret"),
		},
		Warnings: []domain.Finding{
			domain.PlanFinding(domain.KindMaxStepsExceeded, "too many"),
		},
	}
}

func TestRecordValidationMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()

	RecordValidationMetrics(ctx, ValidationMetrics{
		Backend:  "builtin",
		Result:   rejectedResult(),
		Duration: 150 * time.Millisecond,
	})
	RecordEvaluatorFailureMetric(ctx, "timeout")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	validations, ok := metrics["planlint.validations_total"]
	require.True(t, ok, "missing planlint.validations_total")
	validationData, ok := validations.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, validationData.DataPoints, 1)
	assert.Equal(t, int64(1), validationData.DataPoints[0].Value)
	status, ok := validationData.DataPoints[0].Attributes.Value(attribute.Key("planlint.status"))
	require.True(t, ok)
	assert.Equal(t, "error", status.AsString())

	findings, ok := metrics["planlint.findings_total"]
	require.True(t, ok, "missing planlint.findings_total")
	var total int64
	for _, dp := range findings.Data.(metricdata.Sum[int64]).DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)

	failures, ok := metrics["planlint.evaluator_failures_total"]
	require.True(t, ok)
	assert.Equal(t, int64(1), failures.Data.(metricdata.Sum[int64]).DataPoints[0].Value)

	hist, ok := metrics["planlint.validation.duration_ms"]
	require.True(t, ok)
	histData := hist.Data.(metricdata.Histogram[float64])
	assert.Equal(t, uint64(1), histData.DataPoints[0].Count)
	assert.Equal(t, float64(150), histData.DataPoints[0].Sum)
}

func TestRecordValidationSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "validate")
	RecordValidation(span, "opa", rejectedResult())
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	attrs := attribute.NewSet(spans[0].Attributes()...)
	backend, ok := attrs.Value("planlint.backend")
	require.True(t, ok)
	assert.Equal(t, "opa", backend.AsString())
	denies, ok := attrs.Value("planlint.findings.tool_deny")
	require.True(t, ok)
	assert.Equal(t, int64(1), denies.AsInt64())
	_, ok = attrs.Value("planlint.findings.bounds_violation")
	assert.False(t, ok)

	events := spans[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "planlint.rejected", events[0].Name)

	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordValidation("builtin", rejectedResult(), 20*time.Millisecond)
	m.RecordEvaluatorFailure("not_found")
	m.RecordEvaluatorFailure("not_found")
	m.RecordPolicyReload(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.validationsTotal.WithLabelValues("builtin", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.findingsTotal.WithLabelValues("TOOL_DENY", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.findingsTotal.WithLabelValues("MAX_STEPS_EXCEEDED", "warning")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.evaluatorFailures.WithLabelValues("not_found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.policyReloads.WithLabelValues("failure")))
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.RecordValidation("opa", rejectedResult(), time.Millisecond)

	path := filepath.Join(t.TempDir(), "plan-lint.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `planlint_validations_total{backend="opa",status="error"} 1`), text)
}
