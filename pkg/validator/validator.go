// Package validator selects an evaluation backend and runs plans through it,
// recording traces, metrics and logs around every validation.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/plan-lint/pkg/bridge"
	"github.com/polisai/plan-lint/pkg/domain"
	"github.com/polisai/plan-lint/pkg/policy"
	"github.com/polisai/plan-lint/pkg/risk"
	"github.com/polisai/plan-lint/pkg/rules"
	"github.com/polisai/plan-lint/pkg/telemetry"
)

// Backend names an evaluation strategy.
type Backend string

const (
	// BackendBuiltin runs the native rule engine.
	BackendBuiltin Backend = "builtin"
	// BackendOPA shells out to the opa executable.
	BackendOPA Backend = "opa"
	// BackendEmbedded evaluates the same Rego in-process with the OPA SDK.
	BackendEmbedded Backend = "opa-embedded"
)

// Backends lists the accepted backend names.
func Backends() []Backend {
	return []Backend{BackendBuiltin, BackendOPA, BackendEmbedded}
}

// ParseBackend resolves a backend name; empty selects builtin.
func ParseBackend(name string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(name))) {
	case "", BackendBuiltin:
		return BackendBuiltin, nil
	case BackendOPA:
		return BackendOPA, nil
	case BackendEmbedded, "embedded":
		return BackendEmbedded, nil
	default:
		return "", fmt.Errorf("unknown engine %q (want builtin, opa or opa-embedded)", name)
	}
}

// Options configures a Validator.
type Options struct {
	Backend Backend
	// RegoSource replaces the compiled policy for the OPA backends. Weights,
	// threshold and severities still come from the structured policy.
	RegoSource string
	OPAPath    string
	Timeout    time.Duration
	Logger     *slog.Logger
	// Metrics is optional.
	Metrics *telemetry.Metrics
	// Engine is shared by embedded evaluations; nil creates one.
	Engine *policy.Engine
	// Runner overrides the OPA runner (tests).
	Runner bridge.Runner
}

// Validator runs plans through one backend. It is safe for concurrent use.
type Validator struct {
	backend Backend
	rules   *rules.Engine
	bridge  *bridge.Bridge
	source  string
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// New builds a Validator for opts.
func New(opts Options) (*Validator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend := opts.Backend
	if backend == "" {
		backend = BackendBuiltin
	}

	v := &Validator{
		backend: backend,
		source:  opts.RegoSource,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer("github.com/polisai/plan-lint/pkg/validator"),
	}

	switch backend {
	case BackendBuiltin:
		if opts.RegoSource != "" {
			return nil, fmt.Errorf("a Rego policy requires the opa or opa-embedded engine")
		}
		v.rules = rules.NewEngine(logger)
	case BackendOPA, BackendEmbedded:
		runner := opts.Runner
		if runner == nil && backend == BackendEmbedded {
			runner = bridge.NewEmbeddedRunner(opts.Engine)
		}
		v.bridge = bridge.New(bridge.Config{
			Runner:  runner,
			Path:    opts.OPAPath,
			Timeout: opts.Timeout,
			Logger:  logger,
			Metrics: failureRecorder{metrics: opts.Metrics},
		})
	default:
		return nil, fmt.Errorf("unknown engine %q", backend)
	}
	return v, nil
}

// Backend reports the configured backend.
func (v *Validator) Backend() Backend {
	return v.backend
}

// Validate evaluates plan against pol, using the configured Rego source if
// any.
func (v *Validator) Validate(ctx context.Context, plan *domain.Plan, pol *domain.Policy) domain.ValidationResult {
	return v.ValidateSource(ctx, plan, pol, v.source)
}

// ValidateSource evaluates plan with an explicit Rego source. An empty
// source compiles pol. The builtin backend cannot evaluate Rego and reports
// that as a failed validation.
func (v *Validator) ValidateSource(ctx context.Context, plan *domain.Plan, pol *domain.Policy, source string) domain.ValidationResult {
	ctx, span := v.tracer.Start(ctx, "planlint.validate",
		trace.WithAttributes(attribute.Int("planlint.steps", stepCount(plan))))
	defer span.End()

	start := time.Now()
	var result domain.ValidationResult
	switch {
	case v.bridge != nil:
		result = v.bridge.EvaluateExternal(ctx, plan, pol, source)
	case source != "":
		result = risk.Failure(pol, "a Rego policy requires the opa or opa-embedded engine")
	default:
		result = v.rules.Evaluate(ctx, plan, pol)
	}
	duration := time.Since(start)

	backend := string(v.backend)
	telemetry.RecordValidation(span, backend, result)
	telemetry.RecordValidationMetrics(ctx, telemetry.ValidationMetrics{
		Backend:  backend,
		Result:   result,
		Duration: duration,
	})
	if v.metrics != nil {
		v.metrics.RecordValidation(backend, result, duration)
	}

	level := slog.LevelDebug
	if !result.Passed() {
		level = slog.LevelInfo
	}
	v.logger.Log(ctx, level, "Plan validated",
		"backend", backend,
		"status", result.Status,
		"risk_score", result.RiskScore,
		"errors", len(result.Errors),
		"warnings", len(result.Warnings),
		"duration", duration,
	)
	return result
}

// Evaluate implements domain.Evaluator.
func (v *Validator) Evaluate(ctx context.Context, plan *domain.Plan, pol *domain.Policy) domain.ValidationResult {
	return v.Validate(ctx, plan, pol)
}

func stepCount(plan *domain.Plan) int {
	if plan == nil {
		return 0
	}
	return len(plan.Steps)
}

type failureRecorder struct {
	metrics *telemetry.Metrics
}

func (r failureRecorder) RecordEvaluatorFailure(reason string) {
	telemetry.RecordEvaluatorFailureMetric(context.Background(), reason)
	if r.metrics != nil {
		r.metrics.RecordEvaluatorFailure(reason)
	}
}
