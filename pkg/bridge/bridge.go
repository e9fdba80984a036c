// Package bridge evaluates plans with an external Open Policy Agent
// evaluator and maps the verdict onto the same ValidationResult the built-in
// rule engine produces.
//
// All process-level faults (missing binary, timeouts, non-zero exits,
// unparseable output) are contained here and surface as an ERROR result
// with a single SCHEMA_INVALID finding.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/polisai/plan-lint/pkg/domain"
	"github.com/polisai/plan-lint/pkg/policy"
	"github.com/polisai/plan-lint/pkg/risk"
	"github.com/polisai/plan-lint/pkg/rules"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 10 * time.Second

// FailureRecorder receives the reason of every failed evaluation.
type FailureRecorder interface {
	RecordEvaluatorFailure(reason string)
}

// Config configures a Bridge.
type Config struct {
	// Runner performs the evaluation. Nil selects a ProcessRunner for Path.
	Runner Runner
	// Path is the OPA executable used when Runner is nil.
	Path    string
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics FailureRecorder
}

// Bridge is the external evaluator backend. It is safe for concurrent use;
// every call runs its own evaluation.
type Bridge struct {
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
	metrics FailureRecorder
}

// New constructs a Bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = NewProcessRunner(cfg.Path, logger, NewEnvPropagator(nil))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Evaluate compiles the policy and evaluates plan against it.
func (b *Bridge) Evaluate(ctx context.Context, plan *domain.Plan, pol *domain.Policy) domain.ValidationResult {
	return b.EvaluateExternal(ctx, plan, pol, "")
}

// WithSource returns an Evaluator that always uses the given Rego source.
func (b *Bridge) WithSource(source string) domain.Evaluator {
	return domain.EvaluatorFunc(func(ctx context.Context, plan *domain.Plan, pol *domain.Policy) domain.ValidationResult {
		return b.EvaluateExternal(ctx, plan, pol, source)
	})
}

// EvaluateExternal evaluates plan with source, or with the compiled form of
// pol when source is empty. Weights, threshold and severities always come
// from pol.
func (b *Bridge) EvaluateExternal(ctx context.Context, plan *domain.Plan, pol *domain.Policy, source string) domain.ValidationResult {
	if pol == nil {
		return risk.Failure(nil, "policy is required")
	}
	if err := plan.Validate(); err != nil {
		return risk.Result([]domain.Finding{domain.PlanFinding(domain.KindSchemaInvalid, err.Error())}, pol)
	}

	findings, err := b.run(ctx, plan, pol, source)
	if err != nil {
		reason := ReasonOf(err)
		attrs := []any{"reason", string(reason), "error", err}
		var evalErr *EvaluatorError
		if errors.As(err, &evalErr) && evalErr.Reason == ReasonExit {
			attrs = append(attrs, "exit_code", evalErr.ExitCode, "stderr", evalErr.Stderr)
		}
		b.logger.WarnContext(ctx, "External policy evaluation failed", attrs...)
		if b.metrics != nil {
			b.metrics.RecordEvaluatorFailure(string(reason))
		}
		return risk.Failure(pol, err.Error())
	}
	return risk.Result(findings, pol)
}

func (b *Bridge) run(ctx context.Context, plan *domain.Plan, pol *domain.Policy, source string) ([]domain.Finding, error) {
	name := "compiled.rego"
	if source == "" {
		source = policy.Compile(pol)
	} else {
		name = "policy.rego"
		if !policy.IsRegoSource(source) {
			return nil, newEvaluatorError(ReasonInvalidSource, fmt.Errorf("policy source is not Rego"))
		}
	}

	module, err := policy.ParseModule(name, source)
	if err != nil {
		return nil, newEvaluatorError(ReasonInvalidSource, err)
	}

	input, err := json.Marshal(plan.InputDocument())
	if err != nil {
		return nil, newEvaluatorError(ReasonInvalidInput, fmt.Errorf("encode plan: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := b.runner.Run(ctx, Invocation{Module: module, Input: input})
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, &EvaluatorError{
			Reason:   ReasonExit,
			Err:      fmt.Errorf("OPA evaluation failed"),
			ExitCode: out.ExitCode,
			Stderr:   firstLine(out.Stderr),
		}
	}
	if len(bytes.TrimSpace(out.Stdout)) == 0 {
		return nil, newEvaluatorError(ReasonMalformed, fmt.Errorf("%w: %v", ErrMalformedOutput, errEmptyOutput))
	}

	dec, err := parseDecision(out.Stdout)
	if err != nil {
		return nil, newEvaluatorError(ReasonMalformed, err)
	}
	return toFindings(dec, plan, pol), nil
}

// toFindings maps violations onto findings in the rule engine's order:
// by kind, then step (plan-level last), then the position of the bound or
// pattern in the policy, then message.
func toFindings(dec decision, plan *domain.Plan, pol *domain.Policy) []domain.Finding {
	findings := make([]domain.Finding, 0, len(dec.Violations))
	for _, v := range dec.Violations {
		kind, ok := domain.ParseErrorKind(v.Code)
		msg := v.Msg
		if !ok {
			kind = domain.KindEvaluatorError
			msg = fmt.Sprintf("unrecognised violation code %q: %s", v.Code, v.Msg)
		}
		f := domain.Finding{Kind: kind, Message: msg}
		if v.Step != nil {
			step := *v.Step
			f.Step = &step
		}
		findings = append(findings, f)
	}

	if !dec.Allow && len(findings) == 0 {
		findings = append(findings, domain.PlanFinding(domain.KindEvaluatorError,
			"Policy denied the plan without reporting violations"))
	}

	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Kind.Rank() != b.Kind.Rank() {
			return a.Kind.Rank() < b.Kind.Rank()
		}
		if a.StepIndex() != b.StepIndex() {
			if a.Step == nil || b.Step == nil {
				return b.Step == nil
			}
			return a.StepIndex() < b.StepIndex()
		}
		if oa, ob := policyOrder(a, plan, pol), policyOrder(b, plan, pol); oa != ob {
			return oa < ob
		}
		return a.Message < b.Message
	})
	return findings
}

// policyOrder locates the bound or pattern a finding was raised for, so
// findings on the same step keep the policy's declaration order.
func policyOrder(f domain.Finding, plan *domain.Plan, pol *domain.Policy) int {
	switch f.Kind {
	case domain.KindRawSecret:
		for i, pattern := range pol.Patterns() {
			if f.Message == rules.SecretMessage(pattern.Label) {
				return i
			}
		}
	case domain.KindBoundsViolation:
		step := f.StepIndex()
		if step < 0 || step >= len(plan.Steps) {
			break
		}
		for i, bound := range pol.Bounds() {
			if bound.Tool == plan.Steps[step].Tool && strings.HasPrefix(f.Message, "Argument '"+bound.Arg+"' value ") {
				return i
			}
		}
	}
	return math.MaxInt
}

func firstLine(b []byte) string {
	text := strings.TrimSpace(string(b))
	if line, _, ok := strings.Cut(text, "\n"); ok {
		return line
	}
	return text
}
