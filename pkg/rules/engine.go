package rules

import (
	"context"
	"log/slog"

	"github.com/polisai/plan-lint/pkg/domain"
	"github.com/polisai/plan-lint/pkg/risk"
)

// Evaluate runs every check in order and concatenates the findings.
func Evaluate(plan *domain.Plan, policy *domain.Policy) []domain.Finding {
	var findings []domain.Finding
	for _, check := range Checks() {
		findings = append(findings, check.Run(plan, policy)...)
	}
	return findings
}

// Engine adapts Evaluate to domain.Evaluator.
type Engine struct {
	logger *slog.Logger
}

// NewEngine constructs the built-in evaluator.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Evaluate validates plan against policy. Structurally invalid plans
// produce a SCHEMA_INVALID result instead of check findings.
func (e *Engine) Evaluate(ctx context.Context, plan *domain.Plan, policy *domain.Policy) domain.ValidationResult {
	if policy == nil {
		return risk.Failure(nil, "policy is required")
	}
	if err := plan.Validate(); err != nil {
		e.logger.DebugContext(ctx, "Plan rejected before checks", "error", err)
		return risk.Result([]domain.Finding{domain.PlanFinding(domain.KindSchemaInvalid, err.Error())}, policy)
	}
	return risk.Result(Evaluate(plan, policy), policy)
}
