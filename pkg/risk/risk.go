// Package risk folds findings into a risk score and a verdict using the
// weights and threshold carried by a policy.
package risk

import (
	"math"

	"github.com/polisai/plan-lint/pkg/domain"
)

// scorePrecision is the number of decimal places kept in a score. Weights
// are decimal fractions, so the float sum is rounded back to them before it
// is compared with the threshold.
const scorePrecision = 1e9

// Aggregate sums the policy weight of every finding, clamps the total to
// [0, 1] and derives the status.
func Aggregate(findings []domain.Finding, policy *domain.Policy) (float64, domain.Status) {
	result := Result(findings, policy)
	return result.RiskScore, result.Status
}

// Score returns the clamped weight sum for findings, rounded to nine
// decimal places.
func Score(findings []domain.Finding, policy *domain.Policy) float64 {
	var score float64
	for _, f := range findings {
		score += policy.Weight(f.Kind)
	}
	return clamp(math.Round(score*scorePrecision) / scorePrecision)
}

// Result splits findings into errors and warnings and computes the verdict.
// The plan fails when the score reaches the threshold, when any finding is
// SCHEMA_INVALID, or when any error-severity finding exists.
func Result(findings []domain.Finding, policy *domain.Policy) domain.ValidationResult {
	result := domain.ValidationResult{
		Status:    domain.StatusPass,
		RiskScore: Score(findings, policy),
		Errors:    []domain.Finding{},
		Warnings:  []domain.Finding{},
	}

	schemaInvalid := false
	for _, f := range findings {
		if f.Kind == domain.KindSchemaInvalid {
			schemaInvalid = true
		}
		if SeverityOf(f, policy) == domain.SeverityWarning {
			result.Warnings = append(result.Warnings, f)
			continue
		}
		result.Errors = append(result.Errors, f)
	}

	if schemaInvalid || len(result.Errors) > 0 || result.RiskScore >= policy.FailRiskThreshold() {
		result.Status = domain.StatusError
	}
	return result
}

// SeverityOf resolves the effective severity of f under policy.
func SeverityOf(f domain.Finding, policy *domain.Policy) domain.Severity {
	if f.Kind == domain.KindSchemaInvalid {
		return domain.SeverityError
	}
	if f.Severity != "" {
		return f.Severity
	}
	return policy.SeverityOf(f.Kind)
}

// Failure is the result reported when validation could not run at all:
// status ERROR, the policy's failure risk, and a single SCHEMA_INVALID
// finding carrying msg.
func Failure(policy *domain.Policy, msg string) domain.ValidationResult {
	failureRisk := domain.DefaultFailureRisk
	if policy != nil {
		failureRisk = policy.FailureRisk()
	}
	return domain.ValidationResult{
		Status:    domain.StatusError,
		RiskScore: clamp(failureRisk),
		Errors:    []domain.Finding{domain.PlanFinding(domain.KindSchemaInvalid, msg)},
		Warnings:  []domain.Finding{},
	}
}

func clamp(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
