package rules

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/polisai/plan-lint/pkg/domain"
)

// Check inspects a plan and reports findings.
type Check struct {
	Name string
	Run  func(plan *domain.Plan, policy *domain.Policy) []domain.Finding
}

// Checks returns the battery in evaluation order. The order only fixes the
// order of findings; checks do not depend on each other.
func Checks() []Check {
	return []Check{
		{Name: "tool_allowlist", Run: CheckToolsAllowed},
		{Name: "bounds", Run: CheckBounds},
		{Name: "raw_secrets", Run: CheckRawSecrets},
		{Name: "max_steps", Run: CheckMaxSteps},
	}
}

// CheckToolsAllowed emits one TOOL_DENY per step whose tool is not allowed.
func CheckToolsAllowed(plan *domain.Plan, policy *domain.Policy) []domain.Finding {
	var findings []domain.Finding
	for i, step := range plan.Steps {
		if !policy.Allows(step.Tool) {
			findings = append(findings, domain.StepFinding(i, domain.KindToolDeny,
				ToolDenyMessage(step.Tool)))
		}
	}
	return findings
}

// CheckBounds emits BOUNDS_VIOLATION for numeric arguments outside their
// interval. Missing and non-numeric arguments are skipped.
func CheckBounds(plan *domain.Plan, policy *domain.Policy) []domain.Finding {
	bounds := policy.Bounds()
	if len(bounds) == 0 {
		return nil
	}

	var findings []domain.Finding
	for i, step := range plan.Steps {
		for _, bound := range bounds {
			if bound.Tool != step.Tool {
				continue
			}
			arg, ok := step.Args[bound.Arg]
			if !ok {
				continue
			}
			value, ok := arg.AsNumber()
			if !ok || bound.Contains(value) {
				continue
			}
			findings = append(findings, domain.StepFinding(i, domain.KindBoundsViolation,
				BoundsMessage(bound, value)))
		}
	}
	return findings
}

// CheckRawSecrets emits one RAW_SECRET per (step, pattern) pair with at least
// one matching string argument.
func CheckRawSecrets(plan *domain.Plan, policy *domain.Policy) []domain.Finding {
	patterns := policy.Patterns()
	if len(patterns) == 0 {
		return nil
	}

	var findings []domain.Finding
	for i, step := range plan.Steps {
		args := domain.Object(step.Args)
		for _, pattern := range patterns {
			matched := false
			args.VisitStrings(func(s string) bool {
				matched = pattern.MatchString(s)
				return !matched
			})
			if matched {
				findings = append(findings, domain.StepFinding(i, domain.KindRawSecret,
					SecretMessage(pattern.Label)))
			}
		}
	}
	return findings
}

// CheckMaxSteps emits a single plan-level MAX_STEPS_EXCEEDED.
func CheckMaxSteps(plan *domain.Plan, policy *domain.Policy) []domain.Finding {
	limit := policy.MaxSteps()
	if limit <= 0 || len(plan.Steps) <= limit {
		return nil
	}
	return []domain.Finding{
		domain.PlanFinding(domain.KindMaxStepsExceeded, MaxStepsMessage(len(plan.Steps), limit)),
	}
}

// ToolDenyMessage is shared with the compiled Rego policy.
func ToolDenyMessage(tool string) string {
	return fmt.Sprintf("Tool '%s' is not allowed by policy", tool)
}

// BoundsMessage names the argument, the observed value and the interval.
func BoundsMessage(bound domain.Bound, value float64) string {
	return fmt.Sprintf("Argument '%s' value %s outside bounds [%s, %s]",
		bound.Arg, formatNumber(value), formatNumber(bound.Min), formatNumber(bound.Max))
}

// SecretMessage names the pattern label, never the matched text.
func SecretMessage(label string) string {
	return fmt.Sprintf("Potentially sensitive data matching pattern '%s' found in arguments", label)
}

// MaxStepsMessage reports the step count against the limit.
func MaxStepsMessage(count, limit int) string {
	return fmt.Sprintf("Plan has %d steps, exceeding the maximum of %d", count, limit)
}

// formatNumber renders v the way Rego's sprintf %v renders the same number
// after a JSON round trip: integers in full, everything else in Go's
// shortest %v form.
func formatNumber(v float64) string {
	text, err := json.Marshal(v)
	if err != nil {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	if n, ok := new(big.Int).SetString(string(text), 10); ok {
		return n.String()
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
