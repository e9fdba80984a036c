package domain

import (
	"context"
	"encoding/json"
	"strings"
)

// ErrorKind classifies a finding. The lower-cased kind is its risk_weights key.
type ErrorKind string

const (
	KindToolDeny         ErrorKind = "TOOL_DENY"
	KindBoundsViolation  ErrorKind = "BOUNDS_VIOLATION"
	KindRawSecret        ErrorKind = "RAW_SECRET"
	KindSchemaInvalid    ErrorKind = "SCHEMA_INVALID"
	KindMaxStepsExceeded ErrorKind = "MAX_STEPS_EXCEEDED"
	// KindLoopDetected is reserved; no check emits it yet.
	KindLoopDetected ErrorKind = "LOOP_DETECTED"
	// KindEvaluatorError is the catch-all for evaluator output that does not
	// map onto a known kind.
	KindEvaluatorError ErrorKind = "EVALUATOR_ERROR"
)

var knownKinds = []ErrorKind{
	KindToolDeny,
	KindBoundsViolation,
	KindRawSecret,
	KindSchemaInvalid,
	KindMaxStepsExceeded,
	KindLoopDetected,
	KindEvaluatorError,
}

// Kinds returns every ErrorKind in canonical order.
func Kinds() []ErrorKind {
	return append([]ErrorKind(nil), knownKinds...)
}

// ParseErrorKind resolves a kind from its code or weight key,
// case-insensitively.
func ParseErrorKind(code string) (ErrorKind, bool) {
	upper := ErrorKind(strings.ToUpper(strings.TrimSpace(code)))
	for _, kind := range knownKinds {
		if kind == upper {
			return kind, true
		}
	}
	return "", false
}

// WeightKey returns the risk_weights key for k.
func (k ErrorKind) WeightKey() string {
	return strings.ToLower(string(k))
}

// Rank orders kinds the way the rule engine emits them.
func (k ErrorKind) Rank() int {
	switch k {
	case KindSchemaInvalid:
		return 0
	case KindToolDeny:
		return 1
	case KindBoundsViolation:
		return 2
	case KindRawSecret:
		return 3
	case KindMaxStepsExceeded:
		return 4
	case KindLoopDetected:
		return 5
	default:
		return 6
	}
}

// Severity separates blocking findings from advisory ones.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ParseSeverity resolves a severity name.
func ParseSeverity(name string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(name))) {
	case SeverityError:
		return SeverityError, true
	case SeverityWarning:
		return SeverityWarning, true
	default:
		return "", false
	}
}

// Finding is a single violation or warning. Step is nil for plan-level
// findings. An empty Severity defers to the policy.
type Finding struct {
	Step     *int      `json:"step"`
	Kind     ErrorKind `json:"code"`
	Message  string    `json:"msg"`
	Severity Severity  `json:"-"`
}

// StepFinding builds a finding anchored at a step index.
func StepFinding(step int, kind ErrorKind, msg string) Finding {
	return Finding{Step: &step, Kind: kind, Message: msg}
}

// PlanFinding builds a plan-level finding.
func PlanFinding(kind ErrorKind, msg string) Finding {
	return Finding{Kind: kind, Message: msg}
}

// StepIndex returns the step index, or -1 for plan-level findings.
func (f Finding) StepIndex() int {
	if f.Step == nil {
		return -1
	}
	return *f.Step
}

// Status is the overall verdict.
type Status string

const (
	StatusPass  Status = "pass"
	StatusError Status = "error"
)

// ValidationResult is the output of a single validation.
type ValidationResult struct {
	Status    Status    `json:"status"`
	RiskScore float64   `json:"risk_score"`
	Errors    []Finding `json:"errors"`
	Warnings  []Finding `json:"warnings"`
}

// MarshalJSON keeps empty finding lists as [] rather than null.
func (r ValidationResult) MarshalJSON() ([]byte, error) {
	type wire ValidationResult
	out := wire(r)
	if out.Errors == nil {
		out.Errors = []Finding{}
	}
	if out.Warnings == nil {
		out.Warnings = []Finding{}
	}
	return json.Marshal(out)
}

// Passed reports whether the plan passed.
func (r ValidationResult) Passed() bool {
	return r.Status == StatusPass
}

// Evaluator is the capability shared by the rule engine and the external
// evaluator bridge. Implementations never return Go errors; faults become
// SCHEMA_INVALID findings.
type Evaluator interface {
	Evaluate(ctx context.Context, plan *Plan, policy *Policy) ValidationResult
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, plan *Plan, policy *Policy) ValidationResult

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, plan *Plan, policy *Policy) ValidationResult {
	return f(ctx, plan, policy)
}
