package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OnFail selects what an executor should do when a step fails.
type OnFail string

const (
	OnFailAbort    OnFail = "abort"
	OnFailContinue OnFail = "continue"
	OnFailRetry    OnFail = "retry"
)

// Valid reports whether f is a known on_fail mode.
func (f OnFail) Valid() bool {
	switch f {
	case OnFailAbort, OnFailContinue, OnFailRetry:
		return true
	default:
		return false
	}
}

// Plan is an ordered list of tool invocations proposed by an agent.
// Context is only referenced by substitution strings inside args and is
// never evaluated.
type Plan struct {
	Goal    string           `json:"goal"`
	Context map[string]Value `json:"context,omitempty"`
	Steps   []PlanStep       `json:"steps"`
	Meta    map[string]Value `json:"meta,omitempty"`
}

// PlanStep is a single tool invocation.
type PlanStep struct {
	ID     string           `json:"id"`
	Tool   string           `json:"tool"`
	Args   map[string]Value `json:"args"`
	OnFail OnFail           `json:"on_fail"`
}

// UnmarshalJSON applies the abort default for on_fail.
func (s *PlanStep) UnmarshalJSON(data []byte) error {
	type rawStep PlanStep
	var raw rawStep
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.OnFail == "" {
		raw.OnFail = OnFailAbort
	}
	*s = PlanStep(raw)
	return nil
}

// ParsePlan decodes a JSON plan document.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	return &plan, nil
}

// Validate checks the structural invariants every backend relies on.
// Duplicate step ids are allowed.
func (p *Plan) Validate() error {
	if p == nil {
		return planError("", "plan is nil")
	}
	for i, step := range p.Steps {
		if strings.TrimSpace(step.Tool) == "" {
			return planError(fmt.Sprintf("steps[%d].tool", i), "tool is required")
		}
		onFail := step.OnFail
		if onFail == "" {
			onFail = OnFailAbort
		}
		if !onFail.Valid() {
			return planError(fmt.Sprintf("steps[%d].on_fail", i), fmt.Sprintf("unknown mode %q", step.OnFail))
		}
	}
	return nil
}

// InputDocument renders the plan as the plain JSON-compatible document fed
// to Rego evaluation (input.goal, input.steps[i].tool, ...).
func (p *Plan) InputDocument() map[string]any {
	steps := make([]any, len(p.Steps))
	for i, step := range p.Steps {
		args := make(map[string]any, len(step.Args))
		for key, v := range step.Args {
			args[key] = v.Interface()
		}
		onFail := step.OnFail
		if onFail == "" {
			onFail = OnFailAbort
		}
		steps[i] = map[string]any{
			"id":      step.ID,
			"tool":    step.Tool,
			"args":    args,
			"on_fail": string(onFail),
		}
	}
	return map[string]any{
		"goal":    p.Goal,
		"context": valueMap(p.Context),
		"steps":   steps,
		"meta":    valueMap(p.Meta),
	}
}

func valueMap(in map[string]Value) map[string]any {
	out := make(map[string]any, len(in))
	for key, v := range in {
		out[key] = v.Interface()
	}
	return out
}
