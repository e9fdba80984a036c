package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlanDefaultsOnFail(t *testing.T) {
	plan, err := ParsePlan([]byte(`{
		"goal": "g",
		"steps": [
			{"id": "a", "tool": "sql.query", "args": {"limit": 10}},
			{"id": "b", "tool": "api.call", "args": {}, "on_fail": "retry"}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, OnFailAbort, plan.Steps[0].OnFail)
	assert.Equal(t, OnFailRetry, plan.Steps[1].OnFail)
	assert.NoError(t, plan.Validate())
}

func TestParsePlanMalformed(t *testing.T) {
	_, err := ParsePlan([]byte(`{"steps": [`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlanInvalid))
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    *Plan
		wantErr string
	}{
		{name: "nil", plan: nil, wantErr: "plan is nil"},
		{name: "empty steps", plan: &Plan{}},
		{
			name:    "missing tool",
			plan:    &Plan{Steps: []PlanStep{{ID: "a", Tool: " "}}},
			wantErr: "steps[0].tool",
		},
		{
			name:    "unknown on_fail",
			plan:    &Plan{Steps: []PlanStep{{ID: "a", Tool: "t", OnFail: "explode"}}},
			wantErr: "steps[0].on_fail",
		},
		{
			name: "duplicate ids allowed",
			plan: &Plan{Steps: []PlanStep{{ID: "a", Tool: "t"}, {ID: "a", Tool: "u"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPlanInvalid))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInputDocument(t *testing.T) {
	plan := &Plan{
		Goal: "g",
		Steps: []PlanStep{
			{ID: "s1", Tool: "sql.query", Args: map[string]Value{"limit": Number(3)}},
		},
	}

	doc := plan.InputDocument()
	assert.Equal(t, "g", doc["goal"])
	assert.Equal(t, map[string]any{}, doc["context"])

	steps := doc["steps"].([]any)
	require.Len(t, steps, 1)
	step := steps[0].(map[string]any)
	assert.Equal(t, "sql.query", step["tool"])
	assert.Equal(t, "abort", step["on_fail"])
	assert.Equal(t, map[string]any{"limit": 3.0}, step["args"])
}
