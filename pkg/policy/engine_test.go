package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/plan-lint/pkg/domain"
)

func scenarioInput() map[string]any {
	plan := &domain.Plan{Steps: []domain.PlanStep{
		{ID: "s1", Tool: "sql.query", Args: map[string]domain.Value{"can_write": domain.Bool(true)}},
		{ID: "s2", Tool: "api.call", Args: map[string]domain.Value{"auth_token": domain.String("AWS_SECRET_123")}},
	}}
	return plan.InputDocument()
}

func TestEngineEvalCompiledPolicy(t *testing.T) {
	module, err := ParseModule("compiled.rego", Compile(scenarioPolicy(t)))
	require.NoError(t, err)

	engine := NewEngine(EngineOptions{})
	results, err := engine.Eval(context.Background(), module, scenarioInput())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Expressions, 1)

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, doc["allow"])

	violations, ok := doc["violations"].([]any)
	require.True(t, ok)
	codes := map[string]int{}
	for _, item := range violations {
		codes[item.(map[string]any)["code"].(string)]++
	}
	assert.Equal(t, map[string]int{"TOOL_DENY": 1, "RAW_SECRET": 1}, codes)
}

func TestEngineCachesPreparedQueries(t *testing.T) {
	first, err := ParseModule("a.rego", "package a\n\nallow := true\n")
	require.NoError(t, err)
	second, err := ParseModule("b.rego", "package b\n\nallow := false\n")
	require.NoError(t, err)

	engine := NewEngine(EngineOptions{CacheMaxEntries: 1})
	ctx := context.Background()

	_, err = engine.Eval(ctx, first, map[string]any{})
	require.NoError(t, err)
	_, err = engine.Eval(ctx, first, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.cache.Len())

	results, err := engine.Eval(ctx, second, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.cache.Len())
	_, cached := engine.cache.Get(first.Digest + "\x00" + first.Query)
	assert.False(t, cached)
	assert.Equal(t, map[string]any{"allow": false}, results[0].Expressions[0].Value)

	engine.FlushCache()
	assert.Equal(t, 0, engine.cache.Len())
}

func TestEngineWithoutCache(t *testing.T) {
	module, err := ParseModule("a.rego", "package a\n\nallow := true\n")
	require.NoError(t, err)

	engine := NewEngine(EngineOptions{CacheMaxEntries: -1})
	assert.Nil(t, engine.cache)
	_, err = engine.Eval(context.Background(), module, nil)
	assert.NoError(t, err)
	engine.FlushCache()
}

func TestEngineRejectsUnparsedModule(t *testing.T) {
	_, err := NewEngine(EngineOptions{}).Eval(context.Background(), Module{Source: "package a"}, nil)
	assert.Error(t, err)
}

func TestEngineEvalV0Module(t *testing.T) {
	module, err := ParseModule("legacy.rego", "package legacy\n\nallow { input.ok == true }\n")
	require.NoError(t, err)
	require.True(t, module.V0())

	results, err := NewEngine(EngineOptions{}).Eval(context.Background(), module, map[string]any{"ok": true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, map[string]any{"allow": true}, results[0].Expressions[0].Value)
}
