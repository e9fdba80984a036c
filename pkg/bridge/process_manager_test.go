package bridge

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/plan-lint/pkg/domain"
	"github.com/polisai/plan-lint/pkg/policy"
)

// writeFakeOPA installs a shell script that records its arguments, stdin and
// environment next to itself and then runs body.
func writeFakeOPA(t *testing.T, body string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake evaluator is a POSIX shell script")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		"echo \"$@\" > \"" + dir + "/args\"\n" +
		"cat > \"" + dir + "/stdin\"\n" +
		"env > \"" + dir + "/env\"\n" +
		body + "\n"
	path := filepath.Join(dir, "opa")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path, dir
}

func compiledModule(t *testing.T) policy.Module {
	t.Helper()
	module, err := policy.ParseModule("compiled.rego", policy.Compile(scenarioPolicy()))
	require.NoError(t, err)
	return module
}

func TestProcessRunnerRunsEval(t *testing.T) {
	path, dir := writeFakeOPA(t, `echo '{"result": []}'`)
	runner := NewProcessRunner(path, nil, nil)

	out, err := runner.Run(context.Background(), Invocation{Module: compiledModule(t), Input: []byte(`{"steps": []}`)})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.JSONEq(t, `{"result": []}`, string(out.Stdout))

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	fields := strings.Fields(string(args))
	require.Len(t, fields, 7)
	assert.Equal(t, []string{"eval", "--format", "json", "--stdin-input", "--data"}, fields[:5])
	assert.True(t, strings.HasSuffix(fields[5], "policy.rego"))
	assert.Equal(t, "data.planlint", fields[6])

	stdin, err := os.ReadFile(filepath.Join(dir, "stdin"))
	require.NoError(t, err)
	assert.Equal(t, `{"steps": []}`, string(stdin))

	_, err = os.Stat(fields[5])
	assert.True(t, os.IsNotExist(err), "policy temp file is removed")
}

func TestProcessRunnerV0Flag(t *testing.T) {
	path, dir := writeFakeOPA(t, `echo '{}'`)
	module, err := policy.ParseModule("legacy.rego", "package legacy\n\nallow { true }\n")
	require.NoError(t, err)

	_, err = NewProcessRunner(path, nil, nil).Run(context.Background(), Invocation{Module: module, Input: []byte(`{}`)})
	require.NoError(t, err)

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--v0-compatible data.legacy")
}

func TestProcessRunnerExitCode(t *testing.T) {
	path, _ := writeFakeOPA(t, "echo 'rego_parse_error: unexpected' >&2\nexit 3")

	out, err := NewProcessRunner(path, nil, nil).Run(context.Background(), Invocation{Module: compiledModule(t), Input: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Contains(t, string(out.Stderr), "rego_parse_error")
}

func TestProcessRunnerTimeout(t *testing.T) {
	path, _ := writeFakeOPA(t, "sleep 5")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewProcessRunner(path, nil, nil).Run(ctx, Invocation{Module: compiledModule(t), Input: []byte(`{}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ReasonTimeout, ReasonOf(err))
}

func TestProcessRunnerMissingExecutable(t *testing.T) {
	_, err := NewProcessRunner(filepath.Join(t.TempDir(), "opa"), nil, nil).Run(context.Background(), Invocation{})
	require.Error(t, err)
	assert.True(t, IsExecutableNotFound(err))
	assert.Equal(t, ReasonNotFound, ReasonOf(err))
}

func TestBridgeWithProcessRunnerEndToEnd(t *testing.T) {
	decision := `{"result": [{"expressions": [{"value": {"allow": false, "violations": [` +
		`{"step": 0, "code": "TOOL_DENY", "msg": "Tool 'sql.query' is not allowed by policy"},` +
		`{"step": 1, "code": "RAW_SECRET", "msg": "Potentially sensitive data matching pattern 'AWS_SECRET' found in arguments"}` +
		`]}}]}]}`
	path, _ := writeFakeOPA(t, "echo '"+decision+"'")

	result := New(Config{Path: path}).Evaluate(context.Background(), scenarioPlan(), scenarioPolicy())
	assert.Equal(t, domain.StatusError, result.Status)
	assert.InDelta(t, 0.9, result.RiskScore, 1e-9)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, domain.KindToolDeny, result.Errors[0].Kind)
	assert.Equal(t, domain.KindRawSecret, result.Errors[1].Kind)
}

func TestProcessRunnerPropagatesTraceContext(t *testing.T) {
	path, dir := writeFakeOPA(t, `echo '{}'`)
	runner := NewProcessRunner(path, nil, NewEnvPropagator(propagation.TraceContext{}))

	_, err := runner.Run(traceContext(t), Invocation{Module: compiledModule(t), Input: []byte(`{}`)})
	require.NoError(t, err)

	env, err := os.ReadFile(filepath.Join(dir, "env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "TRACEPARENT=00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01")
}

func TestEnvPropagatorInjectsTraceparent(t *testing.T) {
	p := NewEnvPropagator(propagation.TraceContext{})

	env := p.InjectProcessEnv(traceContext(t), []string{"PATH=/bin", "HOME=/root"})
	assert.Equal(t, []string{
		"HOME=/root",
		"PATH=/bin",
		"TRACEPARENT=00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01",
	}, env)

	plain := p.InjectProcessEnv(context.Background(), []string{"PATH=/bin"})
	assert.Equal(t, []string{"PATH=/bin"}, plain)
}

func traceContext(t *testing.T) context.Context {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}
