package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/plan-lint/pkg/policy"
)

// EmbeddedRunner evaluates with the OPA SDK in-process and renders the
// result in the same envelope `opa eval --format json` prints, so the
// bridge handles both runners identically.
type EmbeddedRunner struct {
	engine *policy.Engine
}

// NewEmbeddedRunner wraps engine; nil creates a private engine.
func NewEmbeddedRunner(engine *policy.Engine) *EmbeddedRunner {
	if engine == nil {
		engine = policy.NewEngine(policy.EngineOptions{})
	}
	return &EmbeddedRunner{engine: engine}
}

type evalEnvelope struct {
	Result rego.ResultSet `json:"result,omitempty"`
}

// Run evaluates inv. Evaluation errors are reported like the CLI does:
// exit code 1 with the message on stderr.
func (r *EmbeddedRunner) Run(ctx context.Context, inv Invocation) (Output, error) {
	var input any
	dec := json.NewDecoder(bytes.NewReader(inv.Input))
	dec.UseNumber()
	if err := dec.Decode(&input); err != nil {
		return Output{}, newEvaluatorError(ReasonInvalidInput, fmt.Errorf("decode input: %w", err))
	}

	results, err := r.engine.Eval(ctx, inv.Module, input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{}, newEvaluatorError(ReasonTimeout, fmt.Errorf("%w: %v", ErrTimeout, ctxErr))
		}
		return Output{Stderr: []byte(err.Error()), ExitCode: 1}, nil
	}

	stdout, err := json.Marshal(evalEnvelope{Result: results})
	if err != nil {
		return Output{}, newEvaluatorError(ReasonMalformed, fmt.Errorf("encode result: %w", err))
	}
	return Output{Stdout: stdout, ExitCode: 0}, nil
}
