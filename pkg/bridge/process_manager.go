package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/polisai/plan-lint/pkg/policy"
)

// DefaultExecutable is the evaluator binary looked up on PATH.
const DefaultExecutable = "opa"

// Invocation is a single evaluation handed to a Runner.
type Invocation struct {
	Module policy.Module
	// Input is the JSON-encoded plan document.
	Input []byte
}

// Output is what an evaluator produced. A non-zero ExitCode is not an error
// at this layer; the bridge interprets it.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes an evaluation.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Output, error)
}

// ProcessTracer defines the tracing interface needed by ProcessRunner
type ProcessTracer interface {
	InjectProcessEnv(ctx context.Context, env []string) []string
}

// ProcessRunner runs `opa eval` as a short-lived child process: the policy
// is written to a private temp file and the plan is streamed on stdin.
type ProcessRunner struct {
	path     string
	logger   *slog.Logger
	tracing  ProcessTracer
	lookPath func(string) (string, error)
}

// NewProcessRunner creates a runner for the executable at path (a bare name
// is resolved on PATH).
func NewProcessRunner(path string, logger *slog.Logger, tracing ProcessTracer) *ProcessRunner {
	if strings.TrimSpace(path) == "" {
		path = DefaultExecutable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{
		path:     path,
		logger:   logger,
		tracing:  tracing,
		lookPath: exec.LookPath,
	}
}

// Locate resolves the executable.
func (r *ProcessRunner) Locate() (string, error) {
	bin, err := r.lookPath(r.path)
	if err != nil {
		return "", newEvaluatorError(ReasonNotFound, fmt.Errorf("%w: %s", ErrExecutableNotFound, r.path))
	}
	return bin, nil
}

// Run spawns the evaluator and waits for it to exit or for ctx to expire.
func (r *ProcessRunner) Run(ctx context.Context, inv Invocation) (Output, error) {
	bin, err := r.Locate()
	if err != nil {
		return Output{}, err
	}

	dir, err := os.MkdirTemp("", "plan-lint-")
	if err != nil {
		return Output{}, newEvaluatorError(ReasonSpawn, fmt.Errorf("create temp dir: %w", err))
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.rego")
	if err := os.WriteFile(policyPath, []byte(inv.Module.Source), 0o600); err != nil {
		return Output{}, newEvaluatorError(ReasonSpawn, fmt.Errorf("write policy: %w", err))
	}

	args := []string{"eval", "--format", "json", "--stdin-input", "--data", policyPath}
	if inv.Module.V0() {
		args = append(args, "--v0-compatible")
	}
	args = append(args, inv.Module.Query)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(inv.Input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	env := os.Environ()
	if r.tracing != nil {
		env = r.tracing.InjectProcessEnv(ctx, env)
	}
	cmd.Env = env

	start := time.Now()
	runErr := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, newEvaluatorError(ReasonTimeout, fmt.Errorf("%w: %v", ErrTimeout, ctxErr))
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return out, newEvaluatorError(ReasonSpawn, fmt.Errorf("run %s: %w", bin, runErr))
		}
	}

	r.logger.DebugContext(ctx, "OPA process exited",
		"command", bin,
		"query", inv.Module.Query,
		"exit_code", out.ExitCode,
		"duration", time.Since(start),
	)
	return out, nil
}
