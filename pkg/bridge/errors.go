package bridge

import (
	"errors"
	"fmt"
)

// Reason classifies why an external evaluation could not produce a verdict.
type Reason string

const (
	ReasonNotFound       Reason = "not_found"
	ReasonInvalidSource  Reason = "invalid_source"
	ReasonInvalidInput   Reason = "invalid_input"
	ReasonTimeout        Reason = "timeout"
	ReasonExit           Reason = "exit_status"
	ReasonSpawn          Reason = "spawn"
	ReasonMalformed      Reason = "malformed_output"
	ReasonEvaluatorError Reason = "evaluator_error"
)

// Sentinel errors for evaluator failures
var (
	// ErrExecutableNotFound indicates the OPA binary is not installed or not on PATH
	ErrExecutableNotFound = errors.New("OPA executable not found")

	// ErrTimeout indicates the evaluator did not finish within the configured timeout
	ErrTimeout = errors.New("OPA evaluation timed out")

	// ErrMalformedOutput indicates the evaluator output could not be decoded
	ErrMalformedOutput = errors.New("malformed OPA output")
)

// EvaluatorError describes a failed external evaluation.
type EvaluatorError struct {
	Reason   Reason
	Err      error
	ExitCode int
	Stderr   string
}

func (e *EvaluatorError) Error() string {
	msg := e.Err.Error()
	if e.Reason == ReasonExit {
		msg = fmt.Sprintf("%s (exit status %d)", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *EvaluatorError) Unwrap() error {
	return e.Err
}

func newEvaluatorError(reason Reason, err error) *EvaluatorError {
	return &EvaluatorError{Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason from err, defaulting to
// ReasonEvaluatorError.
func ReasonOf(err error) Reason {
	var evalErr *EvaluatorError
	if errors.As(err, &evalErr) {
		return evalErr.Reason
	}
	return ReasonEvaluatorError
}

// IsExecutableNotFound checks if the error indicates the OPA binary is missing
func IsExecutableNotFound(err error) bool {
	return errors.Is(err, ErrExecutableNotFound)
}
