package domain

import "errors"

// Common domain errors
var (
	ErrPolicyInvalid = errors.New("invalid policy")
	ErrPlanInvalid   = errors.New("invalid plan")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Field   string
	Message string
}

func (e *DomainError) Error() string {
	if e.Field != "" {
		return e.Err.Error() + ": " + e.Field + ": " + e.Message
	}
	return e.Err.Error() + ": " + e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func policyError(field, message string) error {
	return &DomainError{Err: ErrPolicyInvalid, Field: field, Message: message}
}

func planError(field, message string) error {
	return &DomainError{Err: ErrPlanInvalid, Field: field, Message: message}
}
