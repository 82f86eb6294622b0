// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates no workflow definition exists for the given identifier.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrApprovalNotFound indicates an approval request was not found by the given identifier.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrStopNotFound indicates an emergency stop record was not found.
	ErrStopNotFound = errors.New("emergency stop not found")

	// ErrBudgetNotFound indicates no budget control exists for the given scope.
	ErrBudgetNotFound = errors.New("budget control not found")
)

// ExecutionError wraps execution storage errors with operation context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "GetByID", "Save")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution storage error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// ApprovalError wraps approval storage errors with operation context.
type ApprovalError struct {
	Op         string
	ApprovalID string
	Err        error
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("%s operation failed for approval %s: %v", e.Op, e.ApprovalID, e.Err)
}

func (e *ApprovalError) Unwrap() error {
	return e.Err
}

func (e *ApprovalError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewApprovalError creates a new approval storage error with context.
func NewApprovalError(op, approvalID string, err error) *ApprovalError {
	return &ApprovalError{Op: op, ApprovalID: approvalID, Err: err}
}

// IsDefinitionNotFound checks if an error indicates a missing workflow definition.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsExecutionNotFound checks if an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsApprovalNotFound checks if an error indicates a missing approval request.
func IsApprovalNotFound(err error) bool {
	return errors.Is(err, ErrApprovalNotFound)
}

// IsStopNotFound checks if an error indicates a missing emergency stop record.
func IsStopNotFound(err error) bool {
	return errors.Is(err, ErrStopNotFound)
}
