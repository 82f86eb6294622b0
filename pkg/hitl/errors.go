// Package hitl implements the human-in-the-loop safety gate: approval
// requests, human responses, and the emergency stop registry.
package hitl

import "errors"

var (
	// ErrInvalidRequest indicates an approval request is missing required fields.
	ErrInvalidRequest = errors.New("invalid approval request")

	// ErrAlreadyResponded indicates the approval request already left the pending state.
	ErrAlreadyResponded = errors.New("approval request already responded")

	// ErrApprovalTimeout indicates no response arrived before the wait deadline.
	ErrApprovalTimeout = errors.New("approval request timed out")

	// ErrEmergencyStopActive indicates a matching emergency stop pre-empted the operation.
	ErrEmergencyStopActive = errors.New("emergency stop active")

	// ErrAgentExecutionDenied indicates a human declined the work before it started.
	ErrAgentExecutionDenied = errors.New("agent execution denied by reviewer")
)

// IsInvalidRequest checks if an error indicates a malformed approval request.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsAlreadyResponded checks if an error indicates a lost response race.
func IsAlreadyResponded(err error) bool {
	return errors.Is(err, ErrAlreadyResponded)
}

// IsApprovalTimeout checks if an error indicates an expired approval wait.
func IsApprovalTimeout(err error) bool {
	return errors.Is(err, ErrApprovalTimeout)
}

// IsEmergencyStopActive checks if an error indicates an emergency stop pre-emption.
func IsEmergencyStopActive(err error) bool {
	return errors.Is(err, ErrEmergencyStopActive)
}
