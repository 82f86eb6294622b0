// Package models defines the core domain models for HITL-gated agent workflow orchestration.
package models

import "time"

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepResult records the outcome of one agent step within an execution.
type StepResult struct {
	StepIndex       int            `json:"step_index"`
	StepID          string         `json:"step_id"`
	AgentType       string         `json:"agent_type"`
	Success         bool           `json:"success"`
	Output          map[string]any `json:"output,omitempty"`
	DeclaredOutputs map[string]any `json:"declared_outputs,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorType       string         `json:"error_type,omitempty"`
	TokensUsed      int            `json:"tokens_used"`
	Confidence      float64        `json:"confidence"`
	SafetyViolation bool           `json:"safety_violation"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at"`
	DurationMs      int64          `json:"duration_ms"`
}

// WorkflowExecution tracks one run of a workflow definition through its state machine.
//
// All mutation goes through the workflow executor; step results are appended
// in scheduling order and CurrentStepIndex only ever increases.
type WorkflowExecution struct {
	ID               string          `json:"id"                 validate:"required"`
	ProjectID        string          `json:"project_id"         validate:"required"`
	WorkflowID       string          `json:"workflow_id"        validate:"required"`
	Status           ExecutionStatus `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	TotalSteps       int             `json:"total_steps"`
	ContextData      map[string]any  `json:"context_data,omitempty"`
	StepResults      []StepResult    `json:"step_results"`
	PausedReason     string          `json:"paused_reason,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	PausedAt         *time.Time      `json:"paused_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the execution reached a terminal state.
func (e *WorkflowExecution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// MergeContext merges overrides into the execution's context data, last write wins.
func (e *WorkflowExecution) MergeContext(override map[string]any) {
	if len(override) == 0 {
		return
	}

	if e.ContextData == nil {
		e.ContextData = make(map[string]any, len(override))
	}

	for k, v := range override {
		e.ContextData[k] = v
	}
}
