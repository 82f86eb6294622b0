// Package web provides HTTP handlers and REST API endpoints for execution
// and approval management.
package web

import "github.com/stewardhq/steward/pkg/models"

// CreateDefinitionRequest is the request body for registering a workflow
// definition.
type CreateDefinitionRequest struct {
	ID          string                 `json:"id"          validate:"required"`
	Name        string                 `json:"name"        validate:"required,min=3"`
	Description string                 `json:"description"`
	Version     int                    `json:"version"`
	Steps       []*models.WorkflowStep `json:"steps"       validate:"required,min=1,dive"`
	Variables   map[string]any         `json:"variables,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
}

// StartExecutionRequest is the request body for starting a workflow execution.
type StartExecutionRequest struct {
	WorkflowID  string         `json:"workflow_id"  validate:"required"`
	ProjectID   string         `json:"project_id"   validate:"required"`
	ContextData map[string]any `json:"context_data,omitempty"`
}

// TransitionRequest carries the operator-supplied reason for a pause or
// cancel transition.
type TransitionRequest struct {
	Reason string `json:"reason"`
}

// RespondApprovalRequest is the request body for answering a pending approval.
type RespondApprovalRequest struct {
	Action         models.ApprovalAction `json:"action"    validate:"required,oneof=approve reject amend"`
	Responder      string                `json:"responder" validate:"required"`
	Comment        string                `json:"comment"`
	AmendedContent map[string]any        `json:"amended_content,omitempty"`
}

// CreateStopRequest is the request body for raising an emergency stop.
type CreateStopRequest struct {
	ProjectID     string   `json:"project_id"`
	AgentType     string   `json:"agent_type"`
	Reason        string   `json:"reason" validate:"required"`
	CancelTaskIDs []string `json:"cancel_task_ids,omitempty"`
}
