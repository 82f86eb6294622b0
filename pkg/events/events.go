// Package events defines event types and structures for execution, approval
// and safety lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/stewardhq/steward/pkg/models"
)

type EventType string

// Topic carries every steward lifecycle event.
const Topic = "steward.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution lifecycle events.
	ExecutionStartedEvent       EventType = "execution.started"
	ExecutionStepCompletedEvent EventType = "execution.step.completed"
	ExecutionPausedEvent        EventType = "execution.paused"
	ExecutionResumedEvent       EventType = "execution.resumed"
	ExecutionCompletedEvent     EventType = "execution.completed"
	ExecutionFailedEvent        EventType = "execution.failed"
	ExecutionCancelledEvent     EventType = "execution.cancelled"

	// Approval lifecycle events.
	ApprovalRequestedEvent EventType = "approval.requested"
	ApprovalRespondedEvent EventType = "approval.responded"
	ApprovalExpiredEvent   EventType = "approval.expired"

	// Safety events.
	EmergencyStopTriggeredEvent   EventType = "emergency_stop.triggered"
	EmergencyStopDeactivatedEvent EventType = "emergency_stop.deactivated"
	BudgetWarningEvent            EventType = "budget.warning"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ProjectID string         `json:"project_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent builds the common envelope for an event.
func NewBaseEvent(eventType EventType, projectID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ProjectID: projectID,
	}
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	TotalSteps  int    `json:"total_steps"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionStepCompleted struct {
	BaseEvent

	ExecutionID string            `json:"execution_id"`
	StepIndex   int               `json:"step_index"`
	StepID      string            `json:"step_id"`
	AgentType   string            `json:"agent_type"`
	Result      models.StepResult `json:"result"`
}

func (e ExecutionStepCompleted) GetType() EventType {
	return ExecutionStepCompletedEvent
}

type ExecutionPaused struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason"`
	ApprovalID  string `json:"approval_id,omitempty"`
}

func (e ExecutionPaused) GetType() EventType {
	return ExecutionPausedEvent
}

type ExecutionResumed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID string        `json:"execution_id"`
	WorkflowID  string        `json:"workflow_id"`
	Duration    time.Duration `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	StepIndex   int    `json:"step_index"`
	Error       string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

type ApprovalRequested struct {
	BaseEvent

	ApprovalID      string         `json:"approval_id"`
	TaskID          string         `json:"task_id"`
	AgentType       string         `json:"agent_type"`
	RequestType     string         `json:"request_type"`
	RequestData     map[string]any `json:"request_data,omitempty"`
	EstimatedTokens int            `json:"estimated_tokens"`
	EstimatedCost   float64        `json:"estimated_cost"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

func (e ApprovalRequested) GetType() EventType {
	return ApprovalRequestedEvent
}

type ApprovalResponded struct {
	BaseEvent

	ApprovalID     string                `json:"approval_id"`
	TaskID         string                `json:"task_id"`
	Action         models.ApprovalAction `json:"action"`
	Status         models.ApprovalStatus `json:"status"`
	Responder      string                `json:"responder"`
	Comment        string                `json:"comment,omitempty"`
	AmendedContent map[string]any        `json:"amended_content,omitempty"`
}

func (e ApprovalResponded) GetType() EventType {
	return ApprovalRespondedEvent
}

type ApprovalExpired struct {
	BaseEvent

	ApprovalID string `json:"approval_id"`
	TaskID     string `json:"task_id"`
}

func (e ApprovalExpired) GetType() EventType {
	return ApprovalExpiredEvent
}

type EmergencyStopTriggered struct {
	BaseEvent

	StopID         string             `json:"stop_id"`
	AgentType      string             `json:"agent_type,omitempty"`
	Reason         string             `json:"reason"`
	TriggeredBy    models.StopTrigger `json:"triggered_by"`
	CancelledTasks []string           `json:"cancelled_tasks,omitempty"`
}

func (e EmergencyStopTriggered) GetType() EventType {
	return EmergencyStopTriggeredEvent
}

type EmergencyStopDeactivated struct {
	BaseEvent

	StopID string `json:"stop_id"`
}

func (e EmergencyStopDeactivated) GetType() EventType {
	return EmergencyStopDeactivatedEvent
}

type BudgetWarning struct {
	BaseEvent

	AgentType          string  `json:"agent_type"`
	DailyUsedPercent   float64 `json:"daily_used_percent"`
	SessionUsedPercent float64 `json:"session_used_percent"`
}

func (e BudgetWarning) GetType() EventType {
	return BudgetWarningEvent
}
