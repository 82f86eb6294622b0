package models

import "time"

// ApprovalStatus represents the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusAmended  ApprovalStatus = "amended"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// IsTerminal reports whether the status permits no further responses.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalStatusPending
}

// ApprovalAction is a human decision applied to a pending approval request.
type ApprovalAction string

const (
	ApprovalActionApprove ApprovalAction = "approve"
	ApprovalActionReject  ApprovalAction = "reject"
	ApprovalActionAmend   ApprovalAction = "amend"
)

// StatusFor maps the action to the terminal status it produces.
func (a ApprovalAction) StatusFor() (ApprovalStatus, bool) {
	switch a {
	case ApprovalActionApprove:
		return ApprovalStatusApproved, true
	case ApprovalActionReject:
		return ApprovalStatusRejected, true
	case ApprovalActionAmend:
		return ApprovalStatusAmended, true
	default:
		return "", false
	}
}

// ApprovalHistoryEntry records one response attempt on an approval request.
type ApprovalHistoryEntry struct {
	Action    ApprovalAction `json:"action"`
	Responder string         `json:"responder"`
	Comment   string         `json:"comment,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ApprovalRequest is a persisted human-in-the-loop checkpoint. Exactly one
// response is ever applied per request; races between responders are resolved
// by a compare-and-set on Status at the storage layer.
type ApprovalRequest struct {
	ID              string                 `json:"id"               validate:"required"`
	ProjectID       string                 `json:"project_id"       validate:"required"`
	TaskID          string                 `json:"task_id"          validate:"required"`
	AgentType       string                 `json:"agent_type"       validate:"required"`
	RequestType     string                 `json:"request_type"     validate:"required"`
	RequestData     map[string]any         `json:"request_data"     validate:"required"`
	EstimatedTokens int                    `json:"estimated_tokens"`
	EstimatedCost   float64                `json:"estimated_cost"`
	Status          ApprovalStatus         `json:"status"`
	UserResponse    string                 `json:"user_response,omitempty"`
	UserComment     string                 `json:"user_comment,omitempty"`
	AmendedContent  map[string]any         `json:"amended_content,omitempty"`
	History         []ApprovalHistoryEntry `json:"history,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	ExpiresAt       time.Time              `json:"expires_at"`
	RespondedAt     *time.Time             `json:"responded_at,omitempty"`
}

// ApprovalResult is the outcome surfaced to a caller waiting on a request.
type ApprovalResult struct {
	ApprovalID     string         `json:"approval_id"`
	Approved       bool           `json:"approved"`
	Response       string         `json:"response"`
	Comment        string         `json:"comment,omitempty"`
	AmendedContent map[string]any `json:"amended_content,omitempty"`
}
