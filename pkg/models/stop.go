package models

import "time"

// StopTrigger identifies what raised an emergency stop.
type StopTrigger string

const (
	StopTriggeredByUser   StopTrigger = "user"
	StopTriggeredByBudget StopTrigger = "budget"
	StopTriggeredByError  StopTrigger = "error"
)

// EmergencyStop is a scoped kill-switch. An empty ProjectID matches every
// project and an empty AgentType matches every agent type; while active the
// stop vetoes new approvals and step starts within its scope.
type EmergencyStop struct {
	ID            string      `json:"id"          validate:"required"`
	ProjectID     string      `json:"project_id,omitempty"`
	AgentType     string      `json:"agent_type,omitempty"`
	Reason        string      `json:"reason"      validate:"required"`
	TriggeredBy   StopTrigger `json:"triggered_by"`
	Active        bool        `json:"active"`
	CreatedAt     time.Time   `json:"created_at"`
	DeactivatedAt *time.Time  `json:"deactivated_at,omitempty"`
}

// Matches reports whether the stop's scope covers the given project and agent
// type. Empty scope fields are wildcards.
func (s *EmergencyStop) Matches(projectID, agentType string) bool {
	if !s.Active {
		return false
	}

	if s.ProjectID != "" && projectID != "" && s.ProjectID != projectID {
		return false
	}

	if s.AgentType != "" && agentType != "" && s.AgentType != agentType {
		return false
	}

	return true
}
