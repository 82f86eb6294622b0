package models

import "time"

// BudgetControl tracks token consumption for one (project, agent type) pair
// against daily and session caps. Daily counters reset the first time the
// control is touched on a new calendar day.
type BudgetControl struct {
	ProjectID            string    `json:"project_id" validate:"required"`
	AgentType            string    `json:"agent_type" validate:"required"`
	TokensUsedToday      int       `json:"tokens_used_today"`
	TokensUsedSession    int       `json:"tokens_used_session"`
	DailyTokenLimit      int       `json:"daily_token_limit"`
	SessionTokenLimit    int       `json:"session_token_limit"`
	BudgetResetAt        time.Time `json:"budget_reset_at"`
	EmergencyStopEnabled bool      `json:"emergency_stop_enabled"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Key returns the storage key for the (project, agent type) pair.
func (b *BudgetControl) Key() string {
	return BudgetKey(b.ProjectID, b.AgentType)
}

// BudgetKey builds the storage key for a (project, agent type) pair.
func BudgetKey(projectID, agentType string) string {
	return projectID + ":" + agentType
}

// DailyUsedPercent returns today's usage as a percentage of the daily limit.
func (b *BudgetControl) DailyUsedPercent() float64 {
	if b.DailyTokenLimit <= 0 {
		return 0
	}

	return float64(b.TokensUsedToday) / float64(b.DailyTokenLimit) * 100
}

// SessionUsedPercent returns session usage as a percentage of the session limit.
func (b *BudgetControl) SessionUsedPercent() float64 {
	if b.SessionTokenLimit <= 0 {
		return 0
	}

	return float64(b.TokensUsedSession) / float64(b.SessionTokenLimit) * 100
}

// BudgetStatus is a read-only usage snapshot served to operators and to the
// HITL trigger policy.
type BudgetStatus struct {
	ProjectID          string  `json:"project_id"`
	AgentType          string  `json:"agent_type"`
	TokensUsedToday    int     `json:"tokens_used_today"`
	TokensUsedSession  int     `json:"tokens_used_session"`
	DailyTokenLimit    int     `json:"daily_token_limit"`
	SessionTokenLimit  int     `json:"session_token_limit"`
	DailyUsedPercent   float64 `json:"daily_used_percent"`
	SessionUsedPercent float64 `json:"session_used_percent"`
	EmergencyStopped   bool    `json:"emergency_stopped"`
}
