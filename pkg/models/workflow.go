package models

import "time"

// WorkflowDefinition is an immutable, ordered description of the agent steps a
// delivery workflow runs. Executions reference definitions by ID; a definition
// is never mutated once executions exist for it.
type WorkflowDefinition struct {
	ID          string          `json:"id"          validate:"required"`
	Name        string          `json:"name"        validate:"required,min=3"`
	Description string          `json:"description"`
	Version     int             `json:"version"`
	Steps       []*WorkflowStep `json:"steps"       validate:"required,min=1,dive"`
	Variables   map[string]any  `json:"variables,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WorkflowStep is one unit of agent work, identified by its index in the
// definition's step sequence.
type WorkflowStep struct {
	ID               string         `json:"id"                validate:"required"`
	Name             string         `json:"name"              validate:"required"`
	AgentType        string         `json:"agent_type"        validate:"required"`
	Instructions     string         `json:"instructions"      validate:"required"`
	Configuration    map[string]any `json:"configuration,omitempty"`
	EstimatedTokens  int            `json:"estimated_tokens"`
	RequiresApproval bool           `json:"requires_approval"`
	ParallelGroup    string         `json:"parallel_group,omitempty"`
	Enabled          bool           `json:"enabled"`
}

// ParallelSiblings returns the indices of the contiguous run of steps sharing
// the same non-empty parallel group as the step at index start.
func (d *WorkflowDefinition) ParallelSiblings(start int) []int {
	if start < 0 || start >= len(d.Steps) {
		return nil
	}

	group := d.Steps[start].ParallelGroup
	if group == "" {
		return []int{start}
	}

	indices := []int{start}
	for i := start + 1; i < len(d.Steps); i++ {
		if d.Steps[i].ParallelGroup != group {
			break
		}

		indices = append(indices, i)
	}

	return indices
}
