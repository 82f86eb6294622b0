// Package persistence provides the data storage abstraction layer for
// executions, approvals, budgets and emergency stops.
package persistence

import (
	"context"

	"github.com/stewardhq/steward/pkg/models"
)

// Persistence is the minimal storage contract for the orchestrator. Any store
// satisfying it (relational, document, or in-memory for tests) is acceptable.
type Persistence interface {
	Definitions() DefinitionRepository
	Executions() ExecutionRepository
	Approvals() ApprovalRepository
	Budgets() BudgetRepository
	Stops() StopRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores immutable workflow definitions.
type DefinitionRepository interface {
	GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error)
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Save(ctx context.Context, def *models.WorkflowDefinition) error
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository stores workflow execution records. Save is a full-record
// write; callers serialize writes per execution ID.
type ExecutionRepository interface {
	Save(ctx context.Context, execution *models.WorkflowExecution) error
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	ListByProject(ctx context.Context, projectID string) ([]*models.WorkflowExecution, error)
}

// ApprovalRepository stores approval requests. CompareAndSetStatus is the
// storage-level arbiter for concurrent responses: it transitions the status
// only when the stored value still equals expected, and reports whether this
// caller won.
type ApprovalRepository interface {
	Save(ctx context.Context, approval *models.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ListPending(ctx context.Context, projectID string) ([]*models.ApprovalRequest, error)
	ListPendingByTask(ctx context.Context, taskID string) ([]*models.ApprovalRequest, error)
	CompareAndSetStatus(ctx context.Context, id string, expected, next models.ApprovalStatus) (bool, error)
}

// BudgetRepository stores budget controls keyed by (project, agent type).
// GetByKey returns nil without error when no control exists yet.
type BudgetRepository interface {
	Save(ctx context.Context, control *models.BudgetControl) error
	GetByKey(ctx context.Context, projectID, agentType string) (*models.BudgetControl, error)
	GetAll(ctx context.Context) ([]*models.BudgetControl, error)
}

// StopRepository stores emergency stop records.
type StopRepository interface {
	Save(ctx context.Context, stop *models.EmergencyStop) error
	GetByID(ctx context.Context, id string) (*models.EmergencyStop, error)
	ListActive(ctx context.Context) ([]*models.EmergencyStop, error)
}
