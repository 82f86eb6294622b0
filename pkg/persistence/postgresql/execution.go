package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

// ExecutionRepository handles workflow execution database operations.
type ExecutionRepository struct {
	db *sql.DB
}

const executionColumns = `
			id
		  , project_id
		  , workflow_id
		  , status
		  , current_step_index
		  , total_steps
		  , context_data
		  , step_results
		  , paused_reason
		  , error_message
		  , created_at
		  , started_at
		  , paused_at
		  , completed_at`

func (r *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	contextJSON, err := json.Marshal(execution.ContextData)
	if err != nil {
		return fmt.Errorf("failed to marshal context data: %w", err)
	}

	resultsJSON, err := json.Marshal(execution.StepResults)
	if err != nil {
		return fmt.Errorf("failed to marshal step results: %w", err)
	}

	query := `
		INSERT INTO workflow_executions (id, project_id, workflow_id, status, current_step_index, total_steps,
			context_data, step_results, paused_reason, error_message, created_at, started_at, paused_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step_index = EXCLUDED.current_step_index,
			context_data = EXCLUDED.context_data,
			step_results = EXCLUDED.step_results,
			paused_reason = EXCLUDED.paused_reason,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			paused_at = EXCLUDED.paused_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.ProjectID,
		execution.WorkflowID,
		execution.Status,
		execution.CurrentStepIndex,
		execution.TotalSteps,
		contextJSON,
		resultsJSON,
		execution.PausedReason,
		execution.ErrorMessage,
		execution.CreatedAt,
		execution.StartedAt,
		execution.PausedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `SELECT` + executionColumns + `
		FROM workflow_executions
		WHERE id = $1
	`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan workflow execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListByProject(ctx context.Context, projectID string) ([]*models.WorkflowExecution, error) {
	query := `SELECT` + executionColumns + `
		FROM workflow_executions
		WHERE project_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row rowScanner) (*models.WorkflowExecution, error) {
	var (
		execution    models.WorkflowExecution
		contextJSON  []byte
		resultsJSON  []byte
		pausedReason sql.NullString
		errorMessage sql.NullString
		startedAt    sql.NullTime
		pausedAt     sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.ProjectID,
		&execution.WorkflowID,
		&execution.Status,
		&execution.CurrentStepIndex,
		&execution.TotalSteps,
		&contextJSON,
		&resultsJSON,
		&pausedReason,
		&errorMessage,
		&execution.CreatedAt,
		&startedAt,
		&pausedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalNullable(contextJSON, &execution.ContextData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context data: %w", err)
	}

	if err := json.Unmarshal(resultsJSON, &execution.StepResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
	}

	execution.PausedReason = pausedReason.String
	execution.ErrorMessage = errorMessage.String

	if startedAt.Valid {
		execution.StartedAt = &startedAt.Time
	}

	if pausedAt.Valid {
		execution.PausedAt = &pausedAt.Time
	}

	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}

	return &execution, nil
}
