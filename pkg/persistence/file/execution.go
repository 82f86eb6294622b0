package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

const executionsDir = "executions"

// ExecutionRepository handles execution record file operations.
type ExecutionRepository struct {
	root  string
	locks *keyLocks
}

func (er *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	if err := validateID(execution.ID); err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	lock := er.locks.forKey("execution:" + execution.ID)
	lock.Lock()
	defer lock.Unlock()

	toSave := *execution
	if toSave.ContextData == nil {
		toSave.ContextData = make(map[string]any)
	}

	if toSave.StepResults == nil {
		toSave.StepResults = []models.StepResult{}
	}

	err := writeRecord(er.root, executionsDir, execution.ID, &toSave)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution

	err := readRecord(er.root, executionsDir, id, &execution)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return &execution, nil
}

func (er *ExecutionRepository) ListByProject(ctx context.Context, projectID string) ([]*models.WorkflowExecution, error) {
	var executions []*models.WorkflowExecution

	err := listRecords(er.root, executionsDir, func(data []byte) error {
		var execution models.WorkflowExecution
		if err := json.Unmarshal(data, &execution); err != nil {
			return fmt.Errorf("failed to unmarshal execution: %w", err)
		}

		if projectID == "" || execution.ProjectID == projectID {
			executions = append(executions, &execution)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return executions, nil
}
