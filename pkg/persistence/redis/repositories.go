package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	redis "github.com/redis/go-redis/v9"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

// casStatusScript transitions the status field only when it still holds the
// expected value, making concurrent responders race on a single atomic step.
var casStatusScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], ARGV[1])
	if current == false then
		return -1
	end
	if current ~= ARGV[2] then
		return 0
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	return 1
`)

func putRecord(ctx context.Context, client redis.UniversalClient, key, id string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", id, err)
	}

	err = client.HSet(ctx, key, id, data).Err()
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", id, err)
	}

	return nil
}

func getRecord(ctx context.Context, client redis.UniversalClient, key, id string, target any) (bool, error) {
	data, err := client.HGet(ctx, key, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}

		return false, fmt.Errorf("failed to fetch record %s: %w", id, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}

	return true, nil
}

func listRecords[T any](ctx context.Context, client redis.UniversalClient, key string, match func(*T) bool) ([]*T, error) {
	entries, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	records := make([]*T, 0, len(entries))

	for id, data := range entries {
		record := new(T)
		if err := json.Unmarshal([]byte(data), record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
		}

		if match == nil || match(record) {
			records = append(records, record)
		}
	}

	return records, nil
}

// DefinitionRepository stores workflow definitions in a Redis hash.
type DefinitionRepository struct {
	client redis.UniversalClient
}

func (r *DefinitionRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	defs, err := listRecords[models.WorkflowDefinition](ctx, r.client, definitionsKey, nil)
	if err != nil {
		return nil, err
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})

	return defs, nil
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	found, err := getRecord(ctx, r.client, definitionsKey, id, &def)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrDefinitionNotFound
	}

	return &def, nil
}

func (r *DefinitionRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	return putRecord(ctx, r.client, definitionsKey, def.ID, def)
}

func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	removed, err := r.client.HDel(ctx, definitionsKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete definition %s: %w", id, err)
	}

	if removed == 0 {
		return persistence.ErrDefinitionNotFound
	}

	return nil
}

// ExecutionRepository stores workflow executions in a Redis hash.
type ExecutionRepository struct {
	client redis.UniversalClient
}

func (r *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	return putRecord(ctx, r.client, executionsKey, execution.ID, execution)
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution

	found, err := getRecord(ctx, r.client, executionsKey, id, &execution)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrExecutionNotFound
	}

	return &execution, nil
}

func (r *ExecutionRepository) ListByProject(ctx context.Context, projectID string) ([]*models.WorkflowExecution, error) {
	executions, err := listRecords(ctx, r.client, executionsKey, func(e *models.WorkflowExecution) bool {
		return e.ProjectID == projectID
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})

	return executions, nil
}

// ApprovalRepository stores approval requests in a Redis hash. The status
// field is mirrored into a dedicated hash; that mirror is the authority and
// overrides the blob's status on read.
type ApprovalRepository struct {
	client redis.UniversalClient
}

func (r *ApprovalRepository) Save(ctx context.Context, approval *models.ApprovalRequest) error {
	if err := putRecord(ctx, r.client, approvalsKey, approval.ID, approval); err != nil {
		return err
	}

	err := r.client.HSet(ctx, approvalStatusKey, approval.ID, string(approval.Status)).Err()
	if err != nil {
		return fmt.Errorf("failed to store approval status %s: %w", approval.ID, err)
	}

	return nil
}

func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var approval models.ApprovalRequest

	found, err := getRecord(ctx, r.client, approvalsKey, id, &approval)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrApprovalNotFound
	}

	status, err := r.client.HGet(ctx, approvalStatusKey, id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to fetch approval status %s: %w", id, err)
	}

	if status != "" {
		approval.Status = models.ApprovalStatus(status)
	}

	return &approval, nil
}

func (r *ApprovalRepository) ListPending(ctx context.Context, projectID string) ([]*models.ApprovalRequest, error) {
	return r.listPending(ctx, func(a *models.ApprovalRequest) bool {
		return projectID == "" || a.ProjectID == projectID
	})
}

func (r *ApprovalRepository) ListPendingByTask(ctx context.Context, taskID string) ([]*models.ApprovalRequest, error) {
	return r.listPending(ctx, func(a *models.ApprovalRequest) bool {
		return a.TaskID == taskID
	})
}

func (r *ApprovalRepository) listPending(ctx context.Context, match func(*models.ApprovalRequest) bool) ([]*models.ApprovalRequest, error) {
	statuses, err := r.client.HGetAll(ctx, approvalStatusKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list approval statuses: %w", err)
	}

	approvals, err := listRecords(ctx, r.client, approvalsKey, func(a *models.ApprovalRequest) bool {
		if status, ok := statuses[a.ID]; ok {
			a.Status = models.ApprovalStatus(status)
		}

		return a.Status == models.ApprovalStatusPending && match(a)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})

	return approvals, nil
}

func (r *ApprovalRepository) CompareAndSetStatus(ctx context.Context, id string, expected, next models.ApprovalStatus) (bool, error) {
	won, err := casStatusScript.Run(ctx, r.client,
		[]string{approvalStatusKey}, id, string(expected), string(next)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-set approval status %s: %w", id, err)
	}

	if won == -1 {
		return false, persistence.ErrApprovalNotFound
	}

	return won == 1, nil
}

// BudgetRepository stores budget controls in a Redis hash keyed by
// "project:agent".
type BudgetRepository struct {
	client redis.UniversalClient
}

func (r *BudgetRepository) Save(ctx context.Context, control *models.BudgetControl) error {
	return putRecord(ctx, r.client, budgetsKey, control.Key(), control)
}

func (r *BudgetRepository) GetByKey(ctx context.Context, projectID, agentType string) (*models.BudgetControl, error) {
	var control models.BudgetControl

	found, err := getRecord(ctx, r.client, budgetsKey, models.BudgetKey(projectID, agentType), &control)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	return &control, nil
}

func (r *BudgetRepository) GetAll(ctx context.Context) ([]*models.BudgetControl, error) {
	controls, err := listRecords[models.BudgetControl](ctx, r.client, budgetsKey, nil)
	if err != nil {
		return nil, err
	}

	sort.Slice(controls, func(i, j int) bool {
		return controls[i].Key() < controls[j].Key()
	})

	return controls, nil
}

// StopRepository stores emergency stop records in a Redis hash.
type StopRepository struct {
	client redis.UniversalClient
}

func (r *StopRepository) Save(ctx context.Context, stop *models.EmergencyStop) error {
	return putRecord(ctx, r.client, stopsKey, stop.ID, stop)
}

func (r *StopRepository) GetByID(ctx context.Context, id string) (*models.EmergencyStop, error) {
	var stop models.EmergencyStop

	found, err := getRecord(ctx, r.client, stopsKey, id, &stop)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrStopNotFound
	}

	return &stop, nil
}

func (r *StopRepository) ListActive(ctx context.Context) ([]*models.EmergencyStop, error) {
	stops, err := listRecords(ctx, r.client, stopsKey, func(s *models.EmergencyStop) bool {
		return s.Active
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(stops, func(i, j int) bool {
		return stops[i].CreatedAt.Before(stops[j].CreatedAt)
	})

	return stops, nil
}
