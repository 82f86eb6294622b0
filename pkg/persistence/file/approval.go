package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

const approvalsDir = "approvals"

// ApprovalRepository handles approval request file operations. Status
// transitions go through CompareAndSetStatus, which holds the per-request
// lock across the read-check-write cycle so concurrent responders resolve to
// exactly one winner.
type ApprovalRepository struct {
	root  string
	locks *keyLocks
}

func (ar *ApprovalRepository) Save(ctx context.Context, approval *models.ApprovalRequest) error {
	if err := validateID(approval.ID); err != nil {
		return persistence.NewApprovalError("Save", approval.ID, err)
	}

	lock := ar.locks.forKey("approval:" + approval.ID)
	lock.Lock()
	defer lock.Unlock()

	err := writeRecord(ar.root, approvalsDir, approval.ID, approval)
	if err != nil {
		return persistence.NewApprovalError("Save", approval.ID, err)
	}

	return nil
}

func (ar *ApprovalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var approval models.ApprovalRequest

	err := readRecord(ar.root, approvalsDir, id, &approval)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrApprovalNotFound
		}

		return nil, persistence.NewApprovalError("GetByID", id, err)
	}

	return &approval, nil
}

func (ar *ApprovalRepository) ListPending(ctx context.Context, projectID string) ([]*models.ApprovalRequest, error) {
	return ar.list(func(approval *models.ApprovalRequest) bool {
		if approval.Status != models.ApprovalStatusPending {
			return false
		}

		return projectID == "" || approval.ProjectID == projectID
	})
}

func (ar *ApprovalRepository) ListPendingByTask(ctx context.Context, taskID string) ([]*models.ApprovalRequest, error) {
	return ar.list(func(approval *models.ApprovalRequest) bool {
		return approval.Status == models.ApprovalStatusPending && approval.TaskID == taskID
	})
}

// CompareAndSetStatus transitions the request's status from expected to next.
// It returns false when the stored status no longer equals expected, which is
// how a losing responder observes that another response already won.
func (ar *ApprovalRepository) CompareAndSetStatus(ctx context.Context, id string, expected, next models.ApprovalStatus) (bool, error) {
	lock := ar.locks.forKey("approval:" + id)
	lock.Lock()
	defer lock.Unlock()

	var approval models.ApprovalRequest

	err := readRecord(ar.root, approvalsDir, id, &approval)
	if err != nil {
		if os.IsNotExist(err) {
			return false, persistence.ErrApprovalNotFound
		}

		return false, persistence.NewApprovalError("CompareAndSetStatus", id, err)
	}

	if approval.Status != expected {
		return false, nil
	}

	approval.Status = next

	err = writeRecord(ar.root, approvalsDir, id, &approval)
	if err != nil {
		return false, persistence.NewApprovalError("CompareAndSetStatus", id, err)
	}

	return true, nil
}

func (ar *ApprovalRepository) list(match func(*models.ApprovalRequest) bool) ([]*models.ApprovalRequest, error) {
	var approvals []*models.ApprovalRequest

	err := listRecords(ar.root, approvalsDir, func(data []byte) error {
		var approval models.ApprovalRequest
		if err := json.Unmarshal(data, &approval); err != nil {
			return fmt.Errorf("failed to unmarshal approval request: %w", err)
		}

		if match(&approval) {
			approvals = append(approvals, &approval)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return approvals, nil
}
