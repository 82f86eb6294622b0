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

// ApprovalRepository handles approval request database operations. The
// compare-and-set on status is a single conditional UPDATE, so concurrent
// responders are arbitrated by the database.
type ApprovalRepository struct {
	db *sql.DB
}

const approvalColumns = `
			id
		  , project_id
		  , task_id
		  , agent_type
		  , request_type
		  , request_data
		  , estimated_tokens
		  , estimated_cost
		  , status
		  , user_response
		  , user_comment
		  , amended_content
		  , history
		  , created_at
		  , expires_at
		  , responded_at`

func (r *ApprovalRepository) Save(ctx context.Context, approval *models.ApprovalRequest) error {
	requestJSON, err := json.Marshal(approval.RequestData)
	if err != nil {
		return fmt.Errorf("failed to marshal request data: %w", err)
	}

	amendedJSON, err := json.Marshal(approval.AmendedContent)
	if err != nil {
		return fmt.Errorf("failed to marshal amended content: %w", err)
	}

	historyJSON, err := json.Marshal(approval.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	query := `
		INSERT INTO approval_requests (id, project_id, task_id, agent_type, request_type, request_data,
			estimated_tokens, estimated_cost, status, user_response, user_comment, amended_content,
			history, created_at, expires_at, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			user_response = EXCLUDED.user_response,
			user_comment = EXCLUDED.user_comment,
			amended_content = EXCLUDED.amended_content,
			history = EXCLUDED.history,
			responded_at = EXCLUDED.responded_at
	`

	_, err = r.db.ExecContext(ctx, query,
		approval.ID,
		approval.ProjectID,
		approval.TaskID,
		approval.AgentType,
		approval.RequestType,
		requestJSON,
		approval.EstimatedTokens,
		approval.EstimatedCost,
		approval.Status,
		approval.UserResponse,
		approval.UserComment,
		amendedJSON,
		historyJSON,
		approval.CreatedAt,
		approval.ExpiresAt,
		approval.RespondedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}

	return nil
}

func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	query := `SELECT` + approvalColumns + `
		FROM approval_requests
		WHERE id = $1
	`

	approval, err := scanApproval(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrApprovalNotFound
		}

		return nil, fmt.Errorf("failed to scan approval request: %w", err)
	}

	return approval, nil
}

func (r *ApprovalRepository) ListPending(ctx context.Context, projectID string) ([]*models.ApprovalRequest, error) {
	query := `SELECT` + approvalColumns + `
		FROM approval_requests
		WHERE status = 'pending' AND ($1 = '' OR project_id = $1)
		ORDER BY created_at ASC
	`

	return r.listApprovals(ctx, query, projectID)
}

func (r *ApprovalRepository) ListPendingByTask(ctx context.Context, taskID string) ([]*models.ApprovalRequest, error) {
	query := `SELECT` + approvalColumns + `
		FROM approval_requests
		WHERE status = 'pending' AND task_id = $1
		ORDER BY created_at ASC
	`

	return r.listApprovals(ctx, query, taskID)
}

// CompareAndSetStatus atomically transitions the approval's status from
// expected to next. It reports false when another caller transitioned the
// record first.
func (r *ApprovalRepository) CompareAndSetStatus(ctx context.Context, id string, expected, next models.ApprovalStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE approval_requests SET status = $1 WHERE id = $2 AND status = $3",
		next, id, expected)
	if err != nil {
		return false, fmt.Errorf("failed to update approval status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists bool

		err := r.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)", id).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("failed to check approval existence: %w", err)
		}

		if !exists {
			return false, persistence.ErrApprovalNotFound
		}

		return false, nil
	}

	return true, nil
}

func (r *ApprovalRepository) listApprovals(ctx context.Context, query string, arg any) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer rows.Close()

	approvals := make([]*models.ApprovalRequest, 0)

	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}

		approvals = append(approvals, approval)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}

	return approvals, nil
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	var (
		approval     models.ApprovalRequest
		requestJSON  []byte
		amendedJSON  []byte
		historyJSON  []byte
		userResponse sql.NullString
		userComment  sql.NullString
		respondedAt  sql.NullTime
	)

	err := row.Scan(
		&approval.ID,
		&approval.ProjectID,
		&approval.TaskID,
		&approval.AgentType,
		&approval.RequestType,
		&requestJSON,
		&approval.EstimatedTokens,
		&approval.EstimatedCost,
		&approval.Status,
		&userResponse,
		&userComment,
		&amendedJSON,
		&historyJSON,
		&approval.CreatedAt,
		&approval.ExpiresAt,
		&respondedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalNullable(requestJSON, &approval.RequestData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request data: %w", err)
	}

	if err := unmarshalNullable(amendedJSON, &approval.AmendedContent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal amended content: %w", err)
	}

	if err := unmarshalNullable(historyJSON, &approval.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	approval.UserResponse = userResponse.String
	approval.UserComment = userComment.String

	if respondedAt.Valid {
		approval.RespondedAt = &respondedAt.Time
	}

	return &approval, nil
}
