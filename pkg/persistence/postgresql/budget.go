package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stewardhq/steward/pkg/models"
)

// BudgetRepository handles budget control database operations.
type BudgetRepository struct {
	db *sql.DB
}

func (r *BudgetRepository) Save(ctx context.Context, control *models.BudgetControl) error {
	query := `
		INSERT INTO budget_controls (project_id, agent_type, tokens_used_today, tokens_used_session,
			daily_token_limit, session_token_limit, budget_reset_at, emergency_stop_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (project_id, agent_type) DO UPDATE SET
			tokens_used_today = EXCLUDED.tokens_used_today,
			tokens_used_session = EXCLUDED.tokens_used_session,
			daily_token_limit = EXCLUDED.daily_token_limit,
			session_token_limit = EXCLUDED.session_token_limit,
			budget_reset_at = EXCLUDED.budget_reset_at,
			emergency_stop_enabled = EXCLUDED.emergency_stop_enabled,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		control.ProjectID,
		control.AgentType,
		control.TokensUsedToday,
		control.TokensUsedSession,
		control.DailyTokenLimit,
		control.SessionTokenLimit,
		control.BudgetResetAt,
		control.EmergencyStopEnabled,
		control.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save budget control: %w", err)
	}

	return nil
}

// GetByKey returns nil without error when no control exists for the pair yet.
func (r *BudgetRepository) GetByKey(ctx context.Context, projectID, agentType string) (*models.BudgetControl, error) {
	query := `
		SELECT
			project_id
		  , agent_type
		  , tokens_used_today
		  , tokens_used_session
		  , daily_token_limit
		  , session_token_limit
		  , budget_reset_at
		  , emergency_stop_enabled
		  , updated_at
		FROM budget_controls
		WHERE project_id = $1 AND agent_type = $2
	`

	control, err := scanBudgetControl(r.db.QueryRowContext(ctx, query, projectID, agentType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan budget control: %w", err)
	}

	return control, nil
}

func (r *BudgetRepository) GetAll(ctx context.Context) ([]*models.BudgetControl, error) {
	query := `
		SELECT
			project_id
		  , agent_type
		  , tokens_used_today
		  , tokens_used_session
		  , daily_token_limit
		  , session_token_limit
		  , budget_reset_at
		  , emergency_stop_enabled
		  , updated_at
		FROM budget_controls
		ORDER BY project_id, agent_type
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget controls: %w", err)
	}
	defer rows.Close()

	controls := make([]*models.BudgetControl, 0)

	for rows.Next() {
		control, err := scanBudgetControl(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget control: %w", err)
		}

		controls = append(controls, control)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating budget controls: %w", err)
	}

	return controls, nil
}

func scanBudgetControl(row rowScanner) (*models.BudgetControl, error) {
	var control models.BudgetControl

	err := row.Scan(
		&control.ProjectID,
		&control.AgentType,
		&control.TokensUsedToday,
		&control.TokensUsedSession,
		&control.DailyTokenLimit,
		&control.SessionTokenLimit,
		&control.BudgetResetAt,
		&control.EmergencyStopEnabled,
		&control.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &control, nil
}
