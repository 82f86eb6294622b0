package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

// StopRepository handles emergency stop database operations.
type StopRepository struct {
	db *sql.DB
}

func (r *StopRepository) Save(ctx context.Context, stop *models.EmergencyStop) error {
	query := `
		INSERT INTO emergency_stops (id, project_id, agent_type, reason, triggered_by, active, created_at, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			active = EXCLUDED.active,
			deactivated_at = EXCLUDED.deactivated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		stop.ID,
		stop.ProjectID,
		stop.AgentType,
		stop.Reason,
		stop.TriggeredBy,
		stop.Active,
		stop.CreatedAt,
		stop.DeactivatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save emergency stop: %w", err)
	}

	return nil
}

func (r *StopRepository) GetByID(ctx context.Context, id string) (*models.EmergencyStop, error) {
	query := `
		SELECT
			id
		  , project_id
		  , agent_type
		  , reason
		  , triggered_by
		  , active
		  , created_at
		  , deactivated_at
		FROM emergency_stops
		WHERE id = $1
	`

	stop, err := scanStop(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrStopNotFound
		}

		return nil, fmt.Errorf("failed to scan emergency stop: %w", err)
	}

	return stop, nil
}

func (r *StopRepository) ListActive(ctx context.Context) ([]*models.EmergencyStop, error) {
	query := `
		SELECT
			id
		  , project_id
		  , agent_type
		  , reason
		  , triggered_by
		  , active
		  , created_at
		  , deactivated_at
		FROM emergency_stops
		WHERE active = TRUE
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query emergency stops: %w", err)
	}
	defer rows.Close()

	stops := make([]*models.EmergencyStop, 0)

	for rows.Next() {
		stop, err := scanStop(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan emergency stop: %w", err)
		}

		stops = append(stops, stop)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating emergency stops: %w", err)
	}

	return stops, nil
}

func scanStop(row rowScanner) (*models.EmergencyStop, error) {
	var (
		stop          models.EmergencyStop
		projectID     sql.NullString
		agentType     sql.NullString
		deactivatedAt sql.NullTime
	)

	err := row.Scan(
		&stop.ID,
		&projectID,
		&agentType,
		&stop.Reason,
		&stop.TriggeredBy,
		&stop.Active,
		&stop.CreatedAt,
		&deactivatedAt,
	)
	if err != nil {
		return nil, err
	}

	stop.ProjectID = projectID.String
	stop.AgentType = agentType.String

	if deactivatedAt.Valid {
		stop.DeactivatedAt = &deactivatedAt.Time
	}

	return &stop, nil
}
