package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

const definitionsDir = "definitions"

// DefinitionRepository handles workflow definition file operations.
type DefinitionRepository struct {
	root string
}

func (dr *DefinitionRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	var definitions []*models.WorkflowDefinition

	err := listRecords(dr.root, definitionsDir, func(data []byte) error {
		var def models.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("failed to unmarshal workflow definition: %w", err)
		}

		definitions = append(definitions, &def)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return definitions, nil
}

func (dr *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	err := readRecord(dr.root, definitionsDir, id, &def)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("failed to read workflow definition %s: %w", id, err)
	}

	return &def, nil
}

func (dr *DefinitionRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	if err := validateID(def.ID); err != nil {
		return fmt.Errorf("invalid workflow definition ID: %w", err)
	}

	if err := models.ValidateWorkflowDefinition(def); err != nil {
		return err
	}

	return writeRecord(dr.root, definitionsDir, def.ID, def)
}

func (dr *DefinitionRepository) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("invalid workflow definition ID: %w", err)
	}

	err := os.Remove(filepath.Join(dr.root, definitionsDir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return persistence.ErrDefinitionNotFound
		}

		return fmt.Errorf("failed to delete workflow definition %s: %w", id, err)
	}

	return nil
}
