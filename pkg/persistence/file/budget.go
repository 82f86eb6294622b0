package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/stewardhq/steward/pkg/models"
)

const budgetsDir = "budgets"

// BudgetRepository handles budget control file operations. Records are keyed
// by "project:agentType"; the colon is rewritten for the file name.
type BudgetRepository struct {
	root  string
	locks *keyLocks
}

func budgetFileID(projectID, agentType string) string {
	return strings.ReplaceAll(models.BudgetKey(projectID, agentType), ":", "__")
}

func (br *BudgetRepository) Save(ctx context.Context, control *models.BudgetControl) error {
	if control.ProjectID == "" || control.AgentType == "" {
		return fmt.Errorf("budget control requires project and agent type")
	}

	lock := br.locks.forKey("budget:" + control.Key())
	lock.Lock()
	defer lock.Unlock()

	return writeRecord(br.root, budgetsDir, budgetFileID(control.ProjectID, control.AgentType), control)
}

func (br *BudgetRepository) GetByKey(ctx context.Context, projectID, agentType string) (*models.BudgetControl, error) {
	var control models.BudgetControl

	err := readRecord(br.root, budgetsDir, budgetFileID(projectID, agentType), &control)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read budget control %s/%s: %w", projectID, agentType, err)
	}

	return &control, nil
}

func (br *BudgetRepository) GetAll(ctx context.Context) ([]*models.BudgetControl, error) {
	var controls []*models.BudgetControl

	err := listRecords(br.root, budgetsDir, func(data []byte) error {
		var control models.BudgetControl
		if err := json.Unmarshal(data, &control); err != nil {
			return fmt.Errorf("failed to unmarshal budget control: %w", err)
		}

		controls = append(controls, &control)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return controls, nil
}
