package workflow

import (
	"context"
	"time"

	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
)

// Repository wraps definition storage with validation and timestamping.
type Repository struct {
	persistence persistence.Persistence
}

func NewRepository(store persistence.Persistence) *Repository {
	return &Repository{persistence: store}
}

// Create validates and stores a new workflow definition.
func (r *Repository) Create(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if err := models.ValidateWorkflowDefinition(def); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	err := r.persistence.Definitions().Save(ctx, def)
	if err != nil {
		return nil, err
	}

	return def, nil
}

// FetchByID loads a definition, returning persistence.ErrDefinitionNotFound when unknown.
func (r *Repository) FetchByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return r.persistence.Definitions().GetByID(ctx, id)
}

// FetchAll lists every stored definition.
func (r *Repository) FetchAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return r.persistence.Definitions().GetAll(ctx)
}

// Delete removes a definition.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.persistence.Definitions().Delete(ctx, id)
}
