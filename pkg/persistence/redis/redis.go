// Package redis provides Redis persistence for definitions, executions,
// approvals, budgets and emergency stops. Records are JSON blobs in per-type
// hashes; the approval status lives in its own hash so responder races can be
// arbitrated with a single Lua compare-and-set.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"
	"github.com/stewardhq/steward/pkg/persistence"
)

const (
	definitionsKey    = "steward:definitions"
	executionsKey     = "steward:executions"
	approvalsKey      = "steward:approvals"
	approvalStatusKey = "steward:approval_status"
	budgetsKey        = "steward:budgets"
	stopsKey          = "steward:stops"
)

// Persistence implements the persistence layer for Redis.
type Persistence struct {
	client redis.UniversalClient
	logger *slog.Logger

	definitions *DefinitionRepository
	executions  *ExecutionRepository
	approvals   *ApprovalRepository
	budgets     *BudgetRepository
	stops       *StopRepository
}

// NewPersistence creates a Redis persistence layer from a redis:// URL.
func NewPersistence(ctx context.Context, logger *slog.Logger, redisURL string) (*Persistence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Persistence{
		client:      client,
		logger:      logger,
		definitions: &DefinitionRepository{client: client},
		executions:  &ExecutionRepository{client: client},
		approvals:   &ApprovalRepository{client: client},
		budgets:     &BudgetRepository{client: client},
		stops:       &StopRepository{client: client},
	}, nil
}

func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitions
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) Approvals() persistence.ApprovalRepository {
	return p.approvals
}

func (p *Persistence) Budgets() persistence.BudgetRepository {
	return p.budgets
}

func (p *Persistence) Stops() persistence.StopRepository {
	return p.stops
}

// HealthCheck verifies the Redis connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

// Close closes the Redis client.
func (p *Persistence) Close(_ context.Context) error {
	err := p.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}
