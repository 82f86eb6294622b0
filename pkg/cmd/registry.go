package cmd

import (
	"context"
	"log/slog"

	"github.com/stewardhq/steward/pkg/agents/httpagent"
	"github.com/stewardhq/steward/pkg/registry"
)

// NewRegistry creates an agent registry with the native runners registered.
func NewRegistry(ctx context.Context, logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.RegisterRunner(httpagent.NewRunnerFactory())

	logger.InfoContext(ctx, "Agent registry initialized", "agent_types", reg.AvailableAgentTypes())

	return reg
}
