// Package registry maps agent types to their runner factories.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/stewardhq/steward/pkg/protocol"
)

type Registry struct {
	logger          *slog.Logger
	runnerFactories map[string]protocol.AgentRunnerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:          logger,
		runnerFactories: make(map[string]protocol.AgentRunnerFactory),
	}
}

func (r *Registry) RegisterRunner(factory protocol.AgentRunnerFactory) {
	r.runnerFactories[factory.AgentType()] = factory
}

func (r *Registry) CreateRunner(agentType string, config map[string]any) (protocol.AgentRunner, error) {
	factory, ok := r.runnerFactories[agentType]
	if !ok {
		return nil, fmt.Errorf("agent type '%s' not registered", agentType)
	}

	return factory.Create(config)
}

// AvailableAgentTypes returns the registered agent types.
func (r *Registry) AvailableAgentTypes() []string {
	types := make([]string, 0, len(r.runnerFactories))
	for agentType := range r.runnerFactories {
		types = append(types, agentType)
	}

	return types
}
