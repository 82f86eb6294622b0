package httpagent

import (
	"github.com/stewardhq/steward/pkg/protocol"
)

// RunnerFactory creates HTTP agent runners.
type RunnerFactory struct{}

// NewRunnerFactory creates a new RunnerFactory.
func NewRunnerFactory() *RunnerFactory {
	return &RunnerFactory{}
}

// Create creates a new Runner from the given step configuration.
func (f *RunnerFactory) Create(config map[string]any) (protocol.AgentRunner, error) {
	return NewRunner(config)
}

// AgentType returns the agent type this factory serves.
func (f *RunnerFactory) AgentType() string {
	return "http"
}
