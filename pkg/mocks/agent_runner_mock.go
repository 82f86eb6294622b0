package mocks

import (
	"context"
	"log/slog"

	"github.com/stewardhq/steward/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockAgentRunner is a mock implementation of protocol.AgentRunner interface.
type MockAgentRunner struct {
	mock.Mock
}

func (m *MockAgentRunner) Execute(ctx context.Context, instructions string, execContext map[string]any, logger *slog.Logger) (*protocol.AgentResult, error) {
	args := m.Called(ctx, instructions, execContext, logger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*protocol.AgentResult), args.Error(1)
}

// MockAgentRunnerFactory is a mock implementation of protocol.AgentRunnerFactory interface.
type MockAgentRunnerFactory struct {
	mock.Mock
}

func (m *MockAgentRunnerFactory) Create(config map[string]any) (protocol.AgentRunner, error) {
	args := m.Called(config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(protocol.AgentRunner), args.Error(1)
}

func (m *MockAgentRunnerFactory) AgentType() string {
	args := m.Called()

	return args.String(0)
}
