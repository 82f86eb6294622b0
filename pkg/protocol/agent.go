// Package protocol defines the external capabilities the orchestrator
// consumes. Concrete transports (subprocess, HTTP, message queue) live behind
// these interfaces and are opaque to the executor.
package protocol

import (
	"context"
	"log/slog"
)

// AgentResult is the outcome of one agent invocation. A failed invocation is
// reported with Success=false rather than an error; errors are reserved for
// the runner being unable to attempt the work at all.
type AgentResult struct {
	Success         bool           `json:"success"`
	Output          map[string]any `json:"output,omitempty"`
	DeclaredOutputs map[string]any `json:"declared_outputs,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorType       string         `json:"error_type,omitempty"`
	TokensUsed      int            `json:"tokens_used"`
	Confidence      float64        `json:"confidence"`
	SafetyViolation bool           `json:"safety_violation"`
}

// AgentRunner executes one workflow step's worth of agent work. The call is
// synchronous from the executor's perspective; retries inside the runner are
// its own business.
type AgentRunner interface {
	Execute(ctx context.Context, instructions string, execContext map[string]any, logger *slog.Logger) (*AgentResult, error)
}

// AgentRunnerFactory builds a runner for its agent type.
type AgentRunnerFactory interface {
	Create(config map[string]any) (AgentRunner, error)
	AgentType() string
}
