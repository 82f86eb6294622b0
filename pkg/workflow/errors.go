package workflow

import (
	"errors"
	"fmt"
)

// StepExecutionError carries the underlying agent failure for one step.
type StepExecutionError struct {
	ExecutionID string
	StepIndex   int
	AgentType   string
	Err         error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed in execution %s: %v", e.StepIndex, e.AgentType, e.ExecutionID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

func (e *StepExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}
