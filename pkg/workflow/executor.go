// Package workflow drives HITL-gated agent workflow executions through their
// state machine: Pending → Running ⇄ Paused → {Completed | Failed | Cancelled}.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stewardhq/steward/pkg/budget"
	"github.com/stewardhq/steward/pkg/eventbus"
	"github.com/stewardhq/steward/pkg/events"
	"github.com/stewardhq/steward/pkg/hitl"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/otelhelper"
	"github.com/stewardhq/steward/pkg/persistence"
	"github.com/stewardhq/steward/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// pausedReasonHITL prefixes every HITL pause so status queries can tell a
// human gate apart from an operator pause.
const pausedReasonHITL = "HITL approval required"

// ctxKeyApprovedStep marks a step whose pre-execution approval was granted,
// so resuming does not request it again. Cleared once the step runs.
const ctxKeyApprovedStep = "hitl_approved_step"

const defaultApprovalTimeout = time.Hour

// Executor is the top-level orchestrator. All mutation of a single execution
// record is serialized through a per-execution lock; separate executions
// advance independently.
type Executor struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	gate        *hitl.Gate
	stops       *hitl.StopRegistry
	ledger      *budget.Ledger
	policy      *hitl.TriggerPolicy
	tracer      trace.Tracer

	approvalTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTriggerPolicy overrides the default supervised trigger policy.
func WithTriggerPolicy(policy *hitl.TriggerPolicy) ExecutorOption {
	return func(e *Executor) {
		e.policy = policy
	}
}

// WithTracer enables span emission around executions and steps.
func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// WithApprovalTimeout overrides the expiry window for HITL approval requests.
func WithApprovalTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.approvalTimeout = timeout
	}
}

func NewExecutor(
	logger *slog.Logger,
	store persistence.Persistence,
	reg *registry.Registry,
	eventBus eventbus.EventBus,
	gate *hitl.Gate,
	stops *hitl.StopRegistry,
	ledger *budget.Ledger,
	opts ...ExecutorOption,
) *Executor {
	executor := &Executor{
		logger:          logger.With("module", "workflow_executor"),
		persistence:     store,
		registry:        reg,
		eventBus:        eventBus,
		gate:            gate,
		stops:           stops,
		ledger:          ledger,
		policy:          hitl.DefaultTriggerPolicy(),
		approvalTimeout: defaultApprovalTimeout,
		locks:           make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// StartExecution creates a new execution for the definition, transitions it to
// running, and drives steps until completion, a pause point, or failure.
// Pausing for HITL is not an error: the returned execution carries the paused
// status and reason.
func (e *Executor) StartExecution(ctx context.Context, workflowID, projectID string, contextData map[string]any) (*models.WorkflowExecution, error) {
	def, err := e.persistence.Definitions().GetByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch workflow definition %s: %w", workflowID, err)
	}

	now := time.Now().UTC()
	execution := &models.WorkflowExecution{
		ID:          "exec-" + uuid.New().String()[:8],
		ProjectID:   projectID,
		WorkflowID:  workflowID,
		Status:      models.ExecutionStatusPending,
		TotalSteps:  len(def.Steps),
		ContextData: contextData,
		StepResults: []models.StepResult{},
		CreatedAt:   now,
	}

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	logger := e.logger.With("execution_id", execution.ID, "workflow_id", workflowID, "project_id", projectID)
	logger.InfoContext(ctx, "Starting execution of workflow", "total_steps", execution.TotalSteps)

	if e.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "workflow.execution",
			attribute.String(otelhelper.ExecutionIDKey, execution.ID),
			attribute.String(otelhelper.WorkflowIDKey, workflowID),
			attribute.String(otelhelper.ProjectIDKey, projectID))
		defer span.End()
	}

	started := time.Now().UTC()
	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = &started

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to persist execution start: %w", err)
	}

	e.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStartedEvent, projectID),
		ExecutionID: execution.ID,
		WorkflowID:  workflowID,
		TotalSteps:  execution.TotalSteps,
	})

	if err := e.run(ctx, execution.ID); err != nil {
		return nil, err
	}

	return e.persistence.Executions().GetByID(ctx, execution.ID)
}

// run advances the execution step by step until it leaves the running state.
// The execution record is re-read between steps so pauses and cancellations
// applied concurrently take effect before the next step starts.
func (e *Executor) run(ctx context.Context, executionID string) error {
	for {
		execution, err := e.persistence.Executions().GetByID(ctx, executionID)
		if err != nil {
			return err
		}

		if execution.Status != models.ExecutionStatusRunning {
			return nil
		}

		if execution.CurrentStepIndex >= execution.TotalSteps {
			return e.complete(ctx, execution)
		}

		def, err := e.persistence.Definitions().GetByID(ctx, execution.WorkflowID)
		if err != nil {
			return fmt.Errorf("failed to fetch workflow definition %s: %w", execution.WorkflowID, err)
		}

		step := def.Steps[execution.CurrentStepIndex]

		proceed, err := e.admitStep(ctx, execution, step)
		if err != nil {
			return err
		}

		if !proceed {
			return nil
		}

		indices := def.ParallelSiblings(execution.CurrentStepIndex)
		if len(indices) > 1 {
			_, err = e.ExecuteParallelSteps(ctx, executionID, indices)
		} else {
			_, err = e.ExecuteStep(ctx, executionID, execution.CurrentStepIndex, nil)
		}

		if err != nil {
			return err
		}
	}
}

// admitStep runs the pre-step gates: emergency stops, budget admission, and
// the step's own approval requirement. It reports whether the step may start;
// when it may not, the execution has already been transitioned and persisted.
func (e *Executor) admitStep(ctx context.Context, execution *models.WorkflowExecution, step *models.WorkflowStep) (bool, error) {
	if e.stops.IsActive(execution.ProjectID, step.AgentType) {
		_, err := e.Pause(ctx, execution.ID, fmt.Sprintf("emergency stop active for %s/%s", execution.ProjectID, step.AgentType))

		return false, err
	}

	check, err := e.ledger.CheckLimits(ctx, execution.ProjectID, step.AgentType, step.EstimatedTokens)
	if err != nil {
		// Budget checks are fail-closed: an unreadable ledger denies the step.
		return false, e.fail(ctx, execution.ID, execution.CurrentStepIndex, fmt.Sprintf("budget check failed: %v", err))
	}

	if !check.Approved {
		return false, e.fail(ctx, execution.ID, execution.CurrentStepIndex,
			fmt.Sprintf("%v: %s", budget.ErrBudgetLimitExceeded, check.Reason))
	}

	if step.RequiresApproval && !e.stepPreApproved(execution) {
		return false, e.requestApproval(ctx, execution, "pre_execution",
			fmt.Sprintf("step %d (%s) requires approval before execution", execution.CurrentStepIndex, step.Name),
			map[string]any{
				"step_index":   execution.CurrentStepIndex,
				"step_name":    step.Name,
				"agent_type":   step.AgentType,
				"instructions": step.Instructions,
			},
			step.AgentType, step.EstimatedTokens)
	}

	return true, nil
}

// ExecuteStep runs the step at stepIndex, records its result, advances the
// execution, and evaluates HITL triggers against the outcome. A failed agent
// result is returned as a normal StepResult; the execution itself transitions
// to failed per the step-failure policy.
func (e *Executor) ExecuteStep(ctx context.Context, executionID string, stepIndex int, contextOverride map[string]any) (*models.StepResult, error) {
	execution, step, result, err := e.executeStepLocked(ctx, executionID, stepIndex, contextOverride)
	if err != nil {
		return nil, err
	}

	if err := e.afterStep(ctx, execution, step, *result); err != nil {
		return nil, err
	}

	return result, nil
}

// executeStepLocked performs the mutating half of ExecuteStep under the
// per-execution lock: invoke the agent, append the result, advance the index,
// persist. Post-step policy runs outside the lock because it may pause or
// fail the execution through the public transitions.
func (e *Executor) executeStepLocked(ctx context.Context, executionID string, stepIndex int, contextOverride map[string]any) (*models.WorkflowExecution, *models.WorkflowStep, *models.StepResult, error) {
	lock := e.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, nil, nil, err
	}

	def, err := e.persistence.Definitions().GetByID(ctx, execution.WorkflowID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to fetch workflow definition %s: %w", execution.WorkflowID, err)
	}

	if stepIndex < 0 || stepIndex >= len(def.Steps) {
		return nil, nil, nil, fmt.Errorf("step index %d out of range for workflow %s", stepIndex, execution.WorkflowID)
	}

	execution.MergeContext(contextOverride)
	delete(execution.ContextData, ctxKeyApprovedStep)

	result := e.invokeStep(ctx, execution, def.Steps[stepIndex], stepIndex)

	execution.StepResults = append(execution.StepResults, result)
	if stepIndex+1 > execution.CurrentStepIndex {
		execution.CurrentStepIndex = stepIndex + 1
	}

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return nil, nil, nil, persistence.NewExecutionError("Save", executionID, err)
	}

	e.publishStepCompleted(ctx, execution, result)

	return execution, def.Steps[stepIndex], &result, nil
}

// ExecuteParallelSteps fans out the named steps concurrently and joins on all
// of them. Results keep input order regardless of completion order, and one
// step's failure or panic never aborts its siblings.
func (e *Executor) ExecuteParallelSteps(ctx context.Context, executionID string, stepIndices []int) ([]models.StepResult, error) {
	execution, steps, results, err := e.executeParallelLocked(ctx, executionID, stepIndices)
	if err != nil {
		return nil, err
	}

	for i, result := range results {
		if err := e.afterStep(ctx, execution, steps[i], result); err != nil {
			return nil, err
		}

		// A failed sibling fails the execution; stop evaluating the rest.
		if !result.Success {
			break
		}

		// A sibling's triggers may have paused or failed the execution. Once
		// it has left running, remaining siblings get no policy evaluation,
		// so one pause point raises at most one pending approval.
		current, err := e.persistence.Executions().GetByID(ctx, executionID)
		if err != nil {
			return nil, err
		}

		if current.Status != models.ExecutionStatusRunning {
			break
		}
	}

	return results, nil
}

func (e *Executor) executeParallelLocked(ctx context.Context, executionID string, stepIndices []int) (*models.WorkflowExecution, []*models.WorkflowStep, []models.StepResult, error) {
	lock := e.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, nil, nil, err
	}

	def, err := e.persistence.Definitions().GetByID(ctx, execution.WorkflowID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to fetch workflow definition %s: %w", execution.WorkflowID, err)
	}

	maxIndex := 0

	for _, idx := range stepIndices {
		if idx < 0 || idx >= len(def.Steps) {
			return nil, nil, nil, fmt.Errorf("step index %d out of range for workflow %s", idx, execution.WorkflowID)
		}

		if idx > maxIndex {
			maxIndex = idx
		}
	}

	results := make([]models.StepResult, len(stepIndices))

	var wg sync.WaitGroup

	for position, idx := range stepIndices {
		wg.Add(1)

		go func(position, idx int) {
			defer wg.Done()

			defer func() {
				if r := recover(); r != nil {
					now := time.Now().UTC()
					results[position] = models.StepResult{
						StepIndex:   idx,
						StepID:      def.Steps[idx].ID,
						AgentType:   def.Steps[idx].AgentType,
						Success:     false,
						Error:       fmt.Sprintf("step panicked: %v", r),
						ErrorType:   "panic",
						StartedAt:   now,
						CompletedAt: now,
					}
				}
			}()

			results[position] = e.invokeStep(ctx, execution, def.Steps[idx], idx)
		}(position, idx)
	}

	wg.Wait()

	execution.StepResults = append(execution.StepResults, results...)
	if maxIndex+1 > execution.CurrentStepIndex {
		execution.CurrentStepIndex = maxIndex + 1
	}

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return nil, nil, nil, persistence.NewExecutionError("Save", executionID, err)
	}

	for _, result := range results {
		e.publishStepCompleted(ctx, execution, result)
	}

	steps := make([]*models.WorkflowStep, len(stepIndices))
	for i, idx := range stepIndices {
		steps[i] = def.Steps[idx]
	}

	return execution, steps, results, nil
}

// invokeStep runs one agent call and shapes its outcome into a StepResult.
// Runner resolution and invocation errors become failed results rather than
// Go errors, so the step-failure policy has a single input shape.
func (e *Executor) invokeStep(ctx context.Context, execution *models.WorkflowExecution, step *models.WorkflowStep, stepIndex int) models.StepResult {
	started := time.Now().UTC()
	logger := e.logger.With(
		"execution_id", execution.ID,
		"step_index", stepIndex,
		"step_id", step.ID,
		"agent_type", step.AgentType,
	)

	result := models.StepResult{
		StepIndex: stepIndex,
		StepID:    step.ID,
		AgentType: step.AgentType,
		StartedAt: started,
	}

	var span trace.Span

	if e.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "workflow.step",
			attribute.String(otelhelper.ExecutionIDKey, execution.ID),
			attribute.String(otelhelper.StepIDKey, step.ID),
			attribute.String(otelhelper.AgentTypeKey, step.AgentType),
			attribute.Int(otelhelper.StepIndexKey, stepIndex))
		defer span.End()
	}

	if !step.Enabled {
		logger.InfoContext(ctx, "Step is disabled, skipping")

		result.Success = true
		result.Output = map[string]any{"skipped": true}
		result.CompletedAt = time.Now().UTC()

		return result
	}

	logger.InfoContext(ctx, "Executing step")

	runner, err := e.registry.CreateRunner(step.AgentType, step.Configuration)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to resolve agent runner", "error", err)

		result.Error = err.Error()
		result.ErrorType = "runner_unavailable"
		result.CompletedAt = time.Now().UTC()

		return result
	}

	agentResult, err := runner.Execute(ctx, step.Instructions, execution.ContextData, logger)

	result.CompletedAt = time.Now().UTC()
	result.DurationMs = result.CompletedAt.Sub(started).Milliseconds()

	if err != nil {
		logger.ErrorContext(ctx, "Agent invocation failed", "error", err)

		if span != nil {
			otelhelper.SetError(span, err, attribute.String(otelhelper.StepIDKey, step.ID))
		}

		result.Error = err.Error()
		result.ErrorType = "invocation_error"

		return result
	}

	result.Success = agentResult.Success
	result.Output = agentResult.Output
	result.DeclaredOutputs = agentResult.DeclaredOutputs
	result.Error = agentResult.Error
	result.ErrorType = agentResult.ErrorType
	result.TokensUsed = agentResult.TokensUsed
	result.Confidence = agentResult.Confidence
	result.SafetyViolation = agentResult.SafetyViolation

	logger.InfoContext(ctx, "Step finished", "success", result.Success, "tokens_used", result.TokensUsed)

	return result
}

// afterStep applies the step-failure policy, records usage, and evaluates
// HITL triggers. The execution passed in has already been persisted with the
// step's result appended.
func (e *Executor) afterStep(ctx context.Context, execution *models.WorkflowExecution, step *models.WorkflowStep, result models.StepResult) error {
	if !result.Success {
		return e.fail(ctx, execution.ID, result.StepIndex, result.Error)
	}

	e.ledger.RecordUsage(ctx, execution.ProjectID, step.AgentType, result.TokensUsed)

	if _, err := e.ledger.CheckBudgetEmergencyStop(ctx, execution.ProjectID, step.AgentType); err != nil {
		e.logger.ErrorContext(ctx, "Budget emergency stop check failed", "execution_id", execution.ID, "error", err)
	}

	decision := e.evaluateTriggers(ctx, execution, step, result)
	if !decision.Required {
		return nil
	}

	return e.requestApproval(ctx, execution, decision.RequestType, decision.Reason,
		map[string]any{
			"step_index":  result.StepIndex,
			"step_id":     result.StepID,
			"step_output": result.Output,
			"confidence":  result.Confidence,
		},
		step.AgentType, step.EstimatedTokens)
}

// evaluateTriggers is deliberately fail-open: errors reaching the approval
// subsystem are logged and treated as "no trigger fired" so a monitoring
// fault cannot block all progress. Budget and stop checks stay fail-closed.
func (e *Executor) evaluateTriggers(ctx context.Context, execution *models.WorkflowExecution, step *models.WorkflowStep, result models.StepResult) hitl.TriggerDecision {
	budgetPercent := 0.0

	status, err := e.ledger.Status(ctx, execution.ProjectID, step.AgentType)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to read budget status for trigger evaluation",
			"execution_id", execution.ID, "error", err)
	} else {
		budgetPercent = max(status.DailyUsedPercent, status.SessionUsedPercent)
	}

	decision, err := e.policy.Evaluate(hitl.TriggerInput{
		Result:            &result,
		BudgetUsedPercent: budgetPercent,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "HITL trigger evaluation failed, continuing without trigger",
			"execution_id", execution.ID, "error", err)

		return hitl.TriggerDecision{}
	}

	return decision
}

// requestApproval creates the approval request and pauses the execution until
// a terminal response resumes it.
func (e *Executor) requestApproval(ctx context.Context, execution *models.WorkflowExecution, requestType, reason string, requestData map[string]any, agentType string, estimatedTokens int) error {
	approval, err := e.gate.CreateApprovalRequest(ctx, hitl.CreateApprovalParams{
		ProjectID:       execution.ProjectID,
		TaskID:          execution.ID,
		AgentType:       agentType,
		RequestType:     requestType,
		RequestData:     requestData,
		EstimatedTokens: estimatedTokens,
		Timeout:         e.approvalTimeout,
	})
	if err != nil {
		if hitl.IsEmergencyStopActive(err) {
			_, pauseErr := e.Pause(ctx, execution.ID, "emergency stop active")

			return pauseErr
		}

		return fmt.Errorf("failed to create approval request: %w", err)
	}

	return e.pauseForApproval(ctx, execution.ID, approval.ID, fmt.Sprintf("%s: %s", pausedReasonHITL, reason))
}

// Pause suspends a running execution. Returns false without error when the
// execution is already paused or terminal.
func (e *Executor) Pause(ctx context.Context, executionID, reason string) (bool, error) {
	lock := e.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	return e.pauseLocked(ctx, executionID, "", reason)
}

func (e *Executor) pauseForApproval(ctx context.Context, executionID, approvalID, reason string) error {
	lock := e.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	_, err := e.pauseLocked(ctx, executionID, approvalID, reason)

	return err
}

func (e *Executor) pauseLocked(ctx context.Context, executionID, approvalID, reason string) (bool, error) {
	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return false, err
	}

	if execution.Status != models.ExecutionStatusRunning {
		return false, nil
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusPaused
	execution.PausedReason = reason
	execution.PausedAt = &now

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return false, persistence.NewExecutionError("Pause", executionID, err)
	}

	e.publish(ctx, executionID, events.ExecutionPaused{
		BaseEvent:   events.NewBaseEvent(events.ExecutionPausedEvent, execution.ProjectID),
		ExecutionID: executionID,
		Reason:      reason,
		ApprovalID:  approvalID,
	})

	e.logger.InfoContext(ctx, "Execution paused", "execution_id", executionID, "reason", reason)

	return true, nil
}

// Resume transitions a paused execution back to running and drives the
// remaining steps. Returns false without error when the execution is not
// paused.
func (e *Executor) Resume(ctx context.Context, executionID string) (bool, error) {
	lock := e.lockFor(executionID)
	lock.Lock()

	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		lock.Unlock()

		return false, err
	}

	if execution.Status != models.ExecutionStatusPaused {
		lock.Unlock()

		return false, nil
	}

	execution.Status = models.ExecutionStatusRunning
	execution.PausedReason = ""
	execution.PausedAt = nil

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		lock.Unlock()

		return false, persistence.NewExecutionError("Resume", executionID, err)
	}

	e.publish(ctx, executionID, events.ExecutionResumed{
		BaseEvent:   events.NewBaseEvent(events.ExecutionResumedEvent, execution.ProjectID),
		ExecutionID: executionID,
		StepIndex:   execution.CurrentStepIndex,
	})

	e.logger.InfoContext(ctx, "Execution resumed", "execution_id", executionID, "step_index", execution.CurrentStepIndex)

	lock.Unlock()

	if err := e.run(ctx, executionID); err != nil {
		return true, err
	}

	return true, nil
}

// Cancel transitions a non-terminal execution to cancelled. Returns false
// without error when the execution is already terminal.
func (e *Executor) Cancel(ctx context.Context, executionID, reason string) (bool, error) {
	lock := e.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return false, err
	}

	if execution.IsTerminal() {
		return false, nil
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusCancelled
	execution.ErrorMessage = reason
	execution.CompletedAt = &now

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return false, persistence.NewExecutionError("Cancel", executionID, err)
	}

	e.publish(ctx, executionID, events.ExecutionCancelled{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCancelledEvent, execution.ProjectID),
		ExecutionID: executionID,
		Reason:      reason,
	})

	e.logger.InfoContext(ctx, "Execution cancelled", "execution_id", executionID, "reason", reason)

	return true, nil
}

// Recover reconstructs an execution from the store after a process restart.
// Returns nil without error when the execution is unknown.
func (e *Executor) Recover(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	return execution, nil
}

// HandleApprovalDecision applies a terminal approval response to the paused
// execution it gates: approvals (including amendments) resume it, rejections
// fail it before the gated work starts.
func (e *Executor) HandleApprovalDecision(ctx context.Context, executionID string, approved bool, amendedContent map[string]any) error {
	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status != models.ExecutionStatusPaused {
		return nil
	}

	if !approved {
		return e.fail(ctx, executionID, execution.CurrentStepIndex, hitl.ErrAgentExecutionDenied.Error())
	}

	lock := e.lockFor(executionID)
	lock.Lock()

	execution, err = e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		lock.Unlock()

		return err
	}

	execution.MergeContext(amendedContent)
	execution.MergeContext(map[string]any{ctxKeyApprovedStep: execution.CurrentStepIndex})

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		lock.Unlock()

		return persistence.NewExecutionError("HandleApprovalDecision", executionID, err)
	}

	lock.Unlock()

	_, err = e.Resume(ctx, executionID)

	return err
}

// complete transitions a running execution whose steps are exhausted.
func (e *Executor) complete(ctx context.Context, execution *models.WorkflowExecution) error {
	lock := e.lockFor(execution.ID)
	lock.Lock()
	defer lock.Unlock()

	// The caller's snapshot was read outside the lock. Re-read so a pause or
	// cancel that landed in between is not overwritten.
	execution, err := e.persistence.Executions().GetByID(ctx, execution.ID)
	if err != nil {
		return err
	}

	if execution.Status != models.ExecutionStatusRunning {
		return nil
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusCompleted
	execution.CompletedAt = &now

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return persistence.NewExecutionError("Complete", execution.ID, err)
	}

	duration := time.Duration(0)
	if execution.StartedAt != nil {
		duration = now.Sub(*execution.StartedAt)
	}

	e.publish(ctx, execution.ID, events.ExecutionCompleted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCompletedEvent, execution.ProjectID),
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		Duration:    duration,
	})

	e.logger.InfoContext(ctx, "Execution completed", "execution_id", execution.ID, "duration", duration)

	return nil
}

// fail transitions the execution to failed with the step's error recorded.
func (e *Executor) fail(ctx context.Context, executionID string, stepIndex int, message string) error {
	lock := e.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusFailed
	execution.ErrorMessage = message
	execution.CompletedAt = &now

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return persistence.NewExecutionError("Fail", executionID, err)
	}

	e.publish(ctx, executionID, events.ExecutionFailed{
		BaseEvent:   events.NewBaseEvent(events.ExecutionFailedEvent, execution.ProjectID),
		ExecutionID: executionID,
		WorkflowID:  execution.WorkflowID,
		StepIndex:   stepIndex,
		Error:       message,
	})

	e.logger.ErrorContext(ctx, "Execution failed", "execution_id", executionID, "step_index", stepIndex, "error", message)

	return nil
}

func (e *Executor) stepPreApproved(execution *models.WorkflowExecution) bool {
	raw, ok := execution.ContextData[ctxKeyApprovedStep]
	if !ok {
		return false
	}

	// JSON round-trips store integers as float64.
	switch v := raw.(type) {
	case int:
		return v == execution.CurrentStepIndex
	case float64:
		return int(v) == execution.CurrentStepIndex
	default:
		return false
	}
}

func (e *Executor) publishStepCompleted(ctx context.Context, execution *models.WorkflowExecution, result models.StepResult) {
	e.publish(ctx, execution.ID, events.ExecutionStepCompleted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStepCompletedEvent, execution.ProjectID),
		ExecutionID: execution.ID,
		StepIndex:   result.StepIndex,
		StepID:      result.StepID,
		AgentType:   result.AgentType,
		Result:      result,
	})
}

// publish is fire-and-forget: event bus failures are logged, never returned.
func (e *Executor) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.eventBus == nil {
		return
	}

	if err := e.eventBus.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish execution event", "event_type", event.GetType(), "error", err)
	}
}

func (e *Executor) lockFor(executionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[executionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[executionID] = lock
	}

	return lock
}
