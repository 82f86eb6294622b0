package workflow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stewardhq/steward/pkg/budget"
	"github.com/stewardhq/steward/pkg/hitl"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
	"github.com/stewardhq/steward/pkg/persistence/file"
	"github.com/stewardhq/steward/pkg/protocol"
	"github.com/stewardhq/steward/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner returns canned results per instruction string, falling back to
// the default result when no specific entry exists.
type stubRunner struct {
	results        map[string]*protocol.AgentResult
	fallbackResult *protocol.AgentResult
}

func (s *stubRunner) Execute(_ context.Context, instructions string, _ map[string]any, _ *slog.Logger) (*protocol.AgentResult, error) {
	if result, ok := s.results[instructions]; ok {
		return result, nil
	}

	if s.fallbackResult != nil {
		return s.fallbackResult, nil
	}

	return &protocol.AgentResult{Success: true, TokensUsed: 100, Confidence: 0.95}, nil
}

type stubFactory struct {
	agentType string
	runner    protocol.AgentRunner
}

func (s *stubFactory) Create(_ map[string]any) (protocol.AgentRunner, error) {
	return s.runner, nil
}

func (s *stubFactory) AgentType() string {
	return s.agentType
}

type executorFixture struct {
	executor *Executor
	store    persistence.Persistence
	stops    *hitl.StopRegistry
	ledger   *budget.Ledger
	gate     *hitl.Gate
}

func newExecutorFixture(t *testing.T, runner protocol.AgentRunner, defaults budget.Defaults) *executorFixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := file.NewPersistence(t.TempDir())

	stops := hitl.NewStopRegistry(logger, store, nil)
	gate := hitl.NewGate(logger, store, nil, stops)
	ledger := budget.NewLedger(logger, store, nil, stops, defaults)

	reg := registry.NewRegistry(logger)
	reg.RegisterRunner(&stubFactory{agentType: "coder", runner: runner})

	executor := NewExecutor(logger, store, reg, nil, gate, stops, ledger)

	return &executorFixture{
		executor: executor,
		store:    store,
		stops:    stops,
		ledger:   ledger,
		gate:     gate,
	}
}

func saveDefinition(t *testing.T, store persistence.Persistence, steps ...*models.WorkflowStep) *models.WorkflowDefinition {
	t.Helper()

	def := &models.WorkflowDefinition{
		ID:        "wf-test",
		Name:      "Test Workflow",
		Version:   1,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	require.NoError(t, store.Definitions().Save(t.Context(), def))

	return def
}

func step(id, instructions string) *models.WorkflowStep {
	return &models.WorkflowStep{
		ID:              id,
		Name:            id,
		AgentType:       "coder",
		Instructions:    instructions,
		EstimatedTokens: 100,
		Enabled:         true,
	}
}

func TestStartExecution_CompletesAllSteps(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())
	saveDefinition(t, fixture.store, step("s1", "first"), step("s2", "second"), step("s3", "third"))

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", map[string]any{"seed": "v"})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 3, execution.CurrentStepIndex)
	assert.Len(t, execution.StepResults, 3)
	assert.NotNil(t, execution.CompletedAt)

	for i, result := range execution.StepResults {
		assert.Equal(t, i, result.StepIndex)
		assert.True(t, result.Success)
	}
}

func TestStartExecution_StepFailureFailsExecution(t *testing.T) {
	runner := &stubRunner{results: map[string]*protocol.AgentResult{
		"second": {Success: false, Error: "compile error", ErrorType: "build"},
	}}
	fixture := newExecutorFixture(t, runner, budget.DefaultLimits())
	saveDefinition(t, fixture.store, step("s1", "first"), step("s2", "second"), step("s3", "third"))

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.ErrorMessage, "compile error")
	assert.Len(t, execution.StepResults, 2)
	assert.NotNil(t, execution.CompletedAt)
}

func TestStartExecution_DisabledStepSkipped(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())

	disabled := step("s2", "second")
	disabled.Enabled = false
	saveDefinition(t, fixture.store, step("s1", "first"), disabled)

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	require.Len(t, execution.StepResults, 2)
	assert.True(t, execution.StepResults[1].Success)
	assert.Equal(t, map[string]any{"skipped": true}, execution.StepResults[1].Output)
}

func TestStartExecution_UnknownAgentTypeFails(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())

	rogue := step("s1", "first")
	rogue.AgentType = "reviewer"
	saveDefinition(t, fixture.store, rogue)

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.ErrorMessage, "not registered")
}

func TestStartExecution_RequiresApprovalPauses(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())

	gated := step("s1", "first")
	gated.RequiresApproval = true
	saveDefinition(t, fixture.store, gated)

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPaused, execution.Status)
	assert.Contains(t, execution.PausedReason, "HITL approval required")
	assert.Empty(t, execution.StepResults)

	pending, err := fixture.store.Approvals().ListPending(t.Context(), "proj-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, execution.ID, pending[0].TaskID)
	assert.Equal(t, "pre_execution", pending[0].RequestType)
}

func TestHandleApprovalDecision_ApproveResumes(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())

	gated := step("s1", "first")
	gated.RequiresApproval = true
	saveDefinition(t, fixture.store, gated, step("s2", "second"))

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusPaused, execution.Status)

	err = fixture.executor.HandleApprovalDecision(t.Context(), execution.ID, true, map[string]any{"reviewer_note": "go ahead"})
	require.NoError(t, err)

	final, err := fixture.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Len(t, final.StepResults, 2)
	assert.Equal(t, "go ahead", final.ContextData["reviewer_note"])
	assert.NotContains(t, final.ContextData, ctxKeyApprovedStep)
}

func TestHandleApprovalDecision_RejectFails(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())

	gated := step("s1", "first")
	gated.RequiresApproval = true
	saveDefinition(t, fixture.store, gated)

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusPaused, execution.Status)

	err = fixture.executor.HandleApprovalDecision(t.Context(), execution.ID, false, nil)
	require.NoError(t, err)

	final, err := fixture.store.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Equal(t, hitl.ErrAgentExecutionDenied.Error(), final.ErrorMessage)
	assert.Empty(t, final.StepResults)
}

func TestStartExecution_SafetyViolationPauses(t *testing.T) {
	runner := &stubRunner{results: map[string]*protocol.AgentResult{
		"first": {Success: true, TokensUsed: 100, Confidence: 0.9, SafetyViolation: true},
	}}
	fixture := newExecutorFixture(t, runner, budget.DefaultLimits())
	saveDefinition(t, fixture.store, step("s1", "first"), step("s2", "second"))

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPaused, execution.Status)
	assert.Len(t, execution.StepResults, 1)

	pending, err := fixture.store.Approvals().ListPending(t.Context(), "proj-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "safety_review", pending[0].RequestType)
}

func TestStartExecution_LowConfidencePauses(t *testing.T) {
	runner := &stubRunner{results: map[string]*protocol.AgentResult{
		"first": {Success: true, TokensUsed: 100, Confidence: 0.4},
	}}
	fixture := newExecutorFixture(t, runner, budget.DefaultLimits())
	saveDefinition(t, fixture.store, step("s1", "first"), step("s2", "second"))

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPaused, execution.Status)

	pending, err := fixture.store.Approvals().ListPending(t.Context(), "proj-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "low_confidence_review", pending[0].RequestType)
}

func TestStartExecution_BudgetDenied(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.Defaults{
		DailyTokenLimit:   4000,
		SessionTokenLimit: 4000,
	})

	expensive := step("s1", "first")
	expensive.EstimatedTokens = 5000
	saveDefinition(t, fixture.store, expensive)

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.ErrorMessage, budget.ErrBudgetLimitExceeded.Error())
	assert.Empty(t, execution.StepResults)
}

func TestStartExecution_EmergencyStopPauses(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())
	saveDefinition(t, fixture.store, step("s1", "first"))

	_, err := fixture.stops.Trigger(t.Context(), hitl.TriggerParams{
		ProjectID:   "proj-1",
		Reason:      "manual halt",
		TriggeredBy: models.StopTriggeredByUser,
	})
	require.NoError(t, err)

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPaused, execution.Status)
	assert.Contains(t, execution.PausedReason, "emergency stop active")
}

func TestStartExecution_ParallelGroupRunsAllSiblings(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())

	left := step("s2", "left")
	left.ParallelGroup = "fanout"
	right := step("s3", "right")
	right.ParallelGroup = "fanout"
	saveDefinition(t, fixture.store, step("s1", "first"), left, right, step("s4", "last"))

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	require.Len(t, execution.StepResults, 4)
	assert.Equal(t, 4, execution.CurrentStepIndex)

	// Parallel results keep definition order regardless of completion order.
	assert.Equal(t, "s2", execution.StepResults[1].StepID)
	assert.Equal(t, "s3", execution.StepResults[2].StepID)
}

func TestStartExecution_ParallelSiblingFailureFailsExecution(t *testing.T) {
	runner := &stubRunner{results: map[string]*protocol.AgentResult{
		"right": {Success: false, Error: "sibling broke", ErrorType: "runtime"},
	}}
	fixture := newExecutorFixture(t, runner, budget.DefaultLimits())

	left := step("s1", "left")
	left.ParallelGroup = "fanout"
	right := step("s2", "right")
	right.ParallelGroup = "fanout"
	saveDefinition(t, fixture.store, left, right)

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	// Both siblings ran to completion before the failure was applied.
	assert.Len(t, execution.StepResults, 2)
	assert.Contains(t, execution.ErrorMessage, "sibling broke")
}

func TestPauseResumeCancel_StateGuards(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())
	saveDefinition(t, fixture.store, step("s1", "first"))

	now := time.Now().UTC()
	execution := &models.WorkflowExecution{
		ID:          "exec-manual",
		ProjectID:   "proj-1",
		WorkflowID:  "wf-test",
		Status:      models.ExecutionStatusRunning,
		TotalSteps:  1,
		StepResults: []models.StepResult{},
		CreatedAt:   now,
		StartedAt:   &now,
	}
	require.NoError(t, fixture.store.Executions().Save(t.Context(), execution))

	paused, err := fixture.executor.Pause(t.Context(), "exec-manual", "operator hold")
	require.NoError(t, err)
	assert.True(t, paused)

	// Pausing an already paused execution is a no-op.
	paused, err = fixture.executor.Pause(t.Context(), "exec-manual", "again")
	require.NoError(t, err)
	assert.False(t, paused)

	resumed, err := fixture.executor.Resume(t.Context(), "exec-manual")
	require.NoError(t, err)
	assert.True(t, resumed)

	final, err := fixture.store.Executions().GetByID(t.Context(), "exec-manual")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	// Resume and Cancel on a terminal execution report false without error.
	resumed, err = fixture.executor.Resume(t.Context(), "exec-manual")
	require.NoError(t, err)
	assert.False(t, resumed)

	cancelled, err := fixture.executor.Cancel(t.Context(), "exec-manual", "too late")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancel_NonTerminalExecution(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())

	now := time.Now().UTC()
	execution := &models.WorkflowExecution{
		ID:         "exec-cancel",
		ProjectID:  "proj-1",
		WorkflowID: "wf-test",
		Status:     models.ExecutionStatusPaused,
		TotalSteps: 2,
		CreatedAt:  now,
		PausedAt:   &now,
	}
	require.NoError(t, fixture.store.Executions().Save(t.Context(), execution))

	cancelled, err := fixture.executor.Cancel(t.Context(), "exec-cancel", "operator abort")
	require.NoError(t, err)
	assert.True(t, cancelled)

	final, err := fixture.store.Executions().GetByID(t.Context(), "exec-cancel")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, final.Status)
	assert.Equal(t, "operator abort", final.ErrorMessage)
	assert.NotNil(t, final.CompletedAt)
}

func TestRecover(t *testing.T) {
	fixture := newExecutorFixture(t, &stubRunner{}, budget.DefaultLimits())

	recovered, err := fixture.executor.Recover(t.Context(), "exec-unknown")
	require.NoError(t, err)
	assert.Nil(t, recovered)

	execution := &models.WorkflowExecution{
		ID:         "exec-known",
		ProjectID:  "proj-1",
		WorkflowID: "wf-test",
		Status:     models.ExecutionStatusPaused,
		TotalSteps: 3,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, fixture.store.Executions().Save(t.Context(), execution))

	recovered, err = fixture.executor.Recover(t.Context(), "exec-known")
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, models.ExecutionStatusPaused, recovered.Status)
	assert.Equal(t, 3, recovered.TotalSteps)
}

// cancelOnFinalRead intercepts execution reads so a cancel can land between
// the run loop's last status check and the completion write.
type cancelOnFinalRead struct {
	persistence.ExecutionRepository

	fired  bool
	cancel func(executionID string)
}

func (r *cancelOnFinalRead) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	execution, err := r.ExecutionRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !r.fired && execution.Status == models.ExecutionStatusRunning && execution.CurrentStepIndex >= execution.TotalSteps {
		r.fired = true
		r.cancel(id)
	}

	return execution, nil
}

type cancelOnFinalReadStore struct {
	persistence.Persistence

	executions *cancelOnFinalRead
}

func (s *cancelOnFinalReadStore) Executions() persistence.ExecutionRepository {
	return s.executions
}

func TestStartExecution_CancelDuringCompletionStaysCancelled(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	base := file.NewPersistence(t.TempDir())
	hooked := &cancelOnFinalReadStore{
		Persistence: base,
		executions:  &cancelOnFinalRead{ExecutionRepository: base.Executions()},
	}

	stops := hitl.NewStopRegistry(logger, hooked, nil)
	gate := hitl.NewGate(logger, hooked, nil, stops)
	ledger := budget.NewLedger(logger, hooked, nil, stops, budget.DefaultLimits())

	reg := registry.NewRegistry(logger)
	reg.RegisterRunner(&stubFactory{agentType: "coder", runner: &stubRunner{}})

	executor := NewExecutor(logger, hooked, reg, nil, gate, stops, ledger)

	hooked.executions.cancel = func(executionID string) {
		ok, err := executor.Cancel(t.Context(), executionID, "operator abort")
		require.NoError(t, err)
		require.True(t, ok)
	}

	def := saveDefinition(t, hooked, step("s1", "first"))

	execution, err := executor.StartExecution(t.Context(), def.ID, "proj-1", nil)
	require.NoError(t, err)

	// The cancel that raced the final status check wins; completion must not
	// overwrite a terminal record.
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)

	stored, err := base.Executions().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Equal(t, "operator abort", stored.ErrorMessage)
}

func TestStartExecution_ParallelPauseRaisesSingleApproval(t *testing.T) {
	runner := &stubRunner{results: map[string]*protocol.AgentResult{
		"left":  {Success: true, TokensUsed: 100, Confidence: 0.4},
		"right": {Success: true, TokensUsed: 100, Confidence: 0.3},
	}}
	fixture := newExecutorFixture(t, runner, budget.DefaultLimits())

	left := step("s1", "left")
	left.ParallelGroup = "fanout"
	right := step("s2", "right")
	right.ParallelGroup = "fanout"
	saveDefinition(t, fixture.store, left, right)

	execution, err := fixture.executor.StartExecution(t.Context(), "wf-test", "proj-1", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPaused, execution.Status)
	assert.Len(t, execution.StepResults, 2)

	// Both siblings tripped the low confidence trigger, but policy stops at
	// the first pause, so the reviewer answers one request for the group.
	pending, err := fixture.store.Approvals().ListPending(t.Context(), "proj-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "low_confidence_review", pending[0].RequestType)
}
