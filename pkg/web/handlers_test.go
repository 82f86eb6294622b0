package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stewardhq/steward/pkg/budget"
	"github.com/stewardhq/steward/pkg/hitl"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
	"github.com/stewardhq/steward/pkg/persistence/file"
	"github.com/stewardhq/steward/pkg/protocol"
	"github.com/stewardhq/steward/pkg/registry"
	"github.com/stewardhq/steward/pkg/web"
	"github.com/stewardhq/steward/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okRunner struct{}

func (okRunner) Execute(_ context.Context, _ string, _ map[string]any, _ *slog.Logger) (*protocol.AgentResult, error) {
	return &protocol.AgentResult{
		Success:    true,
		Output:     map[string]any{"done": true},
		TokensUsed: 100,
		Confidence: 0.95,
	}, nil
}

type okFactory struct{}

func (okFactory) Create(_ map[string]any) (protocol.AgentRunner, error) { return okRunner{}, nil }
func (okFactory) AgentType() string                                    { return "coder" }

func setupTestApp(t *testing.T) (*fiber.App, persistence.Persistence) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := file.NewPersistence(t.TempDir())
	stops := hitl.NewStopRegistry(logger, store, nil)
	gate := hitl.NewGate(logger, store, nil, stops)
	ledger := budget.NewLedger(logger, store, nil, stops, budget.DefaultLimits())
	definitions := workflow.NewRepository(store)

	reg := registry.NewRegistry(logger)
	reg.RegisterRunner(okFactory{})

	executor := workflow.NewExecutor(logger, store, reg, nil, gate, stops, ledger)
	validate := validator.New(validator.WithRequiredStructEnabled())
	handlers := web.NewAPIHandlers(definitions, executor, gate, stops, ledger, store, validate)

	app := fiber.New()

	w := app.Group("/workflows")
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/", handlers.GetWorkflows)
	w.Get("/:id", handlers.GetWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)

	e := app.Group("/executions")
	e.Post("/", handlers.StartExecution)
	e.Get("/", handlers.ListExecutions)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/pause", handlers.PauseExecution)
	e.Post("/:id/resume", handlers.ResumeExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	a := app.Group("/approvals")
	a.Get("/", handlers.ListApprovals)
	a.Get("/:id", handlers.GetApproval)
	a.Post("/:id/respond", handlers.RespondApproval)

	s := app.Group("/emergency-stops")
	s.Post("/", handlers.CreateEmergencyStop)
	s.Get("/", handlers.ListEmergencyStops)
	s.Delete("/:id", handlers.DeactivateEmergencyStop)

	app.Get("/budgets/:projectId/:agentType", handlers.GetBudgetStatus)
	app.Get("/health", handlers.HealthCheck)

	return app, store
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) *http.Response {
	t.Helper()

	var body []byte

	if str, ok := payload.(string); ok {
		body = []byte(str)
	} else {
		var err error

		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out T

	require.NoError(t, json.Unmarshal(raw, &out))

	return out
}

func definitionRequest() web.CreateDefinitionRequest {
	return web.CreateDefinitionRequest{
		ID:      "wf-review",
		Name:    "Review Pipeline",
		Version: 1,
		Steps: []*models.WorkflowStep{
			{
				ID:              "step-1",
				Name:            "Implement",
				AgentType:       "coder",
				Instructions:    "implement the change",
				EstimatedTokens: 100,
				Enabled:         true,
			},
		},
	}
}

func TestAPIHandlers_CreateWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{
			name:           "successful creation",
			requestBody:    definitionRequest(),
			expectedStatus: http.StatusCreated,
		},
		{
			name: "validation error - missing steps",
			requestBody: web.CreateDefinitionRequest{
				ID:   "wf-empty",
				Name: "Empty Pipeline",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "validation error - name too short",
			requestBody: web.CreateDefinitionRequest{
				ID:    "wf-short",
				Name:  "ab",
				Steps: definitionRequest().Steps,
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON",
			requestBody:    "not-json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			resp := postJSON(t, app, "/workflows/", tt.requestBody)

			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusCreated {
				def := decodeBody[models.WorkflowDefinition](t, resp)
				assert.Equal(t, "wf-review", def.ID)
				assert.Len(t, def.Steps, 1)
			}
		})
	}
}

func TestAPIHandlers_GetWorkflow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := postJSON(t, app, "/workflows/", definitionRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/workflows/wf-review", nil))
	require.NoError(t, err)
	def := decodeBody[models.WorkflowDefinition](t, resp)
	assert.Equal(t, "Review Pipeline", def.Name)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/workflows/missing", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_DeleteWorkflow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := postJSON(t, app, "/workflows/", definitionRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	req := httptest.NewRequest(http.MethodDelete, "/workflows/wf-review", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/workflows/wf-review", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_StartExecution(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := postJSON(t, app, "/workflows/", definitionRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, app, "/executions/", web.StartExecutionRequest{
		WorkflowID:  "wf-review",
		ProjectID:   "proj-1",
		ContextData: map[string]any{"branch": "main"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	execution := decodeBody[models.WorkflowExecution](t, resp)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Len(t, execution.StepResults, 1)

	resp = postJSON(t, app, "/executions/", web.StartExecutionRequest{
		WorkflowID: "missing",
		ProjectID:  "proj-1",
	})

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_StartExecution_Validation(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := postJSON(t, app, "/executions/", web.StartExecutionRequest{WorkflowID: "wf-review"})

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_ListExecutions(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := postJSON(t, app, "/workflows/", definitionRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, app, "/executions/", web.StartExecutionRequest{WorkflowID: "wf-review", ProjectID: "proj-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/executions/?project_id=proj-1", nil))
	require.NoError(t, err)
	executions := decodeBody[[]models.WorkflowExecution](t, resp)
	assert.Len(t, executions, 1)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/executions/", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_ExecutionTransitions(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)

	execution := &models.WorkflowExecution{
		ID:          "exec-manual",
		ProjectID:   "proj-1",
		WorkflowID:  "wf-review",
		Status:      models.ExecutionStatusRunning,
		TotalSteps:  3,
		StepResults: []models.StepResult{},
	}
	require.NoError(t, store.Executions().Save(t.Context(), execution))

	resp := postJSON(t, app, "/executions/"+execution.ID+"/pause", web.TransitionRequest{Reason: "operator hold"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paused := decodeBody[models.WorkflowExecution](t, resp)
	assert.Equal(t, models.ExecutionStatusPaused, paused.Status)
	assert.Equal(t, "operator hold", paused.PausedReason)

	// Pausing a paused execution is an invalid transition.
	resp = postJSON(t, app, "/executions/"+execution.ID+"/pause", web.TransitionRequest{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, app, "/executions/"+execution.ID+"/cancel", web.TransitionRequest{Reason: "no longer needed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decodeBody[models.WorkflowExecution](t, resp)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	resp = postJSON(t, app, "/executions/"+execution.ID+"/resume", web.TransitionRequest{})

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPIHandlers_Approvals(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)

	logger := slog.New(slog.DiscardHandler)
	stops := hitl.NewStopRegistry(logger, store, nil)
	gate := hitl.NewGate(logger, store, nil, stops)

	approval, err := gate.CreateApprovalRequest(t.Context(), hitl.CreateApprovalParams{
		ProjectID:   "proj-1",
		TaskID:      "exec-1",
		AgentType:   "coder",
		RequestType: "pre_execution",
		RequestData: map[string]any{"step_index": 0},
		Timeout:     time.Hour,
	})
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/approvals/?project_id=proj-1", nil))
	require.NoError(t, err)
	pending := decodeBody[[]models.ApprovalRequest](t, resp)
	require.Len(t, pending, 1)
	assert.Equal(t, approval.ID, pending[0].ID)

	resp = postJSON(t, app, "/approvals/"+approval.ID+"/respond", web.RespondApprovalRequest{
		Action:    models.ApprovalActionApprove,
		Responder: "reviewer@example.com",
		Comment:   "looks good",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	responded := decodeBody[models.ApprovalRequest](t, resp)
	assert.Equal(t, models.ApprovalStatusApproved, responded.Status)

	// A second response loses the race against the recorded one.
	resp = postJSON(t, app, "/approvals/"+approval.ID+"/respond", web.RespondApprovalRequest{
		Action:    models.ApprovalActionReject,
		Responder: "other@example.com",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/approvals/missing", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_EmergencyStops(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := postJSON(t, app, "/emergency-stops/", web.CreateStopRequest{
		ProjectID: "proj-1",
		AgentType: "*",
		Reason:    "runaway agent",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	stop := decodeBody[models.EmergencyStop](t, resp)
	assert.True(t, stop.Active)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/emergency-stops/", nil))
	require.NoError(t, err)
	active := decodeBody[[]models.EmergencyStop](t, resp)
	require.Len(t, active, 1)

	req := httptest.NewRequest(http.MethodDelete, "/emergency-stops/"+stop.ID, nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/emergency-stops/", nil))
	require.NoError(t, err)
	active = decodeBody[[]models.EmergencyStop](t, resp)
	assert.Empty(t, active)
}

func TestAPIHandlers_BudgetStatus(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/budgets/proj-1/coder", nil))
	require.NoError(t, err)
	status := decodeBody[models.BudgetStatus](t, resp)
	assert.Equal(t, "proj-1", status.ProjectID)
	assert.Equal(t, "coder", status.AgentType)
	assert.Zero(t, status.TokensUsedToday)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
