package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stewardhq/steward/pkg/budget"
	"github.com/stewardhq/steward/pkg/hitl"
	"github.com/stewardhq/steward/pkg/models"
	"github.com/stewardhq/steward/pkg/persistence"
	"github.com/stewardhq/steward/pkg/workflow"
)

type APIHandlers struct {
	definitions *workflow.Repository
	executor    *workflow.Executor
	gate        *hitl.Gate
	stops       *hitl.StopRegistry
	ledger      *budget.Ledger
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	definitions *workflow.Repository,
	executor *workflow.Executor,
	gate *hitl.Gate,
	stops *hitl.StopRegistry,
	ledger *budget.Ledger,
	store persistence.Persistence,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		definitions: definitions,
		executor:    executor,
		gate:        gate,
		stops:       stops,
		ledger:      ledger,
		persistence: store,
		validator:   validate,
	}
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateDefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	def := &models.WorkflowDefinition{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Steps:       req.Steps,
		Variables:   req.Variables,
		Metadata:    req.Metadata,
	}

	created, err := h.definitions.Create(c.Context(), def)
	if err != nil {
		return badRequest(c, err.Error())
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	defs, err := h.definitions.FetchAll(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(defs)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	def, err := h.definitions.FetchByID(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	if err := h.definitions.Delete(c.Context(), id); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.executor.StartExecution(c.Context(), req.WorkflowID, req.ProjectID, req.ContextData)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.persistence.Executions().GetByID(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	projectID := c.Query("project_id")
	if projectID == "" {
		return badRequest(c, "project_id query parameter is required")
	}

	executions, err := h.persistence.Executions().ListByProject(c.Context(), projectID)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(executions)
}

func (h *APIHandlers) PauseExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var req TransitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.Reason == "" {
		req.Reason = "paused by operator"
	}

	paused, err := h.executor.Pause(c.Context(), id, req.Reason)
	if err != nil {
		return handleError(c, err)
	}

	if !paused {
		return conflict(c, "invalid_transition", "execution is not running")
	}

	return h.GetExecution(c)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	resumed, err := h.executor.Resume(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	if !resumed {
		return conflict(c, "invalid_transition", "execution is not paused")
	}

	return h.GetExecution(c)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var req TransitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	cancelled, err := h.executor.Cancel(c.Context(), id, req.Reason)
	if err != nil {
		return handleError(c, err)
	}

	if !cancelled {
		return conflict(c, "invalid_transition", "execution is already terminal")
	}

	return h.GetExecution(c)
}

func (h *APIHandlers) ListApprovals(c fiber.Ctx) error {
	approvals, err := h.persistence.Approvals().ListPending(c.Context(), c.Query("project_id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(approvals)
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Approval ID is required")
	}

	approval, err := h.persistence.Approvals().GetByID(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(approval)
}

func (h *APIHandlers) RespondApproval(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Approval ID is required")
	}

	var req RespondApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.gate.Respond(c.Context(), id, req.Action, req.Responder, req.Comment, req.AmendedContent)
	if err != nil {
		return handleError(c, err)
	}

	approval, err := h.persistence.Approvals().GetByID(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(approval)
}

func (h *APIHandlers) CreateEmergencyStop(c fiber.Ctx) error {
	var req CreateStopRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	stop, err := h.stops.Trigger(c.Context(), hitl.TriggerParams{
		ProjectID:     req.ProjectID,
		AgentType:     req.AgentType,
		Reason:        req.Reason,
		TriggeredBy:   models.StopTriggeredByUser,
		CancelTaskIDs: req.CancelTaskIDs,
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(stop)
}

func (h *APIHandlers) ListEmergencyStops(c fiber.Ctx) error {
	return c.JSON(h.stops.ActiveStops())
}

func (h *APIHandlers) DeactivateEmergencyStop(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Stop ID is required")
	}

	if err := h.stops.Deactivate(c.Context(), id); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetBudgetStatus(c fiber.Ctx) error {
	projectID := c.Params("projectId")
	agentType := c.Params("agentType")

	if projectID == "" || agentType == "" {
		return badRequest(c, "Project ID and agent type are required")
	}

	status, err := h.ledger.Status(c.Context(), projectID, agentType)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())

	status := "healthy"
	httpStatus := http.StatusOK

	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
