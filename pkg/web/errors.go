package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/stewardhq/steward/pkg/hitl"
	"github.com/stewardhq/steward/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleError maps orchestrator errors onto RFC 7807 problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsDefinitionNotFound(err):
		return notFound(c, "workflow definition not found")

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution not found")

	case persistence.IsApprovalNotFound(err):
		return notFound(c, "approval request not found")

	case persistence.IsStopNotFound(err):
		return notFound(c, "emergency stop not found")

	case hitl.IsInvalidRequest(err):
		return badRequest(c, err.Error())

	case hitl.IsAlreadyResponded(err):
		return conflict(c, "already_responded", "approval request already has a response")

	case hitl.IsEmergencyStopActive(err):
		return conflict(c, "emergency_stop_active", err.Error())

	default:
		return internalError(c, err)
	}
}
