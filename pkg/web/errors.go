package web

import (
	"errors"

	"github.com/dukex/convoflow/pkg/engine"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusNotFound, "not_found", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleEngineError maps engine and store errors onto problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsFlowNotFound(err):
		return problem(c, fiber.StatusNotFound, "flow_not_found", "flow not found")

	case persistence.IsExecutionNotFound(err):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")

	case errors.Is(err, engine.ErrNoMatchingFlow):
		return problem(c, fiber.StatusNotFound, "no_matching_flow", err.Error())

	case errors.Is(err, engine.ErrExecutionBusy):
		return problem(c, fiber.StatusConflict, "execution_busy", err.Error())

	case errors.Is(err, engine.ErrConversationBusy), persistence.IsConversationBusy(err):
		return problem(c, fiber.StatusConflict, "conversation_busy", err.Error())

	case errors.Is(err, engine.ErrNotAwaitingInput):
		return problem(c, fiber.StatusConflict, "not_awaiting_input", err.Error())

	case engine.IsNotRunning(err):
		return problem(c, fiber.StatusConflict, "execution_not_running", err.Error())

	case errors.Is(err, engine.ErrFlowInactive):
		return problem(c, fiber.StatusUnprocessableEntity, "flow_inactive", err.Error())

	default:
		return internalError(c, err)
	}
}
