// Package web provides the HTTP handlers of the flow authoring and execution API.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/convoflow/pkg/engine"
	"github.com/dukex/convoflow/pkg/graph"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/scope"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// FlowEngine is the part of the interpreter the API drives.
type FlowEngine interface {
	Start(ctx context.Context, flowID, conversationID, contactID string, triggerData map[string]any) (string, error)
	Resume(ctx context.Context, executionID string, input any) error
	Cancel(ctx context.Context, executionID string) error
	GetStatus(ctx context.Context, executionID string) (*models.FlowExecution, error)
	Logs(ctx context.Context, executionID string) ([]*models.ExecutionLog, error)
	HandleInbound(ctx context.Context, message engine.InboundMessage) (*engine.InboundResult, error)
}

type APIHandlers struct {
	store     persistence.Persistence
	engine    FlowEngine
	validator *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewAPIHandlers(
	store persistence.Persistence,
	engine FlowEngine,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		store:     store,
		engine:    engine,
		validator: validator,
		logger:    logger.With("module", "web"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	flows, err := h.store.Flows(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	if status := c.Query("status"); status != "" {
		filtered := make([]*models.FlowDefinition, 0, len(flows))

		for _, flow := range flows {
			if string(flow.Status) == status {
				filtered = append(filtered, flow)
			}
		}

		flows = filtered
	}

	return c.JSON(fiber.Map{
		"flows":       flows,
		"total_count": len(flows),
	})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.store.FlowByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	flow := &models.FlowDefinition{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
		Trigger:     req.Trigger,
		Graph:       req.Graph,
		Tags:        req.Tags,
	}

	if flow.Status == "" {
		flow.Status = models.FlowStatusDraft
	}

	if flow.Trigger.Kind == "" {
		flow.Trigger.Kind = models.TriggerKindManual
	}

	if err := h.validator.Struct(flow); err != nil {
		return badRequest(c, err.Error())
	}

	report := Inspect(flow)
	if !report.Valid() {
		return problem(c, fiber.StatusUnprocessableEntity, "invalid_graph", report.Err().Error())
	}

	if flow.Status == models.FlowStatusActive {
		flow.Activate(h.now())
	}

	err := h.store.SaveFlow(c.Context(), flow)
	if err != nil {
		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Flow created", "flow_id", flow.ID, "status", flow.Status)

	return c.Status(fiber.StatusCreated).JSON(FlowResponse{Flow: flow, Warnings: nonNil(report.Warnings)})
}

func (h *APIHandlers) ValidateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	flow := &models.FlowDefinition{Name: req.Name, Trigger: req.Trigger, Graph: req.Graph}

	return c.JSON(NewValidationResponse(Inspect(flow)))
}

func (h *APIHandlers) ActivateFlow(c fiber.Ctx) error {
	flow, err := h.store.FlowByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	report := Inspect(flow)
	if !report.Valid() {
		return problem(c, fiber.StatusUnprocessableEntity, "invalid_graph", report.Err().Error())
	}

	flow.Activate(h.now())

	err = h.store.SaveFlow(c.Context(), flow)
	if err != nil {
		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Flow activated", "flow_id", flow.ID)

	return c.JSON(FlowResponse{Flow: flow, Warnings: nonNil(report.Warnings)})
}

func (h *APIHandlers) DeactivateFlow(c fiber.Ctx) error {
	flow, err := h.store.FlowByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	flow.Deactivate(h.now())

	err = h.store.SaveFlow(c.Context(), flow)
	if err != nil {
		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Flow deactivated", "flow_id", flow.ID)

	return c.JSON(flow)
}

func (h *APIHandlers) GetNodeVariables(c fiber.Ctx) error {
	flow, err := h.store.FlowByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	nodeID := c.Params("nodeId")

	available, ok := scope.NewResolver(graph.New(flow)).AvailableAt(nodeID)
	if !ok {
		return problem(c, fiber.StatusNotFound, "node_not_found", "node not found")
	}

	return c.JSON(VariablesResponse{NodeID: nodeID, Variables: available})
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	executionID, err := h.engine.Start(c.Context(), req.FlowID, req.ConversationID, req.ContactID, req.TriggerData)
	if err != nil {
		if executionID != "" {
			h.logger.ErrorContext(c.Context(), "Execution started but did not finish its run",
				"execution_id", executionID, "error", err)
		}

		return handleEngineError(c, err)
	}

	return h.respondExecution(c, fiber.StatusCreated, executionID)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	return h.respondExecution(c, fiber.StatusOK, c.Params("id"))
}

func (h *APIHandlers) GetExecutionLogs(c fiber.Ctx) error {
	logs, err := h.engine.Logs(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"logs": logs})
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	var req ResumeExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	id := c.Params("id")

	err := h.engine.Resume(c.Context(), id, req.Input)
	if err != nil {
		return handleEngineError(c, err)
	}

	return h.respondExecution(c, fiber.StatusOK, id)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")

	err := h.engine.Cancel(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return h.respondExecution(c, fiber.StatusOK, id)
}

func (h *APIHandlers) HandleInbound(c fiber.Ctx) error {
	var req InboundMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.HandleInbound(c.Context(), engine.InboundMessage{
		ConversationID: c.Params("id"),
		ContactID:      req.ContactID,
		Text:           req.Text,
		Contact:        req.Contact,
		FirstMessage:   req.FirstMessage,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	response := InboundMessageResponse{ExecutionID: result.ExecutionID, Started: result.Started}

	execution, err := h.engine.GetStatus(c.Context(), result.ExecutionID)
	if err == nil {
		response.Execution = execution
	}

	return c.JSON(response)
}

func (h *APIHandlers) respondExecution(c fiber.Ctx, status int, executionID string) error {
	execution, err := h.engine.GetStatus(c.Context(), executionID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(status).JSON(execution)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "convoflow API is healthy"
	httpStatus := http.StatusOK
	check := "ok"

	err := h.store.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		message = "convoflow API is unhealthy"
		httpStatus = http.StatusInternalServerError
		check = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": check,
		},
		"timestamp": h.now(),
	})
}
