// Package web provides the HTTP request and response types of the flow API.
package web

import (
	"github.com/dukex/convoflow/pkg/graph"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/scope"
)

// CreateFlowRequest represents the request body for authoring a new flow.
type CreateFlowRequest struct {
	Name        string            `json:"name"             validate:"required,min=3"`
	Description string            `json:"description"`
	Status      models.FlowStatus `json:"status,omitempty" validate:"omitempty,oneof=draft active inactive"`
	Trigger     models.Trigger    `json:"trigger"`
	Graph       models.FlowGraph  `json:"graph"`
	Tags        []string          `json:"tags,omitempty"`
}

// FlowResponse carries a saved flow and the advisory findings of its graph.
type FlowResponse struct {
	Flow     *models.FlowDefinition `json:"flow"`
	Warnings []graph.Issue          `json:"warnings"`
}

// ValidationResponse is the result of validating a flow graph.
type ValidationResponse struct {
	Valid    bool          `json:"valid"`
	Errors   []graph.Issue `json:"errors"`
	Warnings []graph.Issue `json:"warnings"`
}

// VariablesResponse lists the variables guaranteed at a node.
type VariablesResponse struct {
	NodeID    string           `json:"node_id"`
	Variables []scope.Variable `json:"variables"`
}

// StartExecutionRequest represents the request body for starting a flow by hand.
type StartExecutionRequest struct {
	FlowID         string         `json:"flow_id"         validate:"required"`
	ConversationID string         `json:"conversation_id" validate:"required"`
	ContactID      string         `json:"contact_id"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
}

// ResumeExecutionRequest delivers the reply a halted execution waits for.
type ResumeExecutionRequest struct {
	Input any `json:"input"`
}

// InboundMessageRequest is a user message forwarded by the messaging layer.
type InboundMessageRequest struct {
	ContactID    string         `json:"contact_id"`
	Text         string         `json:"text"                validate:"required"`
	Contact      map[string]any `json:"contact,omitempty"`
	FirstMessage bool           `json:"first_message"`
}

// InboundMessageResponse tells the caller what an inbound message did.
type InboundMessageResponse struct {
	ExecutionID string                `json:"execution_id,omitempty"`
	Started     bool                  `json:"started"`
	Execution   *models.FlowExecution `json:"execution,omitempty"`
}

// NewValidationResponse flattens a graph report.
func NewValidationResponse(report *graph.Report) ValidationResponse {
	return ValidationResponse{
		Valid:    report.Valid(),
		Errors:   nonNil(report.Errors),
		Warnings: nonNil(report.Warnings),
	}
}

func nonNil(issues []graph.Issue) []graph.Issue {
	if issues == nil {
		return []graph.Issue{}
	}

	return issues
}

// Inspect validates a flow graph and adds the variable scope warnings.
func Inspect(flow *models.FlowDefinition) *graph.Report {
	g := graph.New(flow)

	report := graph.Validate(g)
	scope.NewResolver(g).Annotate(report)

	return report
}
