package engine

import (
	"context"
	"fmt"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

// InboundMessage is a user message delivered by the messaging layer.
type InboundMessage struct {
	ConversationID string
	ContactID      string
	Text           string
	Contact        map[string]any
	// FirstMessage is true when the conversation had no previous messages.
	FirstMessage bool
}

// InboundResult tells the caller what an inbound message did.
type InboundResult struct {
	// ExecutionID is the execution the conversation is in after the message.
	ExecutionID string
	Started     bool
}

// HandleInbound resumes the conversation's execution when it waits for a
// reply, otherwise starts the first active flow whose trigger matches.
func (e *Engine) HandleInbound(ctx context.Context, message InboundMessage) (*InboundResult, error) {
	running, err := e.store.RunningExecutionByConversation(ctx, message.ConversationID)
	if err != nil && !persistence.IsExecutionNotFound(err) {
		return nil, fmt.Errorf("failed to load running execution: %w", err)
	}

	if err == nil && running != nil {
		if !running.IsAwaitingInput() {
			return &InboundResult{ExecutionID: running.ID}, fmt.Errorf("%w: %s", ErrConversationBusy, message.ConversationID)
		}

		executionID, err := e.resume(ctx, running.ID, message.Text)

		return &InboundResult{ExecutionID: executionID}, err
	}

	flow, err := e.matchFlow(ctx, message)
	if err != nil {
		return nil, err
	}

	triggerData := map[string]any{
		"source":  "inbound",
		"text":    message.Text,
		"contact": message.Contact,
	}

	executionID, err := e.start(ctx, flow, message.ConversationID, message.ContactID, triggerData,
		e.seedVariables(message.ConversationID, triggerData))
	if executionID == "" {
		return nil, err
	}

	return &InboundResult{ExecutionID: executionID, Started: true}, err
}

// matchFlow prefers keyword triggers over first-message triggers.
func (e *Engine) matchFlow(ctx context.Context, message InboundMessage) (*models.FlowDefinition, error) {
	flows, err := e.store.ActiveFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active flows: %w", err)
	}

	for _, kind := range []models.TriggerKind{models.TriggerKindKeyword, models.TriggerKindFirstMessage} {
		for _, flow := range flows {
			if flow.Trigger.Kind == kind && flow.MatchesTrigger(message.Text, message.FirstMessage) {
				return flow, nil
			}
		}
	}

	return nil, ErrNoMatchingFlow
}
