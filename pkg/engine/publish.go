package engine

import (
	"context"

	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/models"
)

// publish is best effort: a lost lifecycle event never fails a step.
func (e *Engine) publish(ctx context.Context, execution *models.FlowExecution, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	err := e.bus.Publish(ctx, execution.ConversationID, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event",
			"execution_id", execution.ID, "event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) publishStarted(ctx context.Context, execution *models.FlowExecution, previousID string) {
	e.publish(ctx, execution, events.ExecutionStarted{
		BaseEvent:           events.NewBaseEvent(events.ExecutionStartedEvent, execution),
		ContactID:           execution.ContactID,
		TriggerData:         execution.TriggerData,
		PreviousExecutionID: previousID,
	})
}

func (e *Engine) publishStep(ctx context.Context, execution *models.FlowExecution, entry *models.ExecutionLog) {
	e.publish(ctx, execution, events.ExecutionStep{
		BaseEvent:    events.NewBaseEvent(events.ExecutionStepEvent, execution),
		NodeID:       entry.NodeID,
		NodeType:     entry.NodeType,
		Status:       entry.Status,
		ErrorMessage: entry.ErrorMessage,
		DurationMs:   entry.DurationMs,
	})
}

func (e *Engine) publishSuspended(ctx context.Context, execution *models.FlowExecution) {
	e.publish(ctx, execution, events.ExecutionSuspended{
		BaseEvent:  events.NewBaseEvent(events.ExecutionSuspendedEvent, execution),
		NodeID:     execution.CurrentNodeID,
		WaitingFor: execution.WaitingFor,
		ResumeAt:   execution.ResumeAt,
	})
}

func (e *Engine) publishFinished(ctx context.Context, execution *models.FlowExecution, nodeID string) {
	switch execution.Status {
	case models.ExecutionStatusCompleted:
		e.publish(ctx, execution, events.ExecutionCompleted{
			BaseEvent:  events.NewBaseEvent(events.ExecutionCompletedEvent, execution),
			DurationMs: execution.DurationMs,
		})
	case models.ExecutionStatusFailed:
		e.publish(ctx, execution, events.ExecutionFailed{
			BaseEvent:  events.NewBaseEvent(events.ExecutionFailedEvent, execution),
			NodeID:     nodeID,
			Error:      execution.ErrorMessage,
			DurationMs: execution.DurationMs,
		})
	case models.ExecutionStatusCancelled:
		e.publish(ctx, execution, events.ExecutionCancelled{
			BaseEvent:  events.NewBaseEvent(events.ExecutionCancelledEvent, execution),
			DurationMs: execution.DurationMs,
		})
	case models.ExecutionStatusRunning:
	}
}
