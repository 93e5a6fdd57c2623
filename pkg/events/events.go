// Package events defines the events exchanged with the messaging layer and
// published along an execution's lifecycle.
package events

import (
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every convoflow event.
const Topic = "convoflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionStepEvent      EventType = "execution.step"
	ExecutionSuspendedEvent EventType = "execution.suspended"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	// Conversation events exchanged with the messaging layer.
	MessageInboundEvent   EventType = "message.inbound"
	MessageOutboundEvent  EventType = "message.outbound"
	HandoffRequestedEvent EventType = "handoff.requested"
)

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	FlowID         string         `json:"flow_id,omitempty"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a new event envelope.
func NewBaseEvent(eventType EventType, execution *models.FlowExecution) BaseEvent {
	base := BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}

	if execution != nil {
		base.FlowID = execution.FlowID
		base.ExecutionID = execution.ID
		base.ConversationID = execution.ConversationID
	}

	return base
}

type ExecutionStarted struct {
	BaseEvent

	ContactID   string         `json:"contact_id"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	// PreviousExecutionID is the execution that jumped into this flow.
	PreviousExecutionID string `json:"previous_execution_id,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionStep struct {
	BaseEvent

	NodeID       string           `json:"node_id"`
	NodeType     models.NodeType  `json:"node_type"`
	Status       models.LogStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
}

func (e ExecutionStep) GetType() EventType {
	return ExecutionStepEvent
}

type ExecutionSuspended struct {
	BaseEvent

	NodeID     string          `json:"node_id"`
	WaitingFor models.WaitKind `json:"waiting_for"`
	ResumeAt   *time.Time      `json:"resume_at,omitempty"`
}

func (e ExecutionSuspended) GetType() EventType {
	return ExecutionSuspendedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	DurationMs int64 `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	NodeID     string `json:"node_id,omitempty"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	DurationMs int64 `json:"duration_ms"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// MessageInbound is a user message received by the messaging layer.
type MessageInbound struct {
	BaseEvent

	ContactID string         `json:"contact_id"`
	Text      string         `json:"text"`
	Contact   map[string]any `json:"contact,omitempty"`

	// FirstMessage is set when the conversation had no earlier messages.
	FirstMessage bool `json:"first_message,omitempty"`
}

func (e MessageInbound) GetType() EventType {
	return MessageInboundEvent
}

// MessageOutbound asks the messaging layer to deliver a rendered payload.
type MessageOutbound struct {
	BaseEvent

	DeliveryID string           `json:"delivery_id"`
	Payload    protocol.Payload `json:"payload"`
}

func (e MessageOutbound) GetType() EventType {
	return MessageOutboundEvent
}

// HandoffRequested asks the support layer to take over a conversation.
type HandoffRequested struct {
	BaseEvent

	Target protocol.HandoffTarget `json:"target"`
}

func (e HandoffRequested) GetType() EventType {
	return HandoffRequestedEvent
}
