// Package busdelivery hands outbound messages and handoff requests to the
// messaging layer over the event bus.
package busdelivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/protocol"
)

// Publisher is the part of the event bus used for delivery.
type Publisher interface {
	eventbus.EventPublisher
	GenerateID() string
}

// Delivery implements protocol.MessageSender and protocol.HandoffRouter.
// Events are keyed by conversation so one conversation's messages stay ordered
// on partitioned transports.
type Delivery struct {
	bus    Publisher
	logger *slog.Logger
}

func New(bus Publisher, logger *slog.Logger) *Delivery {
	return &Delivery{bus: bus, logger: logger.With("module", "bus_delivery")}
}

func (d *Delivery) Send(ctx context.Context, conversationID string, payload protocol.Payload) (string, error) {
	deliveryID := d.bus.GenerateID()

	event := events.MessageOutbound{
		BaseEvent:  events.NewBaseEvent(events.MessageOutboundEvent, nil),
		DeliveryID: deliveryID,
		Payload:    payload,
	}
	event.ConversationID = conversationID

	err := d.bus.Publish(ctx, conversationID, event)
	if err != nil {
		return "", fmt.Errorf("failed to publish outbound message: %w", err)
	}

	d.logger.DebugContext(ctx, "Outbound message published",
		"conversation_id", conversationID, "delivery_id", deliveryID, "kind", payload.Kind)

	return deliveryID, nil
}

func (d *Delivery) Route(ctx context.Context, conversationID string, target protocol.HandoffTarget) error {
	event := events.HandoffRequested{
		BaseEvent: events.NewBaseEvent(events.HandoffRequestedEvent, nil),
		Target:    target,
	}
	event.ConversationID = conversationID

	err := d.bus.Publish(ctx, conversationID, event)
	if err != nil {
		return fmt.Errorf("failed to publish handoff request: %w", err)
	}

	d.logger.InfoContext(ctx, "Handoff requested",
		"conversation_id", conversationID, "target", target.Kind, "target_id", target.ID)

	return nil
}
