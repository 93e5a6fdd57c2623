package busdelivery_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/convoflow/pkg/adapters/busdelivery"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/mocks"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSend(t *testing.T) {
	bus := new(mocks.MockEventBus)
	bus.On("GenerateID").Return("01HZX")
	bus.On("Publish", mock.Anything, "conv-1", mock.MatchedBy(func(event events.MessageOutbound) bool {
		return event.DeliveryID == "01HZX" &&
			event.ConversationID == "conv-1" &&
			event.Payload.Kind == protocol.PayloadText &&
			event.Payload.Text == "Hi Ana"
	})).Return(nil)

	delivery := busdelivery.New(bus, testLogger())

	id, err := delivery.Send(context.Background(), "conv-1", protocol.Payload{Kind: protocol.PayloadText, Text: "Hi Ana"})
	require.NoError(t, err)
	assert.Equal(t, "01HZX", id)
	bus.AssertExpectations(t)
}

func TestSend_PublishFailure(t *testing.T) {
	bus := new(mocks.MockEventBus)
	bus.On("GenerateID").Return("01HZX")
	bus.On("Publish", mock.Anything, "conv-1", mock.Anything).Return(errors.New("broker down"))

	_, err := busdelivery.New(bus, testLogger()).Send(context.Background(), "conv-1", protocol.Payload{Kind: protocol.PayloadText})
	require.Error(t, err)
}

func TestRoute(t *testing.T) {
	bus := new(mocks.MockEventBus)
	bus.On("Publish", mock.Anything, "conv-1", mock.MatchedBy(func(event events.HandoffRequested) bool {
		return event.Target.Kind == "queue" && event.Target.ID == "support" && event.GetType() == events.HandoffRequestedEvent
	})).Return(nil)

	err := busdelivery.New(bus, testLogger()).Route(context.Background(), "conv-1", protocol.HandoffTarget{Kind: "queue", ID: "support"})
	require.NoError(t, err)
	bus.AssertExpectations(t)
}
