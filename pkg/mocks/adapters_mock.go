package mocks

import (
	"context"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockMessageSender is a mock implementation of protocol.MessageSender.
type MockMessageSender struct {
	mock.Mock
}

func (m *MockMessageSender) Send(ctx context.Context, conversationID string, payload protocol.Payload) (string, error) {
	args := m.Called(ctx, conversationID, payload)

	return args.String(0), args.Error(1)
}

// MockAICompleter is a mock implementation of protocol.AICompleter.
type MockAICompleter struct {
	mock.Mock
}

func (m *MockAICompleter) Complete(ctx context.Context, request protocol.AIRequest) (string, error) {
	args := m.Called(ctx, request)

	return args.String(0), args.Error(1)
}

// MockHTTPInvoker is a mock implementation of protocol.HTTPInvoker.
type MockHTTPInvoker struct {
	mock.Mock
}

func (m *MockHTTPInvoker) Invoke(ctx context.Context, request protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	args := m.Called(ctx, request)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*protocol.HTTPResponse), args.Error(1)
}

// MockDatabaseQuerier is a mock implementation of protocol.DatabaseQuerier.
type MockDatabaseQuerier struct {
	mock.Mock
}

func (m *MockDatabaseQuerier) Query(
	ctx context.Context,
	connection, statement string,
	params []any,
) ([]map[string]any, error) {
	args := m.Called(ctx, connection, statement, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]map[string]any), args.Error(1)
}

// MockScriptRunner is a mock implementation of protocol.ScriptRunner.
type MockScriptRunner struct {
	mock.Mock
}

func (m *MockScriptRunner) Run(ctx context.Context, language, source string, snapshot models.Variables) (any, error) {
	args := m.Called(ctx, language, source, snapshot)

	return args.Get(0), args.Error(1)
}

// MockHandoffRouter is a mock implementation of protocol.HandoffRouter.
type MockHandoffRouter struct {
	mock.Mock
}

func (m *MockHandoffRouter) Route(ctx context.Context, conversationID string, target protocol.HandoffTarget) error {
	args := m.Called(ctx, conversationID, target)

	return args.Error(0)
}
