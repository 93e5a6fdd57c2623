package llm_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/convoflow/pkg/adapters/llm"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type mockModel struct {
	mock.Mock
}

func (m *mockModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	args := m.Called(ctx, prompt, options)

	return args.String(0), args.Error(1)
}

func (m *mockModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	args := m.Called(ctx, messages, options)

	resp, _ := args.Get(0).(*llms.ContentResponse)

	return resp, args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestComplete(t *testing.T) {
	model := new(mockModel)
	temperature := 0.2

	model.On("GenerateContent", mock.Anything, mock.MatchedBy(func(messages []llms.MessageContent) bool {
		return len(messages) == 2 &&
			messages[0].Role == llms.ChatMessageTypeSystem &&
			messages[1].Role == llms.ChatMessageTypeHuman &&
			messages[1].Parts[0] == llms.TextContent{Text: "Summarise: order A-1"}
	}), mock.MatchedBy(func(options []llms.CallOption) bool {
		opts := llms.CallOptions{}
		for _, option := range options {
			option(&opts)
		}

		return opts.Model == "gpt-4o-mini" && opts.Temperature == 0.2 && opts.MaxTokens == 64
	})).Return(&llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: "Order A-1 ships today."}},
	}, nil)

	completer := llm.NewCompleter(model, testLogger())

	text, err := completer.Complete(context.Background(), protocol.AIRequest{
		Prompt:       "Summarise: order A-1",
		SystemPrompt: "You are terse.",
		Model:        "gpt-4o-mini",
		Temperature:  &temperature,
		MaxTokens:    64,
	})
	require.NoError(t, err)
	assert.Equal(t, "Order A-1 ships today.", text)
	model.AssertExpectations(t)
}

func TestComplete_Failures(t *testing.T) {
	model := new(mockModel)
	completer := llm.NewCompleter(model, testLogger())

	_, err := completer.Complete(context.Background(), protocol.AIRequest{Prompt: "  "})
	require.ErrorIs(t, err, llm.ErrEmptyPrompt)

	model.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Return(&llms.ContentResponse{}, nil).Once()

	_, err = completer.Complete(context.Background(), protocol.AIRequest{Prompt: "hi"})
	require.ErrorIs(t, err, llm.ErrEmptyResponse)

	upstream := errors.New("rate limited")
	model.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, upstream).Once()

	_, err = completer.Complete(context.Background(), protocol.AIRequest{Prompt: "hi"})
	require.ErrorIs(t, err, upstream)
}
