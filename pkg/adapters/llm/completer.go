// Package llm answers ai_prompt nodes with any langchaingo model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	ErrEmptyPrompt   = errors.New("empty prompt")
	ErrEmptyResponse = errors.New("LLM returned empty response")
)

// Completer implements protocol.AICompleter on top of an llms.Model.
type Completer struct {
	model  llms.Model
	logger *slog.Logger
}

func NewCompleter(model llms.Model, logger *slog.Logger) *Completer {
	return &Completer{model: model, logger: logger.With("module", "llm_completer")}
}

// NewOpenAICompleter builds a Completer backed by the OpenAI API. model may be
// empty to use the provider default.
func NewOpenAICompleter(apiKey, model string, logger *slog.Logger) (*Completer, error) {
	options := []openai.Option{openai.WithToken(apiKey)}
	if model != "" {
		options = append(options, openai.WithModel(model))
	}

	client, err := openai.New(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}

	return NewCompleter(client, logger), nil
}

func (c *Completer) Complete(ctx context.Context, request protocol.AIRequest) (string, error) {
	if strings.TrimSpace(request.Prompt) == "" {
		return "", ErrEmptyPrompt
	}

	messages := make([]llms.MessageContent, 0, 2)
	if request.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, request.SystemPrompt))
	}

	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, request.Prompt))

	options := []llms.CallOption{}
	if request.Model != "" {
		options = append(options, llms.WithModel(request.Model))
	}

	if request.Temperature != nil {
		options = append(options, llms.WithTemperature(*request.Temperature))
	}

	if request.MaxTokens > 0 {
		options = append(options, llms.WithMaxTokens(request.MaxTokens))
	}

	resp, err := c.model.GenerateContent(ctx, messages, options...)
	if err != nil {
		return "", fmt.Errorf("LLM call failed: %w", err)
	}

	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	c.logger.DebugContext(ctx, "LLM completion finished", "stop_reason", resp.Choices[0].StopReason)

	return resp.Choices[0].Content, nil
}
