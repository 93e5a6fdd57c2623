package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/convoflow/pkg/adapters/httpcall"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/dukex/convoflow/pkg/template"
)

// ErrAdapterTimeout is recorded when an adapter call outlives its bound.
var ErrAdapterTimeout = errors.New("adapter call timed out")

// step performs one node's effect and decides where the execution goes next.
// It never writes to the store.
func (e *Engine) step(ctx context.Context, r *run, node models.Node) stepResult {
	res := stepResult{vars: r.exec.ExecutionData, logStatus: models.LogStatusSuccess}

	switch config := node.Config.(type) {
	case *models.StartConfig:
		return e.follow(r, node, res)
	case *models.EndConfig:
		return res.complete()
	case *models.MessageConfig:
		return e.stepMessage(ctx, r, node, config, res)
	case *models.QuestionConfig:
		return e.stepQuestion(ctx, r, node, config, res)
	case *models.ConditionConfig:
		return e.stepCondition(r, node, config, res)
	case *models.ActionConfig:
		res.input = map[string]any{"action": config.Action, "params": config.Params}

		return e.follow(r, node, res)
	case *models.APICallConfig:
		return e.stepAPICall(ctx, r, node, config, res)
	case *models.AIPromptConfig:
		return e.stepAIPrompt(ctx, r, node, config, res)
	case *models.DatabaseQueryConfig:
		return e.stepDatabaseQuery(ctx, r, node, config, res)
	case *models.ScriptConfig:
		return e.stepScript(ctx, r, node, config, res)
	case *models.SetVariableConfig:
		return e.follow(r, node, applySetVariable(config, res))
	case *models.JumpConfig:
		return e.stepJump(ctx, r, config, res)
	case *models.HandoffConfig:
		return e.stepHandoff(ctx, r, config, res)
	case *models.DelayConfig:
		return e.stepDelay(r, node, config, res)
	case *models.InteractiveButtonsConfig:
		return e.stepInteractive(ctx, r, node, config.OutputVariable, protocol.Payload{
			Kind:    protocol.PayloadButtons,
			Text:    template.Render(config.Body, r.exec.ExecutionData),
			Buttons: config.Buttons,
		}, res)
	case *models.InteractiveListConfig:
		return e.stepInteractive(ctx, r, node, config.OutputVariable, protocol.Payload{
			Kind:       protocol.PayloadList,
			Text:       template.Render(config.Body, r.exec.ExecutionData),
			ButtonText: config.ButtonText,
			Sections:   config.Sections,
		}, res)
	case *models.WhatsAppTemplateConfig:
		return e.stepInteractive(ctx, r, node, config.OutputVariable, protocol.Payload{
			Kind: protocol.PayloadTemplate,
			Template: &protocol.TemplateReference{
				Name:       config.TemplateName,
				Language:   config.Language,
				Parameters: template.RenderAll(config.Parameters, r.exec.ExecutionData),
			},
		}, res)
	default:
		return res.fail(fmt.Errorf("%w: node %s has no runnable config", ErrCorruptedGraph, node.ID))
	}
}

// follow advances along the node's first outgoing edge.
func (e *Engine) follow(r *run, node models.Node, res stepResult) stepResult {
	edge, ok := r.graph.Next(node.ID)
	if !ok {
		return res.fail(fmt.Errorf("%w: node %s has no outgoing edge", ErrNoNextNode, node.ID))
	}

	return res.advanceTo(edge.Target)
}

// send delivers a payload. A missing sender counts as a delivery failure.
func (e *Engine) send(ctx context.Context, r *run, payload protocol.Payload) (string, error) {
	if e.adapters.Messages == nil {
		return "", fmt.Errorf("%w: message sender", ErrAdapterMissing)
	}

	return e.adapters.Messages.Send(ctx, r.exec.ConversationID, payload)
}

func (e *Engine) stepMessage(
	ctx context.Context, r *run, node models.Node, config *models.MessageConfig, res stepResult,
) stepResult {
	if r.resume != nil {
		res.input = map[string]any{"input": r.resume.input}

		return e.follow(r, node, res)
	}

	text := template.Render(config.Text, r.exec.ExecutionData)
	res.input = map[string]any{"text": text}

	deliveryID, err := e.send(ctx, r, protocol.Payload{Kind: protocol.PayloadText, Text: text})
	if err != nil {
		res = res.adapterFailed(fmt.Errorf("failed to deliver message: %w", err))
	} else {
		res.output = map[string]any{"delivery_id": deliveryID}
	}

	if config.Advances() {
		return e.follow(r, node, res)
	}

	return res.halt(models.WaitInput, nil)
}

func (e *Engine) stepQuestion(
	ctx context.Context, r *run, node models.Node, config *models.QuestionConfig, res stepResult,
) stepResult {
	if r.resume != nil {
		res.input = map[string]any{"input": r.resume.input}
		if config.OutputVariable != "" {
			res.vars = res.vars.With(config.OutputVariable, r.resume.input)
			res.output = map[string]any{config.OutputVariable: r.resume.input}
		}

		return e.follow(r, node, res)
	}

	prompt := template.Render(config.Prompt, r.exec.ExecutionData)
	res.input = map[string]any{"prompt": prompt}

	deliveryID, err := e.send(ctx, r, protocol.Payload{Kind: protocol.PayloadText, Text: prompt})
	if err != nil {
		res = res.adapterFailed(fmt.Errorf("failed to deliver question: %w", err))
	} else {
		res.output = map[string]any{"delivery_id": deliveryID}
	}

	return res.halt(models.WaitInput, nil)
}

func (e *Engine) stepCondition(r *run, node models.Node, config *models.ConditionConfig, res stepResult) stepResult {
	match := evaluateCondition(config, r.exec.ExecutionData)
	for _, warning := range match.warnings {
		res = res.warn(warning)
	}

	label := match.label
	if match.index < 0 {
		if config.DefaultLabel == "" {
			return res.fail(fmt.Errorf("%w: node %s", ErrNoMatchingClause, node.ID))
		}

		label = config.DefaultLabel
	}

	res.output = map[string]any{"label": label, "clause": match.index}

	edge, ok := r.graph.NextLabeled(node.ID, label)
	if !ok {
		return res.fail(fmt.Errorf("%w: node %s has no edge labeled %q", ErrNoNextNode, node.ID, label))
	}

	return res.advanceTo(edge.Target)
}

// callAdapter bounds fn by the node timeout, or the engine default. A result
// that arrives after the bound is a timeout even if fn ignored ctx.
func callAdapter[T any](ctx context.Context, bound time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)

	go func() {
		value, err := fn(ctx)
		done <- result{value: value, err: err}
	}()

	var zero T

	select {
	case out := <-done:
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w after %s", ErrAdapterTimeout, bound)
		}

		return out.value, out.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%w after %s", ErrAdapterTimeout, bound)
	}
}

func (e *Engine) boundFor(config models.Bounded) time.Duration {
	if timeout := config.Timeout(); timeout > 0 {
		return timeout
	}

	return e.adapterTimeout
}

// adapterDone writes the output variable on success and records the failure
// otherwise. Either way the execution advances.
func (e *Engine) adapterDone(r *run, node models.Node, res stepResult, output string, value any, err error) stepResult {
	if err != nil {
		return e.follow(r, node, res.adapterFailed(err))
	}

	if output != "" {
		res.vars = res.vars.With(output, value)
		res.output = map[string]any{output: value}
	}

	return e.follow(r, node, res)
}

func (e *Engine) stepAPICall(
	ctx context.Context, r *run, node models.Node, config *models.APICallConfig, res stepResult,
) stepResult {
	vars := r.exec.ExecutionData

	headers := make(map[string]string, len(config.Headers))
	for name, value := range config.Headers {
		headers[name] = template.Render(value, vars)
	}

	request := protocol.HTTPRequest{
		Method:  config.Method,
		URL:     template.Render(config.URL, vars),
		Headers: headers,
		Body:    template.Render(config.Body, vars),
		Timeout: config.Timeout(),
	}
	res.input = map[string]any{"method": request.Method, "url": request.URL}

	if e.adapters.HTTP == nil {
		return e.adapterDone(r, node, res, "", nil, fmt.Errorf("%w: http invoker", ErrAdapterMissing))
	}

	response, err := callAdapter(ctx, e.boundFor(config), func(ctx context.Context) (*protocol.HTTPResponse, error) {
		return e.adapters.HTTP.Invoke(ctx, request)
	})
	if err != nil {
		return e.adapterDone(r, node, res, "", nil, fmt.Errorf("api call failed: %w", err))
	}

	value, ok := httpcall.Extract(response, config.ResponsePath)
	if !ok {
		return e.adapterDone(r, node, res, "", nil,
			fmt.Errorf("response path %q not found in response", config.ResponsePath))
	}

	return e.adapterDone(r, node, res, config.OutputVariable, value, nil)
}

func (e *Engine) stepAIPrompt(
	ctx context.Context, r *run, node models.Node, config *models.AIPromptConfig, res stepResult,
) stepResult {
	vars := r.exec.ExecutionData
	request := protocol.AIRequest{
		Prompt:       template.Render(config.Prompt, vars),
		SystemPrompt: template.Render(config.SystemPrompt, vars),
		Model:        config.Model,
		Temperature:  config.Temperature,
		MaxTokens:    config.MaxTokens,
		Variables:    vars.Snapshot(),
	}
	res.input = map[string]any{"prompt": request.Prompt, "model": request.Model}

	if e.adapters.AI == nil {
		return e.adapterDone(r, node, res, "", nil, fmt.Errorf("%w: ai completer", ErrAdapterMissing))
	}

	text, err := callAdapter(ctx, e.boundFor(config), func(ctx context.Context) (string, error) {
		return e.adapters.AI.Complete(ctx, request)
	})
	if err != nil {
		err = fmt.Errorf("ai prompt failed: %w", err)
	}

	return e.adapterDone(r, node, res, config.OutputVariable, text, err)
}

func (e *Engine) stepDatabaseQuery(
	ctx context.Context, r *run, node models.Node, config *models.DatabaseQueryConfig, res stepResult,
) stepResult {
	rendered := template.RenderAll(config.Params, r.exec.ExecutionData)

	params := make([]any, len(rendered))
	for i, param := range rendered {
		params[i] = param
	}

	res.input = map[string]any{"connection": config.Connection, "query": config.Query, "params": rendered}

	if e.adapters.Database == nil {
		return e.adapterDone(r, node, res, "", nil, fmt.Errorf("%w: database querier", ErrAdapterMissing))
	}

	rows, err := callAdapter(ctx, e.boundFor(config), func(ctx context.Context) ([]map[string]any, error) {
		return e.adapters.Database.Query(ctx, config.Connection, config.Query, params)
	})
	if err != nil {
		return e.adapterDone(r, node, res, "", nil, fmt.Errorf("database query failed: %w", err))
	}

	return e.adapterDone(r, node, res, config.OutputVariable, rows, nil)
}

func (e *Engine) stepScript(
	ctx context.Context, r *run, node models.Node, config *models.ScriptConfig, res stepResult,
) stepResult {
	res.input = map[string]any{"language": config.Language}

	if e.adapters.Scripts == nil {
		return e.adapterDone(r, node, res, "", nil, fmt.Errorf("%w: script runner", ErrAdapterMissing))
	}

	snapshot := r.exec.ExecutionData.Snapshot()

	value, err := callAdapter(ctx, e.boundFor(config), func(ctx context.Context) (any, error) {
		return e.adapters.Scripts.Run(ctx, config.Language, config.Source, snapshot)
	})
	if err != nil {
		err = fmt.Errorf("script failed: %w", err)
	}

	return e.adapterDone(r, node, res, config.OutputVariable, value, err)
}

func (e *Engine) stepJump(ctx context.Context, r *run, config *models.JumpConfig, res stepResult) stepResult {
	if config.TargetFlowID != "" && config.TargetFlowID != r.flow.ID {
		res.input = map[string]any{"target_flow_id": config.TargetFlowID, "preserve_context": config.PreserveContext}

		target, err := e.store.FlowByID(ctx, config.TargetFlowID)
		if err != nil {
			return res.fail(fmt.Errorf("%w: flow %s: %w", ErrUnknownJumpTarget, config.TargetFlowID, err))
		}

		if target.Status == models.FlowStatusInactive {
			return res.fail(fmt.Errorf("%w: flow %s is inactive", ErrUnknownJumpTarget, config.TargetFlowID))
		}

		jump := &crossFlowJump{flow: target}
		if config.PreserveContext {
			jump.vars = r.exec.ExecutionData.Clone()
		}

		res.jump = jump
		res.output = map[string]any{"target_flow_id": target.ID}

		return res.complete()
	}

	res.input = map[string]any{"target_node_id": config.TargetNodeID}

	if _, ok := r.graph.Node(config.TargetNodeID); !ok {
		return res.fail(fmt.Errorf("%w: node %q", ErrUnknownJumpTarget, config.TargetNodeID))
	}

	return res.advanceTo(config.TargetNodeID)
}

func (e *Engine) stepHandoff(ctx context.Context, r *run, config *models.HandoffConfig, res stepResult) stepResult {
	target := protocol.HandoffTarget{
		Kind:    config.Target,
		ID:      config.TargetID,
		Message: template.Render(config.Message, r.exec.ExecutionData),
	}
	res.input = map[string]any{"target": target.Kind, "target_id": target.ID}

	var err error
	if e.adapters.Handoff == nil {
		err = fmt.Errorf("%w: handoff router", ErrAdapterMissing)
	} else {
		err = e.adapters.Handoff.Route(ctx, r.exec.ConversationID, target)
	}

	if err != nil {
		res = res.adapterFailed(fmt.Errorf("handoff failed: %w", err))
	}

	return res.complete()
}

func (e *Engine) stepDelay(r *run, node models.Node, config *models.DelayConfig, res stepResult) stepResult {
	if r.resume != nil && r.resume.delayed {
		return e.follow(r, node, res)
	}

	duration := config.Duration()
	res.input = map[string]any{"duration_ms": duration.Milliseconds()}

	if duration <= 0 {
		return e.follow(r, node, res)
	}

	resumeAt := e.now().Add(duration)
	res.output = map[string]any{"resume_at": resumeAt}

	return res.halt(models.WaitDelay, &resumeAt)
}

// stepInteractive sends a structured payload and waits for the selection. On
// resume the choice id is stored and used to pick a labeled edge.
func (e *Engine) stepInteractive(
	ctx context.Context, r *run, node models.Node, output string, payload protocol.Payload, res stepResult,
) stepResult {
	if r.resume != nil {
		choice := template.Stringify(r.resume.input)
		res.input = map[string]any{"input": r.resume.input}

		if output != "" {
			res.vars = res.vars.With(output, choice)
			res.output = map[string]any{output: choice}
		}

		if edge, ok := r.graph.NextLabeled(node.ID, choice); ok {
			return res.advanceTo(edge.Target)
		}

		return e.follow(r, node, res)
	}

	res.input = map[string]any{"kind": payload.Kind}

	deliveryID, err := e.send(ctx, r, payload)
	if err != nil {
		res = res.adapterFailed(fmt.Errorf("failed to deliver %s: %w", payload.Kind, err))
	} else {
		res.output = map[string]any{"delivery_id": deliveryID}
	}

	return res.halt(models.WaitInput, nil)
}
