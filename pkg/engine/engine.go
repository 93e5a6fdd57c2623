// Package engine interprets flow graphs: it walks one execution node by node,
// calls the capability adapters, and persists every step before returning.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/graph"
	"github.com/dukex/convoflow/pkg/locker"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxSteps       = 1000
	DefaultAdapterTimeout = 30 * time.Second
)

// DelayScheduler arms the timer that resumes a delayed execution.
type DelayScheduler interface {
	Schedule(executionID string, at time.Time)
	Unschedule(executionID string)
}

type Engine struct {
	store     persistence.Persistence
	adapters  protocol.Adapters
	locker    locker.Locker
	bus       eventbus.EventPublisher
	scheduler DelayScheduler
	tracer    trace.Tracer
	logger    *slog.Logger

	now            func() time.Time
	newID          func() string
	maxSteps       int
	adapterTimeout time.Duration

	graphsMu sync.Mutex
	graphs   map[string]cachedGraph

	cancelMu  sync.Mutex
	cancelled map[string]bool
}

type cachedGraph struct {
	updatedAt time.Time
	graph     *graph.Graph
}

type Option func(*Engine)

func WithLocker(l locker.Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithEventBus publishes lifecycle events on bus.
func WithEventBus(bus eventbus.EventPublisher) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

func WithScheduler(s DelayScheduler) Option {
	return func(e *Engine) {
		e.scheduler = s
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// WithMaxSteps bounds how many nodes one call may visit, counting the flows
// reached through jumps.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		e.maxSteps = n
	}
}

// WithAdapterTimeout sets the bound for adapter calls whose node has no timeout.
func WithAdapterTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.adapterTimeout = d
	}
}

func New(store persistence.Persistence, adapters protocol.Adapters, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		adapters:       adapters,
		locker:         locker.NewLocal(),
		tracer:         otelhelper.NoopTracer(),
		logger:         logger.With("module", "engine"),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.New().String() },
		maxSteps:       DefaultMaxSteps,
		adapterTimeout: DefaultAdapterTimeout,
		graphs:         make(map[string]cachedGraph),
		cancelled:      make(map[string]bool),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func lockKey(executionID string) string {
	return "execution:" + executionID
}

// graphFor returns the indexed graph of a flow, rebuilt when the flow changes.
func (e *Engine) graphFor(flow *models.FlowDefinition) *graph.Graph {
	e.graphsMu.Lock()
	defer e.graphsMu.Unlock()

	if cached, ok := e.graphs[flow.ID]; ok && cached.updatedAt.Equal(flow.UpdatedAt) {
		return cached.graph
	}

	g := graph.New(flow)
	e.graphs[flow.ID] = cachedGraph{updatedAt: flow.UpdatedAt, graph: g}

	return g
}

// Start creates an execution of flowID for the conversation and runs it until
// it halts or terminates. The returned id is that of the last execution the
// run reached: after a jump to another flow it names the target's execution.
// It is returned even when the run itself failed.
func (e *Engine) Start(
	ctx context.Context,
	flowID, conversationID, contactID string,
	triggerData map[string]any,
) (string, error) {
	flow, err := e.store.FlowByID(ctx, flowID)
	if err != nil {
		return "", fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}

	if flow.Status == models.FlowStatusInactive {
		return "", fmt.Errorf("%w: %s", ErrFlowInactive, flowID)
	}

	vars := e.seedVariables(conversationID, triggerData)

	return e.start(ctx, flow, conversationID, contactID, triggerData, vars)
}

func (e *Engine) seedVariables(conversationID string, triggerData map[string]any) models.Variables {
	contact, _ := triggerData["contact"].(map[string]any)

	vars := models.SystemVariables(conversationID, contact, e.now())
	if triggerData != nil {
		vars[models.VarTrigger] = models.Variables(triggerData).Clone()
	}

	return vars
}

func (e *Engine) start(
	ctx context.Context,
	flow *models.FlowDefinition,
	conversationID, contactID string,
	triggerData map[string]any,
	vars models.Variables,
) (string, error) {
	r, err := e.createExecution(ctx, flow, conversationID, contactID, triggerData, vars, "")
	if err != nil {
		return "", err
	}

	unlock, err := e.lockNew(ctx, r.exec.ID)
	if err != nil {
		return r.exec.ID, err
	}

	return e.runLocked(ctx, unlock, r)
}

// createExecution stores a running execution of flow positioned on its start
// node. previousID names the execution that jumped here, if any.
func (e *Engine) createExecution(
	ctx context.Context,
	flow *models.FlowDefinition,
	conversationID, contactID string,
	triggerData map[string]any,
	vars models.Variables,
	previousID string,
) (*run, error) {
	g := e.graphFor(flow)

	startNode, ok := g.Start()
	if !ok {
		return nil, fmt.Errorf("%w: flow %s has no start node", ErrCorruptedGraph, flow.ID)
	}

	running, err := e.store.RunningExecutionByConversation(ctx, conversationID)
	if err == nil && running != nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationBusy, conversationID)
	}

	if err != nil && !persistence.IsExecutionNotFound(err) {
		return nil, fmt.Errorf("failed to check running executions: %w", err)
	}

	now := e.now()
	execution := &models.FlowExecution{
		ID:             e.newID(),
		FlowID:         flow.ID,
		ConversationID: conversationID,
		ContactID:      contactID,
		TriggerData:    triggerData,
		Status:         models.ExecutionStatusRunning,
		CurrentNodeID:  startNode.ID,
		ExecutionData:  vars,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	err = e.store.CreateExecution(ctx, execution)
	if err != nil {
		if persistence.IsConversationBusy(err) {
			return nil, fmt.Errorf("%w: %s", ErrConversationBusy, conversationID)
		}

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	e.logger.InfoContext(ctx, "Execution started",
		"execution_id", execution.ID, "flow_id", flow.ID, "conversation_id", conversationID)
	e.publishStarted(ctx, execution, previousID)

	return &run{exec: execution, flow: flow, graph: g}, nil
}

// lockNew locks an execution that was just created.
func (e *Engine) lockNew(ctx context.Context, executionID string) (locker.Unlock, error) {
	unlock, ok, err := e.locker.TryLock(ctx, lockKey(executionID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock execution: %w", err)
	}

	if !ok {
		return nil, ErrExecutionBusy
	}

	return unlock, nil
}

// Resume delivers the reply an execution halted on and continues it.
func (e *Engine) Resume(ctx context.Context, executionID string, input any) error {
	_, err := e.resume(ctx, executionID, input)

	return err
}

// resume returns the id of the execution the conversation ended up in, which
// differs from executionID after a jump to another flow.
func (e *Engine) resume(ctx context.Context, executionID string, input any) (string, error) {
	unlock, ok, err := e.locker.TryLock(ctx, lockKey(executionID))
	if err != nil {
		return executionID, fmt.Errorf("failed to lock execution: %w", err)
	}

	if !ok {
		return executionID, ErrExecutionBusy
	}

	execution, flow, err := e.loadRunning(ctx, executionID)
	if err != nil {
		unlock()

		return executionID, err
	}

	if !execution.IsAwaitingInput() {
		unlock()

		return executionID, fmt.Errorf("%w: %s", ErrNotAwaitingInput, executionID)
	}

	return e.runLocked(ctx, unlock, &run{
		exec:   execution,
		flow:   flow,
		graph:  e.graphFor(flow),
		resume: &resumption{input: input},
	})
}

// ResumeDelayed continues an execution halted on a delay whose time has come.
// Calls for executions that are no longer delayed are no-ops.
func (e *Engine) ResumeDelayed(ctx context.Context, executionID string) error {
	unlock, ok, err := e.locker.TryLock(ctx, lockKey(executionID))
	if err != nil {
		return fmt.Errorf("failed to lock execution: %w", err)
	}

	if !ok {
		return ErrExecutionBusy
	}

	execution, flow, err := e.loadRunning(ctx, executionID)
	if err != nil {
		unlock()

		if errors.Is(err, ErrExecutionNotRunning) {
			return nil
		}

		return err
	}

	if !execution.IsDelayed() {
		unlock()

		return nil
	}

	if execution.ResumeAt != nil && execution.ResumeAt.After(e.now()) {
		unlock()

		if e.scheduler != nil {
			e.scheduler.Schedule(executionID, *execution.ResumeAt)
		}

		return nil
	}

	_, err = e.runLocked(ctx, unlock, &run{
		exec:   execution,
		flow:   flow,
		graph:  e.graphFor(flow),
		resume: &resumption{delayed: true},
	})

	return err
}

func (e *Engine) loadRunning(ctx context.Context, executionID string) (*models.FlowExecution, *models.FlowDefinition, error) {
	execution, err := e.store.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	if execution.Status.IsTerminal() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrExecutionNotRunning, executionID, execution.Status)
	}

	flow, err := e.store.FlowByID(ctx, execution.FlowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load flow %s: %w", execution.FlowID, err)
	}

	return execution, flow, nil
}

// Cancel stops an execution. A halted execution is cancelled immediately; one
// with a step in flight is cancelled at its next step boundary.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	execution, err := e.store.ExecutionByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	if execution.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionNotRunning, executionID, execution.Status)
	}

	e.requestCancel(executionID)

	return e.cancelIdle(ctx, executionID)
}

// cancelIdle cancels a requested execution if no step holds it. Otherwise the
// holder observes the request.
func (e *Engine) cancelIdle(ctx context.Context, executionID string) error {
	unlock, ok, err := e.locker.TryLock(ctx, lockKey(executionID))
	if err != nil {
		return fmt.Errorf("failed to lock execution: %w", err)
	}

	if !ok {
		e.logger.InfoContext(ctx, "Cancellation deferred to step boundary", "execution_id", executionID)

		return nil
	}

	defer unlock()

	if !e.cancelRequested(executionID) {
		return nil
	}

	execution, flow, err := e.loadRunning(ctx, executionID)
	if err != nil {
		e.clearCancel(executionID)

		if errors.Is(err, ErrExecutionNotRunning) {
			return nil
		}

		return err
	}

	r := &run{exec: execution, flow: flow, graph: e.graphFor(flow)}

	return e.cancelRun(ctx, r, "cancelled while idle")
}

func (e *Engine) requestCancel(executionID string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()

	e.cancelled[executionID] = true
}

func (e *Engine) cancelRequested(executionID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()

	return e.cancelled[executionID]
}

func (e *Engine) clearCancel(executionID string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()

	delete(e.cancelled, executionID)
}

// GetStatus returns the persisted state of an execution. It has no side effects.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*models.FlowExecution, error) {
	execution, err := e.store.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	return execution, nil
}

// Logs returns the step log of an execution in the order the steps ran.
func (e *Engine) Logs(ctx context.Context, executionID string) ([]*models.ExecutionLog, error) {
	_, err := e.store.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	return e.store.ExecutionLogs(ctx, executionID)
}
