package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/mocks"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/persistence/memory"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/dukex/convoflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// countingStore counts the writes a step performs.
type countingStore struct {
	persistence.Persistence

	appends atomic.Int64
	updates atomic.Int64
}

func (s *countingStore) AppendLog(ctx context.Context, entry *models.ExecutionLog) error {
	s.appends.Add(1)

	return s.Persistence.AppendLog(ctx, entry)
}

func (s *countingStore) UpdateStatus(ctx context.Context, update models.StatusUpdate) error {
	s.updates.Add(1)

	return s.Persistence.UpdateStatus(ctx, update)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type recordingScheduler struct {
	mu          sync.Mutex
	scheduled   map[string]time.Time
	unscheduled []string
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{scheduled: make(map[string]time.Time)}
}

func (s *recordingScheduler) Schedule(executionID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduled[executionID] = at
}

func (s *recordingScheduler) Unschedule(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.scheduled, executionID)
	s.unscheduled = append(s.unscheduled, executionID)
}

func (s *recordingScheduler) At(executionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.scheduled[executionID]

	return at, ok
}

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)

	return nil
}

func (b *recordingBus) started() []events.ExecutionStarted {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []events.ExecutionStarted

	for _, event := range b.events {
		if started, ok := event.(events.ExecutionStarted); ok {
			out = append(out, started)
		}
	}

	return out
}

type harness struct {
	engine  *Engine
	store   *countingStore
	sender  *mocks.MockMessageSender
	ai      *mocks.MockAICompleter
	http    *mocks.MockHTTPInvoker
	db      *mocks.MockDatabaseQuerier
	scripts *mocks.MockScriptRunner
	handoff *mocks.MockHandoffRouter
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store:   &countingStore{Persistence: memory.NewPersistence()},
		sender:  &mocks.MockMessageSender{},
		ai:      &mocks.MockAICompleter{},
		http:    &mocks.MockHTTPInvoker{},
		db:      &mocks.MockDatabaseQuerier{},
		scripts: &mocks.MockScriptRunner{},
		handoff: &mocks.MockHandoffRouter{},
	}

	adapters := protocol.Adapters{
		Messages: h.sender,
		AI:       h.ai,
		HTTP:     h.http,
		Database: h.db,
		Scripts:  h.scripts,
		Handoff:  h.handoff,
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	h.engine = New(h.store, adapters, logger, opts...)

	return h
}

func (h *harness) save(t *testing.T, flows ...*models.FlowDefinition) {
	t.Helper()

	for _, flow := range flows {
		require.NoError(t, h.store.SaveFlow(context.Background(), flow))
	}
}

func (h *harness) status(t *testing.T, executionID string) *models.FlowExecution {
	t.Helper()

	execution, err := h.engine.GetStatus(context.Background(), executionID)
	require.NoError(t, err)

	return execution
}

func (h *harness) logs(t *testing.T, executionID string) []*models.ExecutionLog {
	t.Helper()

	logs, err := h.engine.Logs(context.Background(), executionID)
	require.NoError(t, err)

	return logs
}

func (h *harness) acceptAllMessages() {
	h.sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return("delivery-1", nil)
}

func text(body string) protocol.Payload {
	return protocol.Payload{Kind: protocol.PayloadText, Text: body}
}

func visited(logs []*models.ExecutionLog) []string {
	ids := make([]string, len(logs))
	for i, entry := range logs {
		ids[i] = entry.NodeID
	}

	return ids
}

func statuses(logs []*models.ExecutionLog) []models.LogStatus {
	out := make([]models.LogStatus, len(logs))
	for i, entry := range logs {
		out[i] = entry.Status
	}

	return out
}

func greetingFlow() *models.FlowDefinition {
	return testutil.CreateTestFlow(
		testutil.WithNodes(
			testutil.Start("start"),
			testutil.Question("ask", "What is your name?", "name"),
			testutil.Message("greet", "Hi {{name}}"),
			testutil.End("end"),
		),
		testutil.WithEdges(testutil.Chain("start", "ask", "greet", "end")...),
	)
}

func TestEngine_QuestionThenGreeting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := greetingFlow()
	h.save(t, flow)

	h.sender.On("Send", mock.Anything, "conv-1", text("What is your name?")).Return("d-1", nil).Once()
	h.sender.On("Send", mock.Anything, "conv-1", text("Hi Ana")).Return("d-2", nil).Once()

	executionID, err := h.engine.Start(ctx, flow.ID, "conv-1", "contact-1", map[string]any{
		"contact": map[string]any{"name": "Ana Maria"},
	})
	require.NoError(t, err)

	halted := h.status(t, executionID)
	assert.Equal(t, models.ExecutionStatusRunning, halted.Status)
	assert.Equal(t, "ask", halted.CurrentNodeID)
	assert.True(t, halted.IsAwaitingInput())
	assert.Equal(t, "Ana Maria", halted.ExecutionData[models.VarContactName])
	assert.Equal(t, "conv-1", halted.ExecutionData[models.VarConversationID])

	require.NoError(t, h.engine.Resume(ctx, executionID, "Ana"))

	done := h.status(t, executionID)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)
	assert.Empty(t, done.CurrentNodeID)
	assert.Equal(t, "Ana", done.ExecutionData["name"])
	assert.NotNil(t, done.CompletedAt)

	logs := h.logs(t, executionID)
	assert.Equal(t, []string{"start", "ask", "ask", "greet", "end"}, visited(logs))
	assert.Equal(t, []models.LogStatus{
		models.LogStatusSuccess,
		models.LogStatusWaiting,
		models.LogStatusSuccess,
		models.LogStatusSuccess,
		models.LogStatusSuccess,
	}, statuses(logs))

	stored, err := h.store.FlowByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStats{Executions: 1, Completed: 1, SuccessRate: 100}, stored.Stats)

	h.sender.AssertExpectations(t)
}

func TestEngine_StartAdvancesPastStartNode(t *testing.T) {
	h := newHarness(t)
	h.acceptAllMessages()

	flow := greetingFlow()
	h.save(t, flow)

	executionID, err := h.engine.Start(context.Background(), flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)

	logs := h.logs(t, executionID)
	require.NotEmpty(t, logs)
	assert.Equal(t, "start", logs[0].NodeID)
	assert.Equal(t, "ask", h.status(t, executionID).CurrentNodeID)
}

func TestEngine_HaltWritesOnceRegardlessOfPolling(t *testing.T) {
	h := newHarness(t)
	h.acceptAllMessages()

	flow := testutil.CreateTestFlow(
		testutil.WithNodes(testutil.Start("start"), testutil.Question("ask", "Name?", "name"), testutil.End("end")),
		testutil.WithEdges(testutil.Chain("start", "ask", "end")...),
	)
	h.save(t, flow)

	executionID, err := h.engine.Start(context.Background(), flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)

	// start advances (one log, one update) and ask halts (one log, one update)
	assert.Equal(t, int64(2), h.store.appends.Load())
	assert.Equal(t, int64(2), h.store.updates.Load())

	for range 3 {
		h.status(t, executionID)
	}

	assert.Equal(t, int64(2), h.store.appends.Load())
	assert.Equal(t, int64(2), h.store.updates.Load())
	assert.Len(t, h.logs(t, executionID), 2)
}

func TestEngine_StartRejectsInactiveFlow(t *testing.T) {
	h := newHarness(t)
	flow := greetingFlow()
	flow.Status = models.FlowStatusInactive
	h.save(t, flow)

	_, err := h.engine.Start(context.Background(), flow.ID, "conv-1", "contact-1", nil)
	require.ErrorIs(t, err, ErrFlowInactive)
}

func TestEngine_OneRunningExecutionPerConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.acceptAllMessages()

	flow := greetingFlow()
	h.save(t, flow)

	_, err := h.engine.Start(ctx, flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)

	_, err = h.engine.Start(ctx, flow.ID, "conv-1", "contact-1", nil)
	require.ErrorIs(t, err, ErrConversationBusy)

	_, err = h.engine.Start(ctx, flow.ID, "conv-2", "contact-2", nil)
	require.NoError(t, err)
}

func TestEngine_ResumeRejectsWrongState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.acceptAllMessages()

	flow := greetingFlow()
	h.save(t, flow)

	executionID, err := h.engine.Start(ctx, flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)
	require.NoError(t, h.engine.Resume(ctx, executionID, "Ana"))

	err = h.engine.Resume(ctx, executionID, "again")
	require.ErrorIs(t, err, ErrExecutionNotRunning)
	assert.True(t, IsNotRunning(err))
}

func TestEngine_ConcurrentResumeAdvancesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	flow := greetingFlow()
	h.save(t, flow)

	entered := make(chan struct{})
	release := make(chan struct{})

	h.sender.On("Send", mock.Anything, "conv-1", text("What is your name?")).Return("d-1", nil).Once()
	h.sender.On("Send", mock.Anything, "conv-1", mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return("d-2", nil).Once()

	executionID, err := h.engine.Start(ctx, flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)

	first := make(chan error, 1)

	go func() {
		first <- h.engine.Resume(ctx, executionID, "Ana")
	}()

	<-entered

	err = h.engine.Resume(ctx, executionID, "Bob")
	require.ErrorIs(t, err, ErrExecutionBusy)
	assert.True(t, IsBusy(err))

	close(release)
	require.NoError(t, <-first)

	done := h.status(t, executionID)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)
	assert.Equal(t, "Ana", done.ExecutionData["name"])

	h.sender.AssertNumberOfCalls(t, "Send", 2)
}

func TestEngine_SuccessRateAcrossExecutions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	flow := testutil.CreateTestFlow(
		testutil.WithNodes(
			testutil.Start("start"),
			testutil.Condition("check", "", testutil.Equals("trigger.outcome", "ok", "ok")),
			testutil.End("end"),
		),
		testutil.WithEdges(
			testutil.Edge("start", "check"),
			testutil.LabeledEdge("check", "end", "ok"),
		),
	)
	h.save(t, flow)

	for i := range 10 {
		outcome := "ok"
		if i >= 7 {
			outcome = "bad"
		}

		_, err := h.engine.Start(ctx, flow.ID, "conv-"+string(rune('a'+i)), "contact", map[string]any{"outcome": outcome})
		require.NoError(t, err)
	}

	stored, err := h.store.FlowByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.Stats.Executions)
	assert.Equal(t, 7, stored.Stats.Completed)
	assert.InDelta(t, 70.0, stored.Stats.SuccessRate, 0.0001)
}

func TestEngine_JumpLoopLogsEveryVisitAndHitsStepLimit(t *testing.T) {
	h := newHarness(t, WithMaxSteps(10))

	flow := testutil.CreateTestFlow(
		testutil.WithNodes(
			testutil.Start("start"),
			testutil.SetVariable("inc", "counter", models.OperationIncrement, nil),
			models.NewNode("loop", &models.JumpConfig{TargetNodeID: "inc"}),
		),
		testutil.WithEdges(testutil.Chain("start", "inc", "loop")...),
	)
	h.save(t, flow)

	executionID, err := h.engine.Start(context.Background(), flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)

	execution := h.status(t, executionID)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.ErrorMessage, ErrMaxStepsExceeded.Error())
	assert.InDelta(t, 5.0, execution.ExecutionData["counter"], 0.0001)

	logs := h.logs(t, executionID)
	require.Len(t, logs, 11)

	incVisits := 0

	for _, entry := range logs {
		if entry.NodeID == "inc" {
			incVisits++
		}
	}

	assert.Equal(t, 5, incVisits)
	assert.Equal(t, models.LogStatusFailed, logs[len(logs)-1].Status)
}

func TestEngine_CancelIdleExecution(t *testing.T) {
	ctx := context.Background()
	scheduler := newRecordingScheduler()
	h := newHarness(t, WithScheduler(scheduler))
	h.acceptAllMessages()

	flow := greetingFlow()
	h.save(t, flow)

	executionID, err := h.engine.Start(ctx, flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(ctx, executionID))

	execution := h.status(t, executionID)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)

	logs := h.logs(t, executionID)
	assert.Equal(t, models.LogStatusCancelled, logs[len(logs)-1].Status)
	assert.Contains(t, scheduler.unscheduled, executionID)

	stored, err := h.store.FlowByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stats.Executions)
	assert.Equal(t, 0, stored.Stats.Completed)

	require.ErrorIs(t, h.engine.Cancel(ctx, executionID), ErrExecutionNotRunning)

	_, err = h.engine.Start(ctx, flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)
}

func TestEngine_CancelDuringAdapterCallDiscardsResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	flow := testutil.CreateTestFlow(
		testutil.WithNodes(
			testutil.Start("start"),
			models.NewNode("calc", &models.ScriptConfig{Language: "lua", Source: "return 42", OutputVariable: "answer"}),
			testutil.End("end"),
		),
		testutil.WithEdges(testutil.Chain("start", "calc", "end")...),
	)
	h.save(t, flow)

	entered := make(chan struct{})
	release := make(chan struct{})

	h.scripts.On("Run", mock.Anything, "lua", "return 42", mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(float64(42), nil)

	type started struct {
		id  string
		err error
	}

	result := make(chan started, 1)

	go func() {
		id, err := h.engine.Start(ctx, flow.ID, "conv-1", "contact-1", nil)
		result <- started{id: id, err: err}
	}()

	<-entered

	running, err := h.store.RunningExecutionByConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(ctx, running.ID))

	close(release)

	out := <-result
	require.NoError(t, out.err)

	execution := h.status(t, out.id)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.NotContains(t, execution.ExecutionData, "answer")

	logs := h.logs(t, out.id)
	assert.Equal(t, []string{"start", "calc"}, visited(logs))
	assert.Equal(t, models.LogStatusCancelled, logs[1].Status)
}

func TestEngine_DelayResumesThroughScheduler(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	scheduler := newRecordingScheduler()
	h := newHarness(t, WithClock(clock.Now), WithScheduler(scheduler))

	flow := testutil.CreateTestFlow(
		testutil.WithNodes(
			testutil.Start("start"),
			models.NewNode("wait", &models.DelayConfig{Minutes: 5}),
			testutil.Message("later", "Still there?"),
			testutil.End("end"),
		),
		testutil.WithEdges(testutil.Chain("start", "wait", "later", "end")...),
	)
	h.save(t, flow)

	h.sender.On("Send", mock.Anything, "conv-1", text("Still there?")).Return("d-1", nil).Once()

	executionID, err := h.engine.Start(ctx, flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)

	halted := h.status(t, executionID)
	require.True(t, halted.IsDelayed())
	require.NotNil(t, halted.ResumeAt)
	assert.Equal(t, clock.Now().Add(5*time.Minute), *halted.ResumeAt)

	at, ok := scheduler.At(executionID)
	require.True(t, ok)
	assert.Equal(t, *halted.ResumeAt, at)

	require.ErrorIs(t, h.engine.Resume(ctx, executionID, "hi"), ErrNotAwaitingInput)

	_, err = h.engine.HandleInbound(ctx, InboundMessage{ConversationID: "conv-1", Text: "hello"})
	require.ErrorIs(t, err, ErrConversationBusy)

	clock.Advance(time.Minute)
	require.NoError(t, h.engine.ResumeDelayed(ctx, executionID))
	assert.True(t, h.status(t, executionID).IsDelayed())

	clock.Advance(5 * time.Minute)
	require.NoError(t, h.engine.ResumeDelayed(ctx, executionID))

	done := h.status(t, executionID)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)
	assert.Equal(t, []string{"start", "wait", "wait", "later", "end"}, visited(h.logs(t, executionID)))

	require.NoError(t, h.engine.ResumeDelayed(ctx, executionID))
	h.sender.AssertExpectations(t)
}

func TestEngine_JumpToAnotherFlow(t *testing.T) {
	tests := []struct {
		name     string
		preserve bool
		greeting string
	}{
		{name: "preserve context", preserve: true, greeting: "Hello Ana"},
		{name: "fresh context", preserve: false, greeting: "Hello "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			bus := &recordingBus{}
			h := newHarness(t, WithEventBus(bus))

			target := testutil.CreateTestFlow(
				testutil.WithNodes(testutil.Start("start"), testutil.Message("hello", "Hello {{name}}"), testutil.End("end")),
				testutil.WithEdges(testutil.Chain("start", "hello", "end")...),
			)
			source := testutil.CreateTestFlow(
				testutil.WithNodes(
					testutil.Start("start"),
					testutil.SetVariable("set", "name", models.OperationSet, "Ana"),
					models.NewNode("go", &models.JumpConfig{TargetFlowID: target.ID, PreserveContext: tt.preserve}),
				),
				testutil.WithEdges(testutil.Chain("start", "set", "go")...),
			)
			h.save(t, target, source)

			h.sender.On("Send", mock.Anything, "conv-1", text(tt.greeting)).Return("d-1", nil).Once()

			executionID, err := h.engine.Start(ctx, source.ID, "conv-1", "contact-1", nil)
			require.NoError(t, err)

			continued := h.status(t, executionID)
			assert.Equal(t, target.ID, continued.FlowID)
			assert.Equal(t, models.ExecutionStatusCompleted, continued.Status)
			assert.Equal(t, []string{"start", "hello", "end"}, visited(h.logs(t, executionID)))

			started := bus.started()
			require.Len(t, started, 2)
			assert.Equal(t, executionID, started[1].ExecutionID)
			assert.Equal(t, started[0].ExecutionID, started[1].PreviousExecutionID)
			assert.Empty(t, started[0].PreviousExecutionID)

			sourceExecution := h.status(t, started[0].ExecutionID)
			assert.Equal(t, source.ID, sourceExecution.FlowID)
			assert.Equal(t, models.ExecutionStatusCompleted, sourceExecution.Status)

			logs := h.logs(t, sourceExecution.ID)
			last := logs[len(logs)-1]
			assert.Equal(t, "go", last.NodeID)
			assert.Equal(t, target.ID, last.OutputData["target_flow_id"])

			stored, err := h.store.FlowByID(ctx, target.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, stored.Stats.Completed)

			h.sender.AssertExpectations(t)
		})
	}
}

func TestEngine_JumpBetweenFlowsSharesStepLimit(t *testing.T) {
	ctx := context.Background()
	bus := &recordingBus{}
	h := newHarness(t, WithMaxSteps(10), WithEventBus(bus))

	ping := testutil.CreateTestFlow()
	pong := testutil.CreateTestFlow()
	ping.Graph = models.FlowGraph{
		Nodes: []models.Node{
			testutil.Start("start"),
			models.NewNode("go", &models.JumpConfig{TargetFlowID: pong.ID}),
		},
		Edges: []models.Edge{testutil.Edge("start", "go")},
	}
	pong.Graph = models.FlowGraph{
		Nodes: []models.Node{
			testutil.Start("start"),
			models.NewNode("back", &models.JumpConfig{TargetFlowID: ping.ID}),
		},
		Edges: []models.Edge{testutil.Edge("start", "back")},
	}
	h.save(t, ping, pong)

	executionID, err := h.engine.Start(ctx, ping.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)

	// Two visits per flow: five hops fit in ten steps, the sixth execution
	// fails on its start node.
	started := bus.started()
	require.Len(t, started, 6)
	assert.Equal(t, started[5].ExecutionID, executionID)

	last := h.status(t, executionID)
	assert.Equal(t, pong.ID, last.FlowID)
	assert.Equal(t, models.ExecutionStatusFailed, last.Status)
	assert.Contains(t, last.ErrorMessage, ErrMaxStepsExceeded.Error())
	assert.Equal(t, []string{"start"}, visited(h.logs(t, executionID)))

	for i, event := range started[:5] {
		assert.Equal(t, models.ExecutionStatusCompleted, h.status(t, event.ExecutionID).Status)
		assert.Equal(t, event.ExecutionID, started[i+1].PreviousExecutionID)
	}

	pingStats, err := h.store.FlowByID(ctx, ping.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, pingStats.Stats.Executions)
	assert.Equal(t, 3, pingStats.Stats.Completed)

	pongStats, err := h.store.FlowByID(ctx, pong.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, pongStats.Stats.Executions)
	assert.Equal(t, 2, pongStats.Stats.Completed)

	_, err = h.store.RunningExecutionByConversation(ctx, "conv-1")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestEngine_JumpToUnknownFlowFails(t *testing.T) {
	h := newHarness(t)

	flow := testutil.CreateTestFlow(
		testutil.WithNodes(testutil.Start("start"), models.NewNode("go", &models.JumpConfig{TargetFlowID: "missing"})),
		testutil.WithEdges(testutil.Edge("start", "go")),
	)
	h.save(t, flow)

	executionID, err := h.engine.Start(context.Background(), flow.ID, "conv-1", "contact-1", nil)
	require.NoError(t, err)

	execution := h.status(t, executionID)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.ErrorMessage, ErrUnknownJumpTarget.Error())
}

func TestEngine_HandleInbound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.acceptAllMessages()

	menu := testutil.CreateTestFlow(
		testutil.WithKeywords(models.MatchExact, "menu"),
		testutil.WithNodes(testutil.Start("start"), testutil.Question("pick", "Pick one", "choice"), testutil.End("end")),
		testutil.WithEdges(testutil.Chain("start", "pick", "end")...),
	)
	welcome := testutil.CreateTestFlow(
		func(f *models.FlowDefinition) { f.Trigger = models.Trigger{Kind: models.TriggerKindFirstMessage} },
		testutil.WithNodes(testutil.Start("start"), testutil.Message("hi", "Welcome"), testutil.End("end")),
		testutil.WithEdges(testutil.Chain("start", "hi", "end")...),
	)
	h.save(t, menu, welcome)

	started, err := h.engine.HandleInbound(ctx, InboundMessage{ConversationID: "conv-1", Text: "Menu", FirstMessage: true})
	require.NoError(t, err)
	assert.True(t, started.Started)
	assert.Equal(t, menu.ID, h.status(t, started.ExecutionID).FlowID)

	resumed, err := h.engine.HandleInbound(ctx, InboundMessage{ConversationID: "conv-1", Text: "2"})
	require.NoError(t, err)
	assert.False(t, resumed.Started)
	assert.Equal(t, started.ExecutionID, resumed.ExecutionID)

	done := h.status(t, started.ExecutionID)
	assert.Equal(t, models.ExecutionStatusCompleted, done.Status)
	assert.Equal(t, "2", done.ExecutionData["choice"])

	first, err := h.engine.HandleInbound(ctx, InboundMessage{ConversationID: "conv-2", Text: "hello", FirstMessage: true})
	require.NoError(t, err)
	assert.Equal(t, welcome.ID, h.status(t, first.ExecutionID).FlowID)

	_, err = h.engine.HandleInbound(ctx, InboundMessage{ConversationID: "conv-3", Text: "hello"})
	require.ErrorIs(t, err, ErrNoMatchingFlow)
}

func TestEngine_MissingNodeCorruptsExecution(t *testing.T) {
	h := newHarness(t)

	flow := testutil.CreateTestFlow(
		testutil.WithNodes(testutil.Start("start")),
		testutil.WithEdges(testutil.Edge("start", "ghost")),
	)
	h.save(t, flow)

	executionID, err := h.engine.Start(context.Background(), flow.ID, "conv-1", "contact-1", nil)
	require.ErrorIs(t, err, ErrCorruptedGraph)

	execution := h.status(t, executionID)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
}
