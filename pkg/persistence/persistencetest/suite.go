// Package persistencetest holds the behaviour every persistence
// implementation must share, run from each implementation's tests.
package persistencetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) persistence.Persistence

// Run exercises a store implementation.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("flows round trip", func(t *testing.T) { testFlows(t, newStore(t)) })
	t.Run("flow stats", func(t *testing.T) { testFlowStats(t, newStore(t)) })
	t.Run("saving a flow keeps its stats", func(t *testing.T) { testSaveKeepsStats(t, newStore(t)) })
	t.Run("one running execution per conversation", func(t *testing.T) { testRunningPerConversation(t, newStore(t)) })
	t.Run("terminal executions are frozen", func(t *testing.T) { testTerminalFrozen(t, newStore(t)) })
	t.Run("logs keep order", func(t *testing.T) { testLogs(t, newStore(t)) })
	t.Run("due delayed executions", func(t *testing.T) { testDueDelayed(t, newStore(t)) })
	t.Run("concurrent stats", func(t *testing.T) { testConcurrentStats(t, newStore(t)) })
}

func testFlows(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	active := testutil.CreateTestFlow(testutil.WithNodes(
		testutil.Start("start"),
		testutil.Question("ask", "Name?", "name"),
		testutil.End("end"),
	), testutil.WithEdges(testutil.Chain("start", "ask", "end")...))
	draft := testutil.CreateTestFlow(testutil.WithStatus(models.FlowStatusDraft))

	require.NoError(t, store.SaveFlow(ctx, active))
	require.NoError(t, store.SaveFlow(ctx, draft))

	loaded, err := store.FlowByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, active.Name, loaded.Name)
	require.Len(t, loaded.Graph.Nodes, 3)
	assert.Equal(t, &models.QuestionConfig{Prompt: "Name?", OutputVariable: "name"}, loaded.Graph.Nodes[1].Config)

	flows, err := store.Flows(ctx)
	require.NoError(t, err)
	assert.Len(t, flows, 2)

	activeFlows, err := store.ActiveFlows(ctx)
	require.NoError(t, err)
	require.Len(t, activeFlows, 1)
	assert.Equal(t, active.ID, activeFlows[0].ID)

	_, err = store.FlowByID(ctx, "missing")
	assert.True(t, persistence.IsFlowNotFound(err))
}

func testFlowStats(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	flow := testutil.CreateTestFlow()
	require.NoError(t, store.SaveFlow(ctx, flow))

	for i := range 10 {
		require.NoError(t, store.IncrementFlowStats(ctx, flow.ID, i < 7))
	}

	loaded, err := store.FlowByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.Stats.Executions)
	assert.Equal(t, 7, loaded.Stats.Completed)
	assert.InDelta(t, 70.0, loaded.Stats.SuccessRate, 0.0001)

	err = store.IncrementFlowStats(ctx, "missing", true)
	assert.True(t, persistence.IsFlowNotFound(err))
}

func testSaveKeepsStats(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	flow := testutil.CreateTestFlow()
	require.NoError(t, store.SaveFlow(ctx, flow))

	stale, err := store.FlowByID(ctx, flow.ID)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, store.IncrementFlowStats(ctx, flow.ID, true))
	}

	stale.Deactivate(time.Now().UTC())
	require.NoError(t, store.SaveFlow(ctx, stale))

	loaded, err := store.FlowByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusInactive, loaded.Status)
	assert.Equal(t, 3, loaded.Stats.Executions)
	assert.Equal(t, 3, loaded.Stats.Completed)
	assert.InDelta(t, 100.0, loaded.Stats.SuccessRate, 0.0001)
}

func testRunningPerConversation(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	flow := testutil.CreateTestFlow()
	require.NoError(t, store.SaveFlow(ctx, flow))

	first := testutil.CreateTestExecution(flow.ID, "conv-1", "start")
	require.NoError(t, store.CreateExecution(ctx, first))

	second := testutil.CreateTestExecution(flow.ID, "conv-1", "start")
	err := store.CreateExecution(ctx, second)
	assert.True(t, persistence.IsConversationBusy(err))

	running, err := store.RunningExecutionByConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, running.ID)

	now := time.Now().UTC()
	require.NoError(t, store.UpdateStatus(ctx, models.StatusUpdate{
		ExecutionID:   first.ID,
		Status:        models.ExecutionStatusCompleted,
		ExecutionData: first.ExecutionData,
		CompletedAt:   &now,
	}))

	_, err = store.RunningExecutionByConversation(ctx, "conv-1")
	assert.True(t, persistence.IsExecutionNotFound(err))

	require.NoError(t, store.CreateExecution(ctx, second))
}

func testTerminalFrozen(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	flow := testutil.CreateTestFlow()
	require.NoError(t, store.SaveFlow(ctx, flow))

	execution := testutil.CreateTestExecution(flow.ID, "conv-2", "ask")
	require.NoError(t, store.CreateExecution(ctx, execution))

	require.NoError(t, store.UpdateStatus(ctx, models.StatusUpdate{
		ExecutionID:   execution.ID,
		Status:        models.ExecutionStatusRunning,
		CurrentNodeID: "ask",
		ExecutionData: execution.ExecutionData.With("name", "Ana"),
		WaitingFor:    models.WaitInput,
	}))

	loaded, err := store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IsAwaitingInput())
	assert.Equal(t, "Ana", loaded.ExecutionData["name"])

	require.NoError(t, store.UpdateStatus(ctx, models.StatusUpdate{
		ExecutionID:   execution.ID,
		Status:        models.ExecutionStatusFailed,
		ExecutionData: loaded.ExecutionData,
		ErrorMessage:  "boom",
	}))

	err = store.UpdateStatus(ctx, models.StatusUpdate{
		ExecutionID: execution.ID,
		Status:      models.ExecutionStatusRunning,
	})
	assert.True(t, persistence.IsExecutionFinished(err))

	loaded, err = store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, loaded.Status)
	assert.Equal(t, "boom", loaded.ErrorMessage)

	err = store.UpdateStatus(ctx, models.StatusUpdate{ExecutionID: "missing"})
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func testLogs(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	flow := testutil.CreateTestFlow()
	require.NoError(t, store.SaveFlow(ctx, flow))

	execution := testutil.CreateTestExecution(flow.ID, "conv-3", "start")
	require.NoError(t, store.CreateExecution(ctx, execution))

	base := time.Now().UTC().Truncate(time.Millisecond)
	nodes := []string{"start", "loop", "loop", "end"}

	for i, nodeID := range nodes {
		require.NoError(t, store.AppendLog(ctx, &models.ExecutionLog{
			ID:          uuid.New().String(),
			ExecutionID: execution.ID,
			NodeID:      nodeID,
			NodeType:    models.NodeTypeMessage,
			InputData:   map[string]any{"step": i},
			Status:      models.LogStatusSuccess,
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	logs, err := store.ExecutionLogs(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, logs, len(nodes))

	for i, entry := range logs {
		assert.Equal(t, nodes[i], entry.NodeID)
	}

	err = store.AppendLog(ctx, &models.ExecutionLog{ID: uuid.New().String(), ExecutionID: "missing", NodeID: "x"})
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func testDueDelayed(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	flow := testutil.CreateTestFlow()
	require.NoError(t, store.SaveFlow(ctx, flow))

	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, offset := range []time.Duration{-time.Minute, time.Hour} {
		execution := testutil.CreateTestExecution(flow.ID, uuid.New().String(), "wait")
		require.NoError(t, store.CreateExecution(ctx, execution))

		resumeAt := now.Add(offset)
		require.NoError(t, store.UpdateStatus(ctx, models.StatusUpdate{
			ExecutionID:   execution.ID,
			Status:        models.ExecutionStatusRunning,
			CurrentNodeID: "wait",
			ExecutionData: execution.ExecutionData,
			WaitingFor:    models.WaitDelay,
			ResumeAt:      &resumeAt,
		}), "execution %d", i)
	}

	due, err := store.DueDelayedExecutions(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].IsDelayed())
	assert.Equal(t, "wait", due[0].CurrentNodeID)
}

func testConcurrentStats(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()

	flow := testutil.CreateTestFlow()
	require.NoError(t, store.SaveFlow(ctx, flow))

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func(completed bool) {
			defer wg.Done()

			assert.NoError(t, store.IncrementFlowStats(ctx, flow.ID, completed))
		}(i%2 == 0)
	}

	wg.Wait()

	loaded, err := store.FlowByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, loaded.Stats.Executions)
	assert.Equal(t, 10, loaded.Stats.Completed)
	assert.InDelta(t, 50.0, loaded.Stats.SuccessRate, 0.0001)
}
