package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlowExecution_WaitStates(t *testing.T) {
	execution := &FlowExecution{Status: ExecutionStatusRunning, CurrentNodeID: "ask", WaitingFor: WaitInput}
	assert.True(t, execution.IsAwaitingInput())
	assert.False(t, execution.IsDelayed())

	execution.WaitingFor = WaitDelay
	assert.False(t, execution.IsAwaitingInput())
	assert.True(t, execution.IsDelayed())

	execution.Status = ExecutionStatusCancelled
	assert.False(t, execution.IsDelayed())
	assert.True(t, execution.Status.IsTerminal())
	assert.False(t, ExecutionStatusRunning.IsTerminal())
}

func TestFlowExecution_CloneIsIndependent(t *testing.T) {
	resumeAt := time.Now()
	execution := &FlowExecution{
		ID:            "exec-1",
		ExecutionData: Variables{"items": []any{"a"}},
		TriggerData:   map[string]any{"source": "api"},
		ResumeAt:      &resumeAt,
	}

	clone := execution.Clone()
	clone.ExecutionData["items"].([]any)[0] = "b"
	clone.TriggerData["source"] = "bus"
	*clone.ResumeAt = resumeAt.Add(time.Hour)

	assert.Equal(t, "a", execution.ExecutionData["items"].([]any)[0])
	assert.Equal(t, "api", execution.TriggerData["source"])
	assert.Equal(t, resumeAt, *execution.ResumeAt)
}

func TestStatusUpdate_Apply(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	execution := &FlowExecution{ID: "exec-1", Status: ExecutionStatusRunning, CurrentNodeID: "ask", WaitingFor: WaitInput}

	update := StatusUpdate{
		ExecutionID:   "exec-1",
		Status:        ExecutionStatusCompleted,
		ExecutionData: Variables{"name": "Ana"},
		CompletedAt:   &now,
		DurationMs:    1200,
	}
	update.Apply(execution, now)

	assert.Equal(t, ExecutionStatusCompleted, execution.Status)
	assert.Empty(t, execution.CurrentNodeID)
	assert.Equal(t, WaitNone, execution.WaitingFor)
	assert.Equal(t, Variables{"name": "Ana"}, execution.ExecutionData)
	assert.Equal(t, int64(1200), execution.DurationMs)
	assert.Equal(t, now, execution.UpdatedAt)
}
