package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		flowErr := persistence.NewFlowError("FlowByID", "flow-123", persistence.ErrFlowNotFound)
		executionErr := persistence.NewExecutionError("UpdateStatus", "exec-1", persistence.ErrExecutionFinished)
		busyErr := persistence.NewExecutionError("CreateExecution", "exec-2", persistence.ErrConversationHasRunningExecution)

		assert.True(t, persistence.IsFlowNotFound(flowErr))
		assert.True(t, persistence.IsExecutionFinished(executionErr))
		assert.True(t, persistence.IsConversationBusy(busyErr))
		assert.False(t, persistence.IsExecutionNotFound(flowErr))

		assert.True(t, errors.Is(flowErr, persistence.ErrFlowNotFound))
		assert.True(t, errors.Is(executionErr, persistence.ErrExecutionFinished))
	})

	t.Run("flow error contains context", func(t *testing.T) {
		err := persistence.NewFlowError("SaveFlow", "flow-123", persistence.ErrFlowNotFound)

		assert.Contains(t, err.Error(), "SaveFlow")
		assert.Contains(t, err.Error(), "flow-123")
		assert.Contains(t, err.Error(), "flow not found")
	})

	t.Run("execution error contains context", func(t *testing.T) {
		err := persistence.NewExecutionError("AppendLog", "exec-9", persistence.ErrExecutionNotFound)

		assert.Contains(t, err.Error(), "AppendLog")
		assert.Contains(t, err.Error(), "exec-9")
		assert.Contains(t, err.Error(), "execution not found")
	})
}
