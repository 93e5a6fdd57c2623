package memory_test

import (
	"context"
	"testing"

	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/persistence/memory"
	"github.com/dukex/convoflow/pkg/persistence/persistencetest"
	"github.com/dukex/convoflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence(t *testing.T) {
	persistencetest.Run(t, func(_ *testing.T) persistence.Persistence {
		return memory.NewPersistence()
	})
}

func TestPersistence_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	flow := testutil.CreateTestFlow()
	require.NoError(t, store.SaveFlow(ctx, flow))

	execution := testutil.CreateTestExecution(flow.ID, "conv-1", "start")
	require.NoError(t, store.CreateExecution(ctx, execution))

	loaded, err := store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)

	loaded.ExecutionData["name"] = "mutated"

	again, err := store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.NotContains(t, again.ExecutionData, "name")
}
