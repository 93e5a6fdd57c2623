// Package persistence provides the durable store for flows, executions and
// their append-only step logs.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

type Persistence interface {
	Flows(ctx context.Context) ([]*models.FlowDefinition, error)
	ActiveFlows(ctx context.Context) ([]*models.FlowDefinition, error)
	SaveFlow(ctx context.Context, flow *models.FlowDefinition) error
	FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error)
	// IncrementFlowStats counts one finished execution and recomputes the
	// success rate in a single write.
	IncrementFlowStats(ctx context.Context, flowID string, completed bool) error

	// CreateExecution fails with ErrConversationHasRunningExecution when the
	// conversation already has a running execution.
	CreateExecution(ctx context.Context, execution *models.FlowExecution) error
	// UpdateStatus fails with ErrExecutionFinished once the stored execution
	// is terminal.
	UpdateStatus(ctx context.Context, update models.StatusUpdate) error
	ExecutionByID(ctx context.Context, id string) (*models.FlowExecution, error)
	RunningExecutionByConversation(ctx context.Context, conversationID string) (*models.FlowExecution, error)
	// DueDelayedExecutions returns running executions halted on a delay whose
	// resume time is not after now.
	DueDelayedExecutions(ctx context.Context, now time.Time) ([]*models.FlowExecution, error)

	AppendLog(ctx context.Context, entry *models.ExecutionLog) error
	// ExecutionLogs returns the entries of one execution in creation order.
	ExecutionLogs(ctx context.Context, executionID string) ([]*models.ExecutionLog, error)

	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
