package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

const executionColumns = `id, flow_id, conversation_id, contact_id, trigger_data, status, current_node_id,
	execution_data, waiting_for, resume_at, error_message, started_at, completed_at, duration_ms, updated_at`

// CreateExecution inserts an execution. The partial unique index on running
// executions enforces one running execution per conversation.
func (p *Persistence) CreateExecution(ctx context.Context, execution *models.FlowExecution) error {
	triggerJSON, err := marshalJSON(orEmpty(execution.TriggerData), "trigger data")
	if err != nil {
		return err
	}

	dataJSON, err := marshalJSON(orEmpty(execution.ExecutionData), "execution data")
	if err != nil {
		return err
	}

	if execution.UpdatedAt.IsZero() {
		execution.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO flow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = p.db.ExecContext(ctx, query,
		execution.ID,
		execution.FlowID,
		execution.ConversationID,
		execution.ContactID,
		triggerJSON,
		execution.Status,
		execution.CurrentNodeID,
		dataJSON,
		execution.WaitingFor,
		execution.ResumeAt,
		execution.ErrorMessage,
		execution.StartedAt,
		execution.CompletedAt,
		execution.DurationMs,
		execution.UpdatedAt,
	)
	if err != nil {
		code, constraint := pqCode(err)

		switch {
		case code == uniqueViolation && constraint == runningConversationIndex:
			return persistence.NewExecutionError("CreateExecution", execution.ID, persistence.ErrConversationHasRunningExecution)
		case code == uniqueViolation:
			return persistence.NewExecutionError("CreateExecution", execution.ID, persistence.ErrExecutionAlreadyExists)
		case code == foreignKeyViolation:
			return persistence.NewExecutionError("CreateExecution", execution.ID, persistence.ErrFlowNotFound)
		}

		return persistence.NewExecutionError("CreateExecution", execution.ID, err)
	}

	return nil
}

func orEmpty[M ~map[string]any](values M) M {
	if values == nil {
		return M{}
	}

	return values
}

// UpdateStatus only touches running rows, so terminal executions stay frozen.
func (p *Persistence) UpdateStatus(ctx context.Context, update models.StatusUpdate) error {
	dataJSON, err := marshalJSON(orEmpty(update.ExecutionData), "execution data")
	if err != nil {
		return err
	}

	query := `
		UPDATE flow_executions SET
			status = $2,
			current_node_id = $3,
			execution_data = $4,
			error_message = $5,
			waiting_for = $6,
			resume_at = $7,
			completed_at = $8,
			duration_ms = $9,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`

	result, err := p.db.ExecContext(ctx, query,
		update.ExecutionID,
		update.Status,
		update.CurrentNodeID,
		dataJSON,
		update.ErrorMessage,
		update.WaitingFor,
		update.ResumeAt,
		update.CompletedAt,
		update.DurationMs,
	)
	if err != nil {
		return persistence.NewExecutionError("UpdateStatus", update.ExecutionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("UpdateStatus", update.ExecutionID, err)
	}

	if affected > 0 {
		return nil
	}

	_, err = p.ExecutionByID(ctx, update.ExecutionID)
	if err != nil {
		return err
	}

	return persistence.NewExecutionError("UpdateStatus", update.ExecutionID, persistence.ErrExecutionFinished)
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM flow_executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("ExecutionByID", id, err)
	}

	return execution, nil
}

func (p *Persistence) RunningExecutionByConversation(ctx context.Context, conversationID string) (*models.FlowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM flow_executions WHERE conversation_id = $1 AND status = 'running'`

	execution, err := scanExecution(p.db.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("RunningExecutionByConversation", conversationID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("RunningExecutionByConversation", conversationID, err)
	}

	return execution, nil
}

func (p *Persistence) DueDelayedExecutions(ctx context.Context, now time.Time) ([]*models.FlowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM flow_executions
		WHERE status = 'running' AND waiting_for = 'delay' AND resume_at <= $1
		ORDER BY resume_at
	`

	rows, err := p.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query delayed executions: %w", err)
	}
	defer p.closeRows(ctx, rows)

	var executions []*models.FlowExecution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row scanner) (*models.FlowExecution, error) {
	var (
		execution   models.FlowExecution
		triggerJSON []byte
		dataJSON    []byte
		resumeAt    sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.FlowID,
		&execution.ConversationID,
		&execution.ContactID,
		&triggerJSON,
		&execution.Status,
		&execution.CurrentNodeID,
		&dataJSON,
		&execution.WaitingFor,
		&resumeAt,
		&execution.ErrorMessage,
		&execution.StartedAt,
		&completedAt,
		&execution.DurationMs,
		&execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(triggerJSON, &execution.TriggerData, "trigger data")
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(dataJSON, &execution.ExecutionData, "execution data")
	if err != nil {
		return nil, err
	}

	execution.ResumeAt = timePtr(resumeAt)
	execution.CompletedAt = timePtr(completedAt)

	return &execution, nil
}
