package postgresql

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

func (p *Persistence) AppendLog(ctx context.Context, entry *models.ExecutionLog) error {
	inputJSON, err := marshalJSON(entry.InputData, "input data")
	if err != nil {
		return err
	}

	outputJSON, err := marshalJSON(entry.OutputData, "output data")
	if err != nil {
		return err
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO execution_logs (
			id, execution_id, node_id, node_type, input_data, output_data,
			status, error_message, duration_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = p.db.ExecContext(ctx, query,
		entry.ID,
		entry.ExecutionID,
		entry.NodeID,
		entry.NodeType,
		inputJSON,
		outputJSON,
		entry.Status,
		entry.ErrorMessage,
		entry.DurationMs,
		entry.CreatedAt,
	)
	if err != nil {
		if code, _ := pqCode(err); code == foreignKeyViolation {
			return persistence.NewExecutionError("AppendLog", entry.ExecutionID, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError("AppendLog", entry.ExecutionID, err)
	}

	return nil
}

func (p *Persistence) ExecutionLogs(ctx context.Context, executionID string) ([]*models.ExecutionLog, error) {
	query := `
		SELECT id, execution_id, node_id, node_type, input_data, output_data,
			status, error_message, duration_ms, created_at
		FROM execution_logs
		WHERE execution_id = $1
		ORDER BY created_at, seq
	`

	rows, err := p.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer p.closeRows(ctx, rows)

	logs := make([]*models.ExecutionLog, 0)

	for rows.Next() {
		var (
			entry      models.ExecutionLog
			inputJSON  []byte
			outputJSON []byte
		)

		err := rows.Scan(
			&entry.ID,
			&entry.ExecutionID,
			&entry.NodeID,
			&entry.NodeType,
			&inputJSON,
			&outputJSON,
			&entry.Status,
			&entry.ErrorMessage,
			&entry.DurationMs,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}

		err = unmarshalJSON(inputJSON, &entry.InputData, "input data")
		if err != nil {
			return nil, err
		}

		err = unmarshalJSON(outputJSON, &entry.OutputData, "output data")
		if err != nil {
			return nil, err
		}

		logs = append(logs, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution logs: %w", err)
	}

	return logs, nil
}
