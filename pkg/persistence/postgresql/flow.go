package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

const flowColumns = `id, name, description, status, trigger_config, graph, tags, executions, completed,
	success_rate, activated_at, deactivated_at, created_at, updated_at`

// SaveFlow upserts a flow. Stats are owned by IncrementFlowStats and are only
// written on insert.
func (p *Persistence) SaveFlow(ctx context.Context, flow *models.FlowDefinition) error {
	triggerJSON, err := marshalJSON(flow.Trigger, "trigger")
	if err != nil {
		return err
	}

	graphJSON, err := marshalJSON(flow.Graph, "graph")
	if err != nil {
		return err
	}

	tags := flow.Tags
	if tags == nil {
		tags = []string{}
	}

	tagsJSON, err := marshalJSON(tags, "tags")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flows (` + flowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13::timestamptz, NOW()), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			trigger_config = EXCLUDED.trigger_config,
			graph = EXCLUDED.graph,
			tags = EXCLUDED.tags,
			activated_at = EXCLUDED.activated_at,
			deactivated_at = EXCLUDED.deactivated_at,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	var createdAt any
	if !flow.CreatedAt.IsZero() {
		createdAt = flow.CreatedAt
	}

	err = p.db.QueryRowContext(ctx, query,
		flow.ID,
		flow.Name,
		flow.Description,
		flow.Status,
		triggerJSON,
		graphJSON,
		tagsJSON,
		flow.Stats.Executions,
		flow.Stats.Completed,
		flow.Stats.SuccessRate,
		flow.ActivatedAt,
		flow.DeactivatedAt,
		createdAt,
	).Scan(&flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		return persistence.NewFlowError("SaveFlow", flow.ID, err)
	}

	return nil
}

func (p *Persistence) FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)

	flow, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return nil, persistence.NewFlowError("FlowByID", id, err)
	}

	return flow, nil
}

func (p *Persistence) Flows(ctx context.Context) ([]*models.FlowDefinition, error) {
	return p.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows ORDER BY created_at, id`)
}

func (p *Persistence) ActiveFlows(ctx context.Context) ([]*models.FlowDefinition, error) {
	return p.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE status = 'active' ORDER BY created_at, id`)
}

func (p *Persistence) queryFlows(ctx context.Context, query string) ([]*models.FlowDefinition, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer p.closeRows(ctx, rows)

	flows := make([]*models.FlowDefinition, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

// IncrementFlowStats updates counters and the rounded success rate in one statement.
func (p *Persistence) IncrementFlowStats(ctx context.Context, flowID string, completed bool) error {
	query := `
		UPDATE flows SET
			executions = executions + 1,
			completed = completed + CASE WHEN $2::boolean THEN 1 ELSE 0 END,
			success_rate = ROUND(
				(completed + CASE WHEN $2::boolean THEN 1 ELSE 0 END)::numeric * 100 / (executions + 1), 1
			)::double precision
		WHERE id = $1
	`

	result, err := p.db.ExecContext(ctx, query, flowID, completed)
	if err != nil {
		return persistence.NewFlowError("IncrementFlowStats", flowID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewFlowError("IncrementFlowStats", flowID, err)
	}

	if affected == 0 {
		return persistence.NewFlowError("IncrementFlowStats", flowID, persistence.ErrFlowNotFound)
	}

	return nil
}

func scanFlow(row scanner) (*models.FlowDefinition, error) {
	var (
		flow          models.FlowDefinition
		triggerJSON   []byte
		graphJSON     []byte
		tagsJSON      []byte
		activatedAt   sql.NullTime
		deactivatedAt sql.NullTime
	)

	err := row.Scan(
		&flow.ID,
		&flow.Name,
		&flow.Description,
		&flow.Status,
		&triggerJSON,
		&graphJSON,
		&tagsJSON,
		&flow.Stats.Executions,
		&flow.Stats.Completed,
		&flow.Stats.SuccessRate,
		&activatedAt,
		&deactivatedAt,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(triggerJSON, &flow.Trigger, "trigger")
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(graphJSON, &flow.Graph, "graph")
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(tagsJSON, &flow.Tags, "tags")
	if err != nil {
		return nil, err
	}

	flow.ActivatedAt = timePtr(activatedAt)
	flow.DeactivatedAt = timePtr(deactivatedAt)

	return &flow, nil
}
