package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

func (fp *Persistence) Flows(_ context.Context) ([]*models.FlowDefinition, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.loadFlows()
}

func (fp *Persistence) loadFlows() ([]*models.FlowDefinition, error) {
	ids, err := fp.listIDs(flowsDir)
	if err != nil {
		return nil, err
	}

	flows := make([]*models.FlowDefinition, 0, len(ids))

	for _, id := range ids {
		var flow models.FlowDefinition

		err := fp.readJSON(flowsDir, id, &flow)
		if err != nil {
			return nil, fmt.Errorf("failed to load flow %s: %w", id, err)
		}

		flows = append(flows, &flow)
	}

	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].ID < flows[j].ID
		}

		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})

	return flows, nil
}

func (fp *Persistence) ActiveFlows(ctx context.Context) ([]*models.FlowDefinition, error) {
	flows, err := fp.Flows(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.FlowDefinition, 0, len(flows))

	for _, flow := range flows {
		if flow.IsActive() {
			active = append(active, flow)
		}
	}

	return active, nil
}

func (fp *Persistence) SaveFlow(_ context.Context, flow *models.FlowDefinition) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	now := fp.now()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now
	stored := *flow

	// Stats of a known flow are owned by IncrementFlowStats.
	existing, err := fp.flowByID("SaveFlow", flow.ID)
	switch {
	case err == nil:
		stored.Stats = existing.Stats
	case !persistence.IsFlowNotFound(err):
		return err
	}

	return fp.writeJSON(flowsDir, flow.ID, &stored)
}

func (fp *Persistence) FlowByID(_ context.Context, id string) (*models.FlowDefinition, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.flowByID("FlowByID", id)
}

func (fp *Persistence) flowByID(op, id string) (*models.FlowDefinition, error) {
	var flow models.FlowDefinition

	err := fp.readJSON(flowsDir, id, &flow)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewFlowError(op, id, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return nil, persistence.NewFlowError(op, id, err)
	}

	return &flow, nil
}

func (fp *Persistence) IncrementFlowStats(_ context.Context, flowID string, completed bool) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	flow, err := fp.flowByID("IncrementFlowStats", flowID)
	if err != nil {
		return err
	}

	flow.RecordExecution(completed)

	return fp.writeJSON(flowsDir, flow.ID, flow)
}
