// Package memory provides an in-process persistence implementation used by
// default and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

// Persistence implements persistence.Persistence with mutex-guarded maps.
type Persistence struct {
	mu         sync.RWMutex
	flows      map[string]*models.FlowDefinition
	executions map[string]*models.FlowExecution
	running    map[string]string // conversation id -> execution id
	logs       map[string][]*models.ExecutionLog
	now        func() time.Time
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		flows:      make(map[string]*models.FlowDefinition),
		executions: make(map[string]*models.FlowExecution),
		running:    make(map[string]string),
		logs:       make(map[string][]*models.ExecutionLog),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func copyFlow(flow *models.FlowDefinition) *models.FlowDefinition {
	c := *flow
	c.Tags = append([]string(nil), flow.Tags...)

	return &c
}

func sortFlows(flows []*models.FlowDefinition) {
	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].ID < flows[j].ID
		}

		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})
}

func (p *Persistence) Flows(_ context.Context) ([]*models.FlowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flows := make([]*models.FlowDefinition, 0, len(p.flows))
	for _, flow := range p.flows {
		flows = append(flows, copyFlow(flow))
	}

	sortFlows(flows)

	return flows, nil
}

func (p *Persistence) ActiveFlows(ctx context.Context) ([]*models.FlowDefinition, error) {
	flows, err := p.Flows(ctx)
	if err != nil {
		return nil, err
	}

	active := flows[:0]

	for _, flow := range flows {
		if flow.IsActive() {
			active = append(active, flow)
		}
	}

	return active, nil
}

func (p *Persistence) SaveFlow(_ context.Context, flow *models.FlowDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now
	stored := copyFlow(flow)

	// Stats of a known flow are owned by IncrementFlowStats.
	if existing, ok := p.flows[flow.ID]; ok {
		stored.Stats = existing.Stats
	}

	p.flows[flow.ID] = stored

	return nil
}

func (p *Persistence) FlowByID(_ context.Context, id string) (*models.FlowDefinition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flow, ok := p.flows[id]
	if !ok {
		return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
	}

	return copyFlow(flow), nil
}

func (p *Persistence) IncrementFlowStats(_ context.Context, flowID string, completed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	flow, ok := p.flows[flowID]
	if !ok {
		return persistence.NewFlowError("IncrementFlowStats", flowID, persistence.ErrFlowNotFound)
	}

	flow.RecordExecution(completed)

	return nil
}

func (p *Persistence) CreateExecution(_ context.Context, execution *models.FlowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.executions[execution.ID]; exists {
		return persistence.NewExecutionError("CreateExecution", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	if execution.Status == models.ExecutionStatusRunning {
		if _, busy := p.running[execution.ConversationID]; busy {
			return persistence.NewExecutionError("CreateExecution", execution.ID, persistence.ErrConversationHasRunningExecution)
		}

		p.running[execution.ConversationID] = execution.ID
	}

	if execution.UpdatedAt.IsZero() {
		execution.UpdatedAt = p.now()
	}

	p.executions[execution.ID] = execution.Clone()

	return nil
}

func (p *Persistence) UpdateStatus(_ context.Context, update models.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.executions[update.ExecutionID]
	if !ok {
		return persistence.NewExecutionError("UpdateStatus", update.ExecutionID, persistence.ErrExecutionNotFound)
	}

	if execution.Status.IsTerminal() {
		return persistence.NewExecutionError("UpdateStatus", update.ExecutionID, persistence.ErrExecutionFinished)
	}

	update.Apply(execution, p.now())

	if execution.Status.IsTerminal() && p.running[execution.ConversationID] == execution.ID {
		delete(p.running, execution.ConversationID)
	}

	return nil
}

func (p *Persistence) ExecutionByID(_ context.Context, id string) (*models.FlowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	execution, ok := p.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (p *Persistence) RunningExecutionByConversation(_ context.Context, conversationID string) (*models.FlowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.running[conversationID]
	if !ok {
		return nil, persistence.NewExecutionError("RunningExecutionByConversation", conversationID, persistence.ErrExecutionNotFound)
	}

	return p.executions[id].Clone(), nil
}

func (p *Persistence) DueDelayedExecutions(_ context.Context, now time.Time) ([]*models.FlowExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var due []*models.FlowExecution

	for _, execution := range p.executions {
		if execution.IsDelayed() && execution.ResumeAt != nil && !execution.ResumeAt.After(now) {
			due = append(due, execution.Clone())
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ResumeAt.Before(*due[j].ResumeAt)
	})

	return due, nil
}

func (p *Persistence) AppendLog(_ context.Context, entry *models.ExecutionLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.executions[entry.ExecutionID]; !ok {
		return persistence.NewExecutionError("AppendLog", entry.ExecutionID, persistence.ErrExecutionNotFound)
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = p.now()
	}

	stored := *entry
	p.logs[entry.ExecutionID] = append(p.logs[entry.ExecutionID], &stored)

	return nil
}

func (p *Persistence) ExecutionLogs(_ context.Context, executionID string) ([]*models.ExecutionLog, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := p.logs[executionID]

	logs := make([]*models.ExecutionLog, len(entries))
	for i, entry := range entries {
		c := *entry
		logs[i] = &c
	}

	return logs, nil
}

// HealthCheck always succeeds for the in-memory store.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}
