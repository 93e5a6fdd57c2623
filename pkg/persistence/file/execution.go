package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

func (fp *Persistence) CreateExecution(_ context.Context, execution *models.FlowExecution) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	_, err := fp.executionByID("CreateExecution", execution.ID)
	if err == nil {
		return persistence.NewExecutionError("CreateExecution", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	if !persistence.IsExecutionNotFound(err) {
		return err
	}

	if execution.Status == models.ExecutionStatusRunning {
		running, err := fp.runningByConversation(execution.ConversationID)
		if err != nil {
			return err
		}

		if running != nil {
			return persistence.NewExecutionError("CreateExecution", execution.ID, persistence.ErrConversationHasRunningExecution)
		}
	}

	if execution.UpdatedAt.IsZero() {
		execution.UpdatedAt = fp.now()
	}

	return fp.writeJSON(executionsDir, execution.ID, execution)
}

func (fp *Persistence) UpdateStatus(_ context.Context, update models.StatusUpdate) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	execution, err := fp.executionByID("UpdateStatus", update.ExecutionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() {
		return persistence.NewExecutionError("UpdateStatus", update.ExecutionID, persistence.ErrExecutionFinished)
	}

	update.Apply(execution, fp.now())

	return fp.writeJSON(executionsDir, execution.ID, execution)
}

func (fp *Persistence) ExecutionByID(_ context.Context, id string) (*models.FlowExecution, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.executionByID("ExecutionByID", id)
}

func (fp *Persistence) executionByID(op, id string) (*models.FlowExecution, error) {
	var execution models.FlowExecution

	err := fp.readJSON(executionsDir, id, &execution)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError(op, id, err)
	}

	return &execution, nil
}

func (fp *Persistence) loadExecutions() ([]*models.FlowExecution, error) {
	ids, err := fp.listIDs(executionsDir)
	if err != nil {
		return nil, err
	}

	executions := make([]*models.FlowExecution, 0, len(ids))

	for _, id := range ids {
		execution, err := fp.executionByID("loadExecutions", id)
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}

func (fp *Persistence) runningByConversation(conversationID string) (*models.FlowExecution, error) {
	executions, err := fp.loadExecutions()
	if err != nil {
		return nil, err
	}

	for _, execution := range executions {
		if execution.ConversationID == conversationID && execution.Status == models.ExecutionStatusRunning {
			return execution, nil
		}
	}

	return nil, nil
}

func (fp *Persistence) RunningExecutionByConversation(_ context.Context, conversationID string) (*models.FlowExecution, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	execution, err := fp.runningByConversation(conversationID)
	if err != nil {
		return nil, err
	}

	if execution == nil {
		return nil, persistence.NewExecutionError("RunningExecutionByConversation", conversationID, persistence.ErrExecutionNotFound)
	}

	return execution, nil
}

func (fp *Persistence) DueDelayedExecutions(_ context.Context, now time.Time) ([]*models.FlowExecution, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	executions, err := fp.loadExecutions()
	if err != nil {
		return nil, err
	}

	var due []*models.FlowExecution

	for _, execution := range executions {
		if execution.IsDelayed() && execution.ResumeAt != nil && !execution.ResumeAt.After(now) {
			due = append(due, execution)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ResumeAt.Before(*due[j].ResumeAt)
	})

	return due, nil
}

func (fp *Persistence) AppendLog(_ context.Context, entry *models.ExecutionLog) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	_, err := fp.executionByID("AppendLog", entry.ExecutionID)
	if err != nil {
		return err
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = fp.now()
	}

	err = os.MkdirAll(filepath.Join(fp.root, logsDir), 0750)
	if err != nil {
		return fmt.Errorf("failed to create execution logs directory: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal execution log: %w", err)
	}

	path := fp.path(logsDir, entry.ExecutionID, ".jsonl")

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 -- id is validated
	if err != nil {
		return fmt.Errorf("failed to open execution log %s: %w", entry.ExecutionID, err)
	}

	_, err = file.Write(append(data, '\n'))
	if err != nil {
		_ = file.Close()

		return fmt.Errorf("failed to append execution log %s: %w", entry.ExecutionID, err)
	}

	return file.Close()
}

func (fp *Persistence) ExecutionLogs(_ context.Context, executionID string) ([]*models.ExecutionLog, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	err := validateID(executionID)
	if err != nil {
		return nil, fmt.Errorf("invalid execution ID: %w", err)
	}

	file, err := os.Open(fp.path(logsDir, executionID, ".jsonl")) // #nosec G304 -- id is validated
	if errors.Is(err, fs.ErrNotExist) {
		return []*models.ExecutionLog{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open execution log %s: %w", executionID, err)
	}
	defer file.Close()

	var logs []*models.ExecutionLog

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var entry models.ExecutionLog

		err := json.Unmarshal(scanner.Bytes(), &entry)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution log %s: %w", executionID, err)
		}

		logs = append(logs, &entry)
	}

	return logs, scanner.Err()
}
