package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/dukex/convoflow/pkg/graph"
	"github.com/dukex/convoflow/pkg/locker"
	"github.com/dukex/convoflow/pkg/log"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// run is the working state of one locked pass over an execution.
type run struct {
	exec  *models.FlowExecution
	flow  *models.FlowDefinition
	graph *graph.Graph
	// resume is set only for the first step after a Resume or ResumeDelayed.
	resume *resumption
	// jump is set when the pass ended by jumping to another flow.
	jump *crossFlowJump
	// steps counts node visits in this call, across cross-flow jumps.
	steps int
}

type resumption struct {
	input   any
	delayed bool
}

type crossFlowJump struct {
	flow *models.FlowDefinition
	// vars is nil when the target starts with a fresh bag.
	vars models.Variables
}

type outcome int

const (
	outcomeAdvance outcome = iota
	outcomeHalt
	outcomeComplete
	outcomeFail
	outcomeCancel
)

// stepResult is what one node visit decided. It is applied to a copy of the
// execution only after the log entry is written.
type stepResult struct {
	outcome   outcome
	next      string
	vars      models.Variables
	wait      models.WaitKind
	resumeAt  *time.Time
	logStatus models.LogStatus
	logError  string
	failure   string
	input     map[string]any
	output    map[string]any
	jump      *crossFlowJump
}

func (res stepResult) advanceTo(nodeID string) stepResult {
	res.outcome = outcomeAdvance
	res.next = nodeID

	return res
}

func (res stepResult) halt(wait models.WaitKind, resumeAt *time.Time) stepResult {
	res.outcome = outcomeHalt
	res.wait = wait
	res.resumeAt = resumeAt

	if res.logStatus == models.LogStatusSuccess {
		res.logStatus = models.LogStatusWaiting
	}

	return res
}

func (res stepResult) complete() stepResult {
	res.outcome = outcomeComplete

	return res
}

func (res stepResult) fail(err error) stepResult {
	res.outcome = outcomeFail
	res.logStatus = models.LogStatusFailed
	res.failure = err.Error()

	if res.logError != "" {
		res.logError = res.logError + "; " + err.Error()
	} else {
		res.logError = err.Error()
	}

	return res
}

// adapterFailed records a non-fatal adapter error. Control flow is unchanged.
func (res stepResult) adapterFailed(err error) stepResult {
	res.logStatus = models.LogStatusFailed
	res.logError = err.Error()

	return res
}

func (res stepResult) warn(message string) stepResult {
	if res.logStatus == models.LogStatusSuccess {
		res.logStatus = models.LogStatusWarning
	}

	if res.logError != "" {
		res.logError = res.logError + "; " + message
	} else {
		res.logError = message
	}

	return res
}

// runLocked runs the execution and releases its lock. A cancellation that
// arrived while the lock was held is applied after release. A jump to another
// flow continues in a new execution that shares the step budget, and the id
// of the last execution reached is returned.
func (e *Engine) runLocked(ctx context.Context, unlock locker.Unlock, r *run) (string, error) {
	for {
		err := e.runSteps(ctx, r)

		unlock()

		if e.cancelRequested(r.exec.ID) {
			cancelErr := e.cancelIdle(ctx, r.exec.ID)
			if cancelErr != nil {
				e.logger.ErrorContext(ctx, "Failed to apply deferred cancellation", "execution_id", r.exec.ID, "error", cancelErr)
			}
		}

		if err != nil || r.jump == nil {
			return r.exec.ID, err
		}

		next, err := e.continueIn(ctx, r)
		if err != nil {
			return r.exec.ID, err
		}

		unlock, err = e.lockNew(ctx, next.exec.ID)
		if err != nil {
			return next.exec.ID, err
		}

		r = next
	}
}

// continueIn creates the execution a cross-flow jump leads to.
func (e *Engine) continueIn(ctx context.Context, r *run) (*run, error) {
	vars := r.jump.vars
	if vars == nil {
		vars = e.seedVariables(r.exec.ConversationID, r.exec.TriggerData)
	}

	next, err := e.createExecution(ctx, r.jump.flow, r.exec.ConversationID, r.exec.ContactID, r.exec.TriggerData, vars, r.exec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to start jump target flow %s: %w", r.jump.flow.ID, err)
	}

	next.steps = r.steps

	e.logger.InfoContext(ctx, "Execution continued in another flow",
		"execution_id", r.exec.ID, "next_execution_id", next.exec.ID, "flow_id", r.jump.flow.ID)

	return next, nil
}

func (e *Engine) runSteps(ctx context.Context, r *run) error {
	for {
		if e.cancelRequested(r.exec.ID) {
			return e.cancelRun(ctx, r, "cancelled at step boundary")
		}

		node, ok := r.graph.Node(r.exec.CurrentNodeID)
		if !ok {
			node = models.Node{ID: r.exec.CurrentNodeID}
			res := stepResult{vars: r.exec.ExecutionData}.
				fail(fmt.Errorf("%w: node %q does not exist", ErrCorruptedGraph, r.exec.CurrentNodeID))

			_, err := e.commit(ctx, r, node, res, e.now())
			if err != nil {
				return err
			}

			return &StepError{Op: "run", ExecutionID: r.exec.ID, NodeID: node.ID, Err: ErrCorruptedGraph}
		}

		if r.steps >= e.maxSteps {
			res := stepResult{vars: r.exec.ExecutionData}.
				fail(fmt.Errorf("%w: %d", ErrMaxStepsExceeded, e.maxSteps))

			_, err := e.commit(ctx, r, node, res, e.now())

			return err
		}

		r.steps++

		advanced, err := e.runStep(ctx, r, node)
		if err != nil || !advanced {
			return err
		}
	}
}

func (e *Engine) runStep(ctx context.Context, r *run, node models.Node) (bool, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "convoflow.step",
		attribute.String(otelhelper.ExecutionIDKey, r.exec.ID),
		attribute.String(otelhelper.FlowIDKey, r.exec.FlowID),
		attribute.String(otelhelper.ConversationIDKey, r.exec.ConversationID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
	)
	defer span.End()

	started := e.now()
	res := e.step(ctx, r, node)
	r.resume = nil

	if e.cancelRequested(r.exec.ID) {
		// The adapter call finished after a cancel: its result is dropped.
		res = stepResult{
			outcome:   outcomeCancel,
			vars:      r.exec.ExecutionData,
			logStatus: models.LogStatusCancelled,
			logError:  "cancelled during step, result discarded",
			input:     res.input,
		}
	}

	span.SetAttributes(attribute.String(otelhelper.StepStatusKey, string(res.logStatus)))

	if res.logStatus == models.LogStatusFailed {
		otelhelper.SetError(span, errors.New(res.logError))
	}

	advanced, err := e.commit(ctx, r, node, res, started)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return advanced, err
}

func (e *Engine) cancelRun(ctx context.Context, r *run, reason string) error {
	node, ok := r.graph.Node(r.exec.CurrentNodeID)
	if !ok {
		node = models.Node{ID: r.exec.CurrentNodeID}
	}

	res := stepResult{
		outcome:   outcomeCancel,
		vars:      r.exec.ExecutionData,
		logStatus: models.LogStatusCancelled,
		logError:  reason,
	}

	_, err := e.commit(ctx, r, node, res, e.now())

	return err
}

// commit persists one step: exactly one log entry, then one status update when
// the execution changed. It reports whether the run continues.
func (e *Engine) commit(ctx context.Context, r *run, node models.Node, res stepResult, started time.Time) (bool, error) {
	now := e.now()
	logger := log.FromContext(ctx, e.logger).With(
		"execution_id", r.exec.ID,
		"flow_id", r.exec.FlowID,
		"node_id", node.ID,
		"node_type", node.Type,
	)

	entry := &models.ExecutionLog{
		ID:           e.newID(),
		ExecutionID:  r.exec.ID,
		NodeID:       node.ID,
		NodeType:     node.Type,
		InputData:    res.input,
		OutputData:   res.output,
		Status:       res.logStatus,
		ErrorMessage: res.logError,
		DurationMs:   now.Sub(started).Milliseconds(),
		CreatedAt:    now,
	}

	next := r.exec.Clone()
	if res.vars != nil {
		next.ExecutionData = res.vars.Clone()
	}

	switch res.outcome {
	case outcomeAdvance:
		next.CurrentNodeID = res.next
		next.WaitingFor = models.WaitNone
		next.ResumeAt = nil
	case outcomeHalt:
		next.CurrentNodeID = node.ID
		next.WaitingFor = res.wait
		next.ResumeAt = res.resumeAt
	case outcomeComplete:
		finishExecution(next, models.ExecutionStatusCompleted, "", now)
		next.CurrentNodeID = ""
	case outcomeFail:
		finishExecution(next, models.ExecutionStatusFailed, res.failure, now)
	case outcomeCancel:
		finishExecution(next, models.ExecutionStatusCancelled, "", now)
	}

	err := e.store.AppendLog(ctx, entry)
	if err != nil {
		return false, e.failInternal(ctx, r, node, fmt.Errorf("failed to append log: %w", err))
	}

	if executionChanged(r.exec, next) {
		err = e.store.UpdateStatus(ctx, statusUpdate(next))
		if err != nil {
			if persistence.IsExecutionFinished(err) {
				return false, &StepError{Op: "commit", ExecutionID: r.exec.ID, NodeID: node.ID, Err: ErrExecutionNotRunning}
			}

			return false, e.failInternal(ctx, r, node, fmt.Errorf("failed to update status: %w", err))
		}
	}

	r.exec = next

	logger.DebugContext(ctx, "Step committed", "status", res.logStatus, "duration_ms", entry.DurationMs)
	e.publishStep(ctx, next, entry)

	switch res.outcome {
	case outcomeAdvance:
		return true, nil
	case outcomeHalt:
		e.suspended(ctx, next)
	case outcomeComplete:
		r.jump = res.jump
		e.finished(ctx, next, node.ID)
	case outcomeFail, outcomeCancel:
		e.finished(ctx, next, node.ID)
	}

	return false, nil
}

func finishExecution(execution *models.FlowExecution, status models.ExecutionStatus, message string, now time.Time) {
	execution.Status = status
	execution.ErrorMessage = message
	execution.WaitingFor = models.WaitNone
	execution.ResumeAt = nil
	execution.CompletedAt = &now
	execution.DurationMs = now.Sub(execution.StartedAt).Milliseconds()
}

func statusUpdate(execution *models.FlowExecution) models.StatusUpdate {
	return models.StatusUpdate{
		ExecutionID:   execution.ID,
		Status:        execution.Status,
		CurrentNodeID: execution.CurrentNodeID,
		ExecutionData: execution.ExecutionData,
		ErrorMessage:  execution.ErrorMessage,
		WaitingFor:    execution.WaitingFor,
		ResumeAt:      execution.ResumeAt,
		CompletedAt:   execution.CompletedAt,
		DurationMs:    execution.DurationMs,
	}
}

func executionChanged(before, after *models.FlowExecution) bool {
	if before.Status != after.Status ||
		before.CurrentNodeID != after.CurrentNodeID ||
		before.WaitingFor != after.WaitingFor ||
		before.ErrorMessage != after.ErrorMessage {
		return true
	}

	if (before.ResumeAt == nil) != (after.ResumeAt == nil) {
		return true
	}

	if before.ResumeAt != nil && !before.ResumeAt.Equal(*after.ResumeAt) {
		return true
	}

	return !reflect.DeepEqual(before.ExecutionData, after.ExecutionData)
}

// failInternal marks the execution failed after a store error. The write is
// best effort: the store may be the thing that is broken.
func (e *Engine) failInternal(ctx context.Context, r *run, node models.Node, cause error) error {
	now := e.now()
	failed := r.exec.Clone()
	finishExecution(failed, models.ExecutionStatusFailed, cause.Error(), now)

	err := e.store.UpdateStatus(ctx, statusUpdate(failed))
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to mark execution as failed",
			"execution_id", r.exec.ID, "error", err)
	} else {
		r.exec = failed
		e.finished(ctx, failed, node.ID)
	}

	return &StepError{Op: "commit", ExecutionID: r.exec.ID, NodeID: node.ID, Err: cause}
}

func (e *Engine) suspended(ctx context.Context, execution *models.FlowExecution) {
	if execution.WaitingFor == models.WaitDelay && execution.ResumeAt != nil && e.scheduler != nil {
		e.scheduler.Schedule(execution.ID, *execution.ResumeAt)
	}

	e.logger.InfoContext(ctx, "Execution suspended",
		"execution_id", execution.ID, "node_id", execution.CurrentNodeID, "waiting_for", execution.WaitingFor)
	e.publishSuspended(ctx, execution)
}

func (e *Engine) finished(ctx context.Context, execution *models.FlowExecution, nodeID string) {
	e.clearCancel(execution.ID)

	if e.scheduler != nil {
		e.scheduler.Unschedule(execution.ID)
	}

	err := e.store.IncrementFlowStats(ctx, execution.FlowID, execution.Status == models.ExecutionStatusCompleted)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to record flow stats", "flow_id", execution.FlowID, "error", err)
	}

	e.logger.InfoContext(ctx, "Execution finished",
		"execution_id", execution.ID, "status", execution.Status, "duration_ms", execution.DurationMs)
	e.publishFinished(ctx, execution, nodeID)
}
