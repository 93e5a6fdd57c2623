package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationBusy is returned when a conversation already has a running execution.
	ErrConversationBusy = errors.New("conversation already has a running execution")
	// ErrExecutionBusy is returned when another step of the execution is in flight.
	ErrExecutionBusy = errors.New("execution is busy")
	// ErrNotAwaitingInput is returned when resuming an execution that is not halted on a reply.
	ErrNotAwaitingInput = errors.New("execution is not awaiting input")
	// ErrExecutionNotRunning is returned for operations on terminal executions.
	ErrExecutionNotRunning = errors.New("execution is not running")
	// ErrFlowInactive is returned when starting a switched-off flow.
	ErrFlowInactive = errors.New("flow is inactive")
	// ErrNoMatchingFlow is returned when no active flow's trigger matches an inbound message.
	ErrNoMatchingFlow = errors.New("no active flow matches the inbound message")

	ErrCorruptedGraph    = errors.New("corrupted graph")
	ErrNoNextNode        = errors.New("no viable next node")
	ErrNoMatchingClause  = errors.New("no condition clause matched and no default route")
	ErrMaxStepsExceeded  = errors.New("maximum steps per run exceeded")
	ErrUnknownJumpTarget = errors.New("unknown jump target")
	ErrAdapterMissing    = errors.New("capability adapter not configured")
)

// StepError carries the execution and node an internal failure happened on.
type StepError struct {
	Op          string
	ExecutionID string
	NodeID      string
	Err         error
}

func (e *StepError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s execution %s: %v", e.Op, e.ExecutionID, e.Err)
	}

	return fmt.Sprintf("%s execution %s at node %s: %v", e.Op, e.ExecutionID, e.NodeID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsBusy reports whether err means the caller should retry later.
func IsBusy(err error) bool {
	return errors.Is(err, ErrExecutionBusy) || errors.Is(err, ErrConversationBusy)
}

// IsNotRunning reports whether err means the execution already finished.
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrExecutionNotRunning)
}
