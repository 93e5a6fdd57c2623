package models

import "time"

// ExecutionStatus is the lifecycle state of a flow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status can never change again.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// WaitKind records why a running execution is halted.
type WaitKind string

const (
	WaitNone  WaitKind = ""
	WaitInput WaitKind = "input" // question or interactive reply
	WaitDelay WaitKind = "delay" // timer resumption
)

// FlowExecution is one run of a flow against one conversation.
type FlowExecution struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	ConversationID string          `json:"conversation_id"`
	ContactID      string          `json:"contact_id"`
	TriggerData    map[string]any  `json:"trigger_data,omitempty"`
	Status         ExecutionStatus `json:"status"`
	CurrentNodeID  string          `json:"current_node_id,omitempty"`
	ExecutionData  Variables       `json:"execution_data"`
	WaitingFor     WaitKind        `json:"waiting_for,omitempty"`
	ResumeAt       *time.Time      `json:"resume_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsAwaitingInput reports whether the execution is halted on a reply.
func (e *FlowExecution) IsAwaitingInput() bool {
	return e.Status == ExecutionStatusRunning && e.CurrentNodeID != "" && e.WaitingFor == WaitInput
}

// IsDelayed reports whether the execution is halted on a timer.
func (e *FlowExecution) IsDelayed() bool {
	return e.Status == ExecutionStatusRunning && e.WaitingFor == WaitDelay
}

// Clone returns a copy that shares no mutable state with the receiver.
func (e *FlowExecution) Clone() *FlowExecution {
	clone := *e
	clone.ExecutionData = e.ExecutionData.Clone()
	clone.TriggerData = Variables(e.TriggerData).Clone()

	if e.ResumeAt != nil {
		resumeAt := *e.ResumeAt
		clone.ResumeAt = &resumeAt
	}

	if e.CompletedAt != nil {
		completedAt := *e.CompletedAt
		clone.CompletedAt = &completedAt
	}

	return &clone
}

// StatusUpdate is the mutable part of an execution written after a step.
type StatusUpdate struct {
	ExecutionID   string
	Status        ExecutionStatus
	CurrentNodeID string
	ExecutionData Variables
	ErrorMessage  string
	WaitingFor    WaitKind
	ResumeAt      *time.Time
	CompletedAt   *time.Time
	DurationMs    int64
}

// Apply copies the update onto an execution.
func (u StatusUpdate) Apply(execution *FlowExecution, now time.Time) {
	execution.Status = u.Status
	execution.CurrentNodeID = u.CurrentNodeID
	execution.ExecutionData = u.ExecutionData.Clone()
	execution.ErrorMessage = u.ErrorMessage
	execution.WaitingFor = u.WaitingFor
	execution.ResumeAt = u.ResumeAt
	execution.CompletedAt = u.CompletedAt
	execution.DurationMs = u.DurationMs
	execution.UpdatedAt = now
}
