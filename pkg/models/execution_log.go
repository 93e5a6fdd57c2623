package models

import "time"

// LogStatus is the outcome of one visited node.
type LogStatus string

const (
	LogStatusSuccess   LogStatus = "success"
	LogStatusFailed    LogStatus = "failed"
	LogStatusWaiting   LogStatus = "waiting"
	LogStatusWarning   LogStatus = "warning"
	LogStatusCancelled LogStatus = "cancelled"
)

// ExecutionLog is an append-only audit record, one per node visit.
type ExecutionLog struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	NodeID       string         `json:"node_id"`
	NodeType     NodeType       `json:"node_type"`
	InputData    map[string]any `json:"input_data,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	Status       LogStatus      `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}
