// Package models defines the core domain models for conversational flow automation.
package models

import (
	"math"
	"strings"
	"time"
)

// FlowStatus represents the lifecycle state of a flow definition.
type FlowStatus string

const (
	FlowStatusDraft    FlowStatus = "draft"    // Editable, not triggerable
	FlowStatusActive   FlowStatus = "active"   // Published and triggerable
	FlowStatusInactive FlowStatus = "inactive" // Published, switched off
)

// TriggerKind selects how an inbound conversation event starts a flow.
type TriggerKind string

const (
	TriggerKindKeyword      TriggerKind = "keyword"
	TriggerKindFirstMessage TriggerKind = "first_message"
	TriggerKindManual       TriggerKind = "manual"
)

// Keyword match modes.
const (
	MatchExact    = "exact"
	MatchContains = "contains"
)

// Trigger describes what starts a flow.
type Trigger struct {
	Kind     TriggerKind `json:"kind" validate:"required,oneof=keyword first_message manual"`
	Keywords []string    `json:"keywords,omitempty"`
	Match    string      `json:"match,omitempty" validate:"omitempty,oneof=exact contains"`
}

// FlowGraph is the authored node set and edge set of a flow.
type FlowGraph struct {
	Nodes []Node `json:"nodes" validate:"required,min=1,dive"`
	Edges []Edge `json:"edges" validate:"dive"`
}

// FlowStats holds aggregate execution statistics for a flow.
type FlowStats struct {
	Executions  int     `json:"executions"`
	Completed   int     `json:"completed"`
	SuccessRate float64 `json:"success_rate"`
}

// FlowDefinition is an authored automation.
type FlowDefinition struct {
	ID            string     `json:"id"`
	Name          string     `json:"name" validate:"required,min=3"`
	Description   string     `json:"description"`
	Status        FlowStatus `json:"status" validate:"required,oneof=draft active inactive"`
	Trigger       Trigger    `json:"trigger"`
	Graph         FlowGraph  `json:"graph"`
	Tags          []string   `json:"tags,omitempty"`
	Stats         FlowStats  `json:"stats"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Activate marks the flow as triggerable.
func (f *FlowDefinition) Activate(now time.Time) {
	f.Status = FlowStatusActive
	f.ActivatedAt = &now
	f.UpdatedAt = now
}

// Deactivate switches the flow off without touching its executions.
func (f *FlowDefinition) Deactivate(now time.Time) {
	f.Status = FlowStatusInactive
	f.DeactivatedAt = &now
	f.UpdatedAt = now
}

// IsActive reports whether the flow can be started by an inbound event.
func (f *FlowDefinition) IsActive() bool {
	return f.Status == FlowStatusActive
}

// MatchesTrigger reports whether an inbound text starts this flow. firstMessage
// is true when the conversation has no previous messages.
func (f *FlowDefinition) MatchesTrigger(text string, firstMessage bool) bool {
	switch f.Trigger.Kind {
	case TriggerKindFirstMessage:
		return firstMessage
	case TriggerKindKeyword:
		normalized := strings.ToLower(strings.TrimSpace(text))
		if normalized == "" {
			return false
		}

		for _, keyword := range f.Trigger.Keywords {
			keyword = strings.ToLower(strings.TrimSpace(keyword))
			if keyword == "" {
				continue
			}

			if f.Trigger.Match == MatchContains {
				if strings.Contains(normalized, keyword) {
					return true
				}

				continue
			}

			if normalized == keyword {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// RecordExecution folds one finished execution into the aggregate stats.
func (f *FlowDefinition) RecordExecution(completed bool) {
	f.Stats.Executions++
	if completed {
		f.Stats.Completed++
	}

	f.Stats.SuccessRate = SuccessRate(f.Stats.Completed, f.Stats.Executions)
}

// SuccessRate returns completed/total as a percentage rounded to one decimal place.
func SuccessRate(completed, total int) float64 {
	if total == 0 {
		return 0
	}

	return math.Round(float64(completed)/float64(total)*1000) / 10
}
