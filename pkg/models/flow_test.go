package models

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFlow() *FlowDefinition {
	return &FlowDefinition{
		ID:      "flow-1",
		Name:    "Greeting",
		Status:  FlowStatusDraft,
		Trigger: Trigger{Kind: TriggerKindManual},
		Graph: FlowGraph{
			Nodes: []Node{NewNode("start", &StartConfig{}), NewNode("end", &EndConfig{})},
			Edges: []Edge{{Source: "start", Target: "end"}},
		},
	}
}

func TestFlowDefinition_Validation(t *testing.T) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	require.NoError(t, validate.Struct(validFlow()))

	testCases := []struct {
		name      string
		mutate    func(*FlowDefinition)
		fieldName string
	}{
		{"short name", func(f *FlowDefinition) { f.Name = "ab" }, "Name"},
		{"unknown status", func(f *FlowDefinition) { f.Status = "published" }, "Status"},
		{"unknown trigger", func(f *FlowDefinition) { f.Trigger.Kind = "cron" }, "Kind"},
		{"unknown match mode", func(f *FlowDefinition) { f.Trigger.Match = "regex" }, "Match"},
		{"no nodes", func(f *FlowDefinition) { f.Graph.Nodes = nil }, "Nodes"},
		{"edge without target", func(f *FlowDefinition) { f.Graph.Edges[0].Target = "" }, "Target"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			flow := validFlow()
			tc.mutate(flow)

			err := validate.Struct(flow)
			require.Error(t, err)

			var validationErrors validator.ValidationErrors
			require.True(t, errors.As(err, &validationErrors))
			assert.Equal(t, tc.fieldName, validationErrors[0].Field())
		})
	}
}

func TestFlowDefinition_MatchesTrigger(t *testing.T) {
	testCases := []struct {
		name         string
		trigger      Trigger
		text         string
		firstMessage bool
		want         bool
	}{
		{"exact keyword ignores case and spaces", Trigger{Kind: TriggerKindKeyword, Keywords: []string{"Hi"}}, "  hi ", false, true},
		{"exact keyword rejects longer text", Trigger{Kind: TriggerKindKeyword, Keywords: []string{"hi"}}, "hi there", false, false},
		{"contains keyword", Trigger{Kind: TriggerKindKeyword, Keywords: []string{"order"}, Match: MatchContains}, "Where is my ORDER?", false, true},
		{"blank keywords never match", Trigger{Kind: TriggerKindKeyword, Keywords: []string{" "}, Match: MatchContains}, "anything", false, false},
		{"empty text", Trigger{Kind: TriggerKindKeyword, Keywords: []string{"hi"}}, "", false, false},
		{"first message", Trigger{Kind: TriggerKindFirstMessage}, "whatever", true, true},
		{"not first message", Trigger{Kind: TriggerKindFirstMessage}, "whatever", false, false},
		{"manual never matches", Trigger{Kind: TriggerKindManual}, "hi", true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			flow := validFlow()
			flow.Trigger = tc.trigger

			assert.Equal(t, tc.want, flow.MatchesTrigger(tc.text, tc.firstMessage))
		})
	}
}

func TestFlowDefinition_ActivateDeactivate(t *testing.T) {
	flow := validFlow()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	flow.Activate(now)
	assert.True(t, flow.IsActive())
	require.NotNil(t, flow.ActivatedAt)
	assert.Equal(t, now, *flow.ActivatedAt)

	later := now.Add(time.Hour)
	flow.Deactivate(later)
	assert.False(t, flow.IsActive())
	assert.Equal(t, FlowStatusInactive, flow.Status)
	assert.Equal(t, later, flow.UpdatedAt)
}

func TestSuccessRate(t *testing.T) {
	assert.InDelta(t, 0.0, SuccessRate(0, 0), 0)
	assert.InDelta(t, 70.0, SuccessRate(7, 10), 0)
	assert.InDelta(t, 66.7, SuccessRate(2, 3), 0)

	flow := validFlow()
	flow.RecordExecution(true)
	flow.RecordExecution(false)
	flow.RecordExecution(true)

	assert.Equal(t, FlowStats{Executions: 3, Completed: 2, SuccessRate: 66.7}, flow.Stats)
}
