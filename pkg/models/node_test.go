package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_UnmarshalJSON(t *testing.T) {
	data := `{"nodes": [
		{"id": "start", "type": "start"},
		{"id": "ask", "type": "question", "config": {"prompt": "Name?", "output_variable": "name"}},
		{"id": "check", "type": "condition", "config": {"clauses": [{"variable": "name", "operator": "is_empty", "label": "empty"}], "default_label": "ok"}},
		{"id": "call", "type": "api_call", "config": {"method": "GET", "url": "https://example.com", "timeout_ms": 1500}},
		{"id": "end", "type": "end", "config": null}
	]}`

	var graph FlowGraph
	require.NoError(t, json.Unmarshal([]byte(data), &graph))
	require.Len(t, graph.Nodes, 5)

	assert.IsType(t, &StartConfig{}, graph.Nodes[0].Config)

	question, ok := graph.Nodes[1].Config.(*QuestionConfig)
	require.True(t, ok)
	assert.Equal(t, "Name?", question.Prompt)
	assert.Equal(t, "name", graph.Nodes[1].OutputVariable())

	condition, ok := graph.Nodes[2].Config.(*ConditionConfig)
	require.True(t, ok)
	assert.Equal(t, OperatorIsEmpty, condition.Clauses[0].Operator)
	assert.Equal(t, "ok", condition.DefaultLabel)

	call, ok := graph.Nodes[3].Config.(*APICallConfig)
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, call.Timeout())
	assert.Empty(t, graph.Nodes[3].OutputVariable())

	assert.IsType(t, &EndConfig{}, graph.Nodes[4].Config)
}

func TestNode_UnmarshalJSON_Errors(t *testing.T) {
	var node Node

	err := json.Unmarshal([]byte(`{"id": "x", "type": "teleport"}`), &node)
	require.ErrorIs(t, err, ErrUnknownNodeType)
	assert.Contains(t, err.Error(), "node x")

	err = json.Unmarshal([]byte(`{"id": "d", "type": "delay", "config": {"seconds": "soon"}}`), &node)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid delay config")
}

func TestNode_RoundTripKeepsType(t *testing.T) {
	original := NewNode("vars", &SetVariableConfig{Variable: "count", Operation: OperationIncrement, Value: 2.0})

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Node
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original, decoded)
}

func TestNewNodeConfig_CoversEveryType(t *testing.T) {
	for _, nodeType := range NodeTypes {
		config, err := NewNodeConfig(nodeType)
		require.NoError(t, err, nodeType)
		assert.Equal(t, nodeType, config.NodeType())
	}
}

func TestMessageConfig_Advances(t *testing.T) {
	stop := false

	assert.True(t, (&MessageConfig{}).Advances())
	assert.False(t, (&MessageConfig{AutoAdvance: &stop}).Advances())
}

func TestDelayConfig_Duration(t *testing.T) {
	delay := &DelayConfig{DurationMs: 500, Seconds: 2, Minutes: 1}

	assert.Equal(t, time.Minute+2*time.Second+500*time.Millisecond, delay.Duration())
	assert.Zero(t, (&DelayConfig{}).Duration())
}

func TestEdge_Matches(t *testing.T) {
	edge := Edge{Source: "a", Target: "b", Label: "yes", Handle: "btn-1"}

	assert.True(t, edge.Matches("yes"))
	assert.True(t, edge.Matches("btn-1"))
	assert.False(t, edge.Matches("no"))
	assert.False(t, Edge{Source: "a", Target: "b"}.Matches(""))
}
