// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"fmt"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestFlow creates an active FlowDefinition with default values that can be overridden.
func CreateTestFlow(overrides ...func(*models.FlowDefinition)) *models.FlowDefinition {
	now := time.Now().UTC()

	flow := &models.FlowDefinition{
		ID:          uuid.New().String(),
		Name:        "Test Flow",
		Description: "flow used in tests",
		Status:      models.FlowStatusActive,
		Trigger:     models.Trigger{Kind: models.TriggerKindManual},
		Graph: models.FlowGraph{
			Nodes: []models.Node{
				models.NewNode("start", &models.StartConfig{}),
				models.NewNode("end", &models.EndConfig{}),
			},
			Edges: []models.Edge{Edge("start", "end")},
		},
		ActivatedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

// WithID sets the flow id.
func WithID(id string) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.ID = id
	}
}

// WithStatus sets the flow lifecycle status.
func WithStatus(status models.FlowStatus) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.Status = status
	}
}

// WithKeywords makes the flow start on any of the keywords.
func WithKeywords(match string, keywords ...string) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.Trigger = models.Trigger{Kind: models.TriggerKindKeyword, Keywords: keywords, Match: match}
	}
}

// WithNodes replaces the node set.
func WithNodes(nodes ...models.Node) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.Graph.Nodes = nodes
	}
}

// WithEdges replaces the edge set.
func WithEdges(edges ...models.Edge) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.Graph.Edges = edges
	}
}

// Chain links the given node ids in order with unlabeled edges.
func Chain(ids ...string) []models.Edge {
	edges := make([]models.Edge, 0, len(ids))
	for i := 1; i < len(ids); i++ {
		edges = append(edges, Edge(ids[i-1], ids[i]))
	}

	return edges
}

// Edge creates an unlabeled edge.
func Edge(source, target string) models.Edge {
	return models.Edge{ID: fmt.Sprintf("%s-%s", source, target), Source: source, Target: target}
}

// LabeledEdge creates an edge carrying a branch label.
func LabeledEdge(source, target, label string) models.Edge {
	edge := Edge(source, target)
	edge.Label = label

	return edge
}

// Start creates a start node.
func Start(id string) models.Node {
	return models.NewNode(id, &models.StartConfig{})
}

// End creates an end node.
func End(id string) models.Node {
	return models.NewNode(id, &models.EndConfig{})
}

// Message creates an auto-advancing message node.
func Message(id, text string) models.Node {
	return models.NewNode(id, &models.MessageConfig{Text: text})
}

// Question creates a question node writing the reply into output.
func Question(id, prompt, output string) models.Node {
	return models.NewNode(id, &models.QuestionConfig{Prompt: prompt, OutputVariable: output})
}

// Condition creates a condition node.
func Condition(id, defaultLabel string, clauses ...models.ConditionClause) models.Node {
	return models.NewNode(id, &models.ConditionConfig{Clauses: clauses, DefaultLabel: defaultLabel})
}

// Equals creates an == clause.
func Equals(variable string, value any, label string) models.ConditionClause {
	return models.ConditionClause{Variable: variable, Operator: models.OperatorEquals, Value: value, Label: label}
}

// SetVariable creates a set_variable node.
func SetVariable(id, variable, operation string, value any) models.Node {
	return models.NewNode(id, &models.SetVariableConfig{Variable: variable, Operation: operation, Value: value})
}

// CreateTestExecution creates a running execution halted at nodeID.
func CreateTestExecution(flowID, conversationID, nodeID string, overrides ...func(*models.FlowExecution)) *models.FlowExecution {
	now := time.Now().UTC()

	execution := &models.FlowExecution{
		ID:             uuid.New().String(),
		FlowID:         flowID,
		ConversationID: conversationID,
		ContactID:      "contact-1",
		Status:         models.ExecutionStatusRunning,
		CurrentNodeID:  nodeID,
		ExecutionData:  models.SystemVariables(conversationID, nil, now),
		StartedAt:      now,
		UpdatedAt:      now,
	}

	for _, override := range overrides {
		override(execution)
	}

	return execution
}
