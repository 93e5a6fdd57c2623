package graph

import (
	"errors"
	"testing"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greetingFlow() *models.FlowDefinition {
	return testutil.CreateTestFlow(
		testutil.WithNodes(
			testutil.Start("start"),
			testutil.Question("ask", "What is your name?", "name"),
			testutil.Message("greet", "Hi {{name}}"),
			testutil.End("end"),
		),
		testutil.WithEdges(testutil.Chain("start", "ask", "greet", "end")...),
	)
}

func hasIssue(issues []Issue, target error) bool {
	for _, issue := range issues {
		if errors.Is(issue, target) {
			return true
		}
	}

	return false
}

func TestGraph_Lookups(t *testing.T) {
	g := New(greetingFlow())

	node, ok := g.Node("ask")
	require.True(t, ok)
	assert.Equal(t, models.NodeTypeQuestion, node.Type)

	_, ok = g.Node("missing")
	assert.False(t, ok)

	start, ok := g.Start()
	require.True(t, ok)
	assert.Equal(t, "start", start.ID)

	next, ok := g.Next("ask")
	require.True(t, ok)
	assert.Equal(t, "greet", next.Target)

	assert.Empty(t, g.Outgoing("end"))
	assert.Equal(t, 0, g.Incoming("start"))
	assert.Equal(t, 1, g.Incoming("greet"))
}

func TestGraph_NextLabeledUsesDeclarationOrder(t *testing.T) {
	g := FromParts("f", []models.Node{
		testutil.Condition("c", "", testutil.Equals("v", "a", "L1")),
		testutil.End("a"),
		testutil.End("b"),
	}, []models.Edge{
		testutil.LabeledEdge("c", "a", "L1"),
		testutil.LabeledEdge("c", "b", "L1"),
		{ID: "h", Source: "c", Target: "b", Handle: "L2"},
	})

	edge, ok := g.NextLabeled("c", "L1")
	require.True(t, ok)
	assert.Equal(t, "a", edge.Target)

	edge, ok = g.NextLabeled("c", "L2")
	require.True(t, ok)
	assert.Equal(t, "b", edge.Target)

	_, ok = g.NextLabeled("c", "")
	assert.False(t, ok)
}

func TestValidate_ValidFlow(t *testing.T) {
	report := Validate(New(greetingFlow()))

	assert.True(t, report.Valid())
	require.NoError(t, report.Err())
	assert.Empty(t, report.Warnings)
}

func TestValidate_StartRules(t *testing.T) {
	t.Run("missing start", func(t *testing.T) {
		g := FromParts("f", []models.Node{testutil.End("end")}, nil)

		report := Validate(g)

		assert.True(t, hasIssue(report.Errors, ErrNoStartNode))
		assert.ErrorIs(t, report.Err(), ErrNoStartNode)
	})

	t.Run("two starts", func(t *testing.T) {
		g := FromParts("f", []models.Node{testutil.Start("s1"), testutil.Start("s2"), testutil.End("end")},
			[]models.Edge{testutil.Edge("s1", "end"), testutil.Edge("s2", "end")})

		assert.True(t, hasIssue(Validate(g).Errors, ErrMultipleStartNodes))
	})

	t.Run("start with incoming edge", func(t *testing.T) {
		g := FromParts("f", []models.Node{testutil.Start("start"), testutil.Message("m", "hi")},
			[]models.Edge{testutil.Edge("start", "m"), testutil.Edge("m", "start")})

		assert.True(t, hasIssue(Validate(g).Errors, ErrStartHasIncoming))
	})
}

func TestValidate_DanglingEdge(t *testing.T) {
	g := FromParts("f", []models.Node{testutil.Start("start"), testutil.End("end")},
		[]models.Edge{testutil.Edge("start", "end"), testutil.Edge("start", "ghost")})

	report := Validate(g)

	require.False(t, report.Valid())
	assert.True(t, hasIssue(report.Errors, ErrDanglingEdge))
	assert.Contains(t, report.Err().Error(), "ghost")
}

func TestValidate_DeadEndIsWarning(t *testing.T) {
	g := FromParts("f", []models.Node{testutil.Start("start"), testutil.Message("m", "bye")},
		[]models.Edge{testutil.Edge("start", "m")})

	report := Validate(g)

	assert.True(t, report.Valid())
	assert.True(t, hasIssue(report.Warnings, ErrNoOutgoingEdge))
}

func TestValidate_HandoffNeedsNoOutgoingEdge(t *testing.T) {
	g := FromParts("f", []models.Node{
		testutil.Start("start"),
		models.NewNode("h", &models.HandoffConfig{Target: models.HandoffQueue, TargetID: "support"}),
	}, []models.Edge{testutil.Edge("start", "h")})

	report := Validate(g)

	assert.True(t, report.Valid())
	assert.Empty(t, report.Warnings)
}

func TestValidate_JumpTarget(t *testing.T) {
	g := FromParts("f", []models.Node{
		testutil.Start("start"),
		models.NewNode("j", &models.JumpConfig{TargetNodeID: "nowhere"}),
	}, []models.Edge{testutil.Edge("start", "j")})

	assert.True(t, hasIssue(Validate(g).Errors, ErrUnknownJumpTarget))

	g = FromParts("f", []models.Node{
		testutil.Start("start"),
		models.NewNode("j", &models.JumpConfig{TargetFlowID: "other-flow"}),
	}, []models.Edge{testutil.Edge("start", "j")})

	assert.True(t, Validate(g).Valid())
}

func TestValidate_SameFlowJumpNeedsTargetNode(t *testing.T) {
	tests := []struct {
		name   string
		config *models.JumpConfig
	}{
		{name: "no target", config: &models.JumpConfig{}},
		{name: "own flow without node", config: &models.JumpConfig{TargetFlowID: "f"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := FromParts("f", []models.Node{
				testutil.Start("start"),
				models.NewNode("j", tt.config),
			}, []models.Edge{testutil.Edge("start", "j")})

			assert.True(t, hasIssue(Validate(g).Errors, ErrUnknownJumpTarget))
		})
	}
}

func TestValidate_NodeConfigSchema(t *testing.T) {
	g := FromParts("f", []models.Node{
		testutil.Start("start"),
		testutil.Question("q", "", "answer"),
		models.NewNode("api", &models.APICallConfig{Method: "FETCH", URL: "https://example.com"}),
		models.NewNode("d", &models.DelayConfig{}),
		testutil.End("end"),
	}, testutil.Chain("start", "q", "api", "d", "end"))

	report := Validate(g)

	require.Len(t, report.Errors, 3)

	for _, issue := range report.Errors {
		assert.ErrorIs(t, issue, ErrInvalidNodeConfig)
	}
}

func TestValidate_WarnsOnVariableNamesAndLabels(t *testing.T) {
	g := FromParts("f", []models.Node{
		testutil.Start("start"),
		testutil.Question("q", "Name?", "Customer Name"),
		testutil.Condition("c", "", testutil.Equals("v", "a", "missing-label")),
		testutil.End("end"),
	}, []models.Edge{
		testutil.Edge("start", "q"),
		testutil.Edge("q", "c"),
		testutil.LabeledEdge("c", "end", "other"),
	})

	report := Validate(g)

	assert.True(t, report.Valid())
	assert.True(t, hasIssue(report.Warnings, ErrInvalidVariable))
	assert.True(t, hasIssue(report.Warnings, ErrUnknownBranchLabel))
}

func TestValidateConfig_AllTypesHaveSchemas(t *testing.T) {
	for _, nodeType := range models.NodeTypes {
		_, ok := Schema(nodeType)
		assert.True(t, ok, "missing schema for %s", nodeType)
	}
}
