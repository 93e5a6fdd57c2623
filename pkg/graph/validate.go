package graph

import (
	"errors"
	"fmt"

	"github.com/dukex/convoflow/pkg/models"
)

var (
	ErrNoStartNode        = errors.New("flow has no start node")
	ErrMultipleStartNodes = errors.New("flow has more than one start node")
	ErrStartHasIncoming   = errors.New("start node has incoming edges")
	ErrDuplicateNode      = errors.New("duplicate node id")
	ErrDanglingEdge       = errors.New("edge references a missing node")
	ErrUnknownJumpTarget  = errors.New("jump target node does not exist")
	ErrInvalidNodeConfig  = errors.New("invalid node config")
	ErrNoOutgoingEdge     = errors.New("node has no outgoing edge")
	ErrUnknownBranchLabel = errors.New("no edge carries the branch label")
	ErrInvalidVariable    = errors.New("variable name does not match ^[a-z][a-z0-9_]*$")
)

// Issue is one validation finding.
type Issue struct {
	NodeID string
	EdgeID string
	Err    error
}

func (i Issue) Error() string {
	switch {
	case i.NodeID != "":
		return fmt.Sprintf("node %s: %v", i.NodeID, i.Err)
	case i.EdgeID != "":
		return fmt.Sprintf("edge %s: %v", i.EdgeID, i.Err)
	default:
		return i.Err.Error()
	}
}

func (i Issue) Unwrap() error {
	return i.Err
}

// MarshalText renders the issue as its message.
func (i Issue) MarshalText() ([]byte, error) {
	return []byte(i.Error()), nil
}

// Report collects blocking errors and advisory warnings.
type Report struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Valid reports whether the graph can be published.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Err joins every blocking error, or returns nil.
func (r *Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}

	errs := make([]error, len(r.Errors))
	for i, issue := range r.Errors {
		errs[i] = issue
	}

	return errors.Join(errs...)
}

// AddError records a blocking finding.
func (r *Report) AddError(issue Issue) {
	r.Errors = append(r.Errors, issue)
}

// AddWarning records an advisory finding.
func (r *Report) AddWarning(issue Issue) {
	r.Warnings = append(r.Warnings, issue)
}

// Validate checks a graph before it is published.
func Validate(g *Graph) *Report {
	report := &Report{Errors: []Issue{}, Warnings: []Issue{}}

	seen := make(map[string]bool, len(g.nodes))
	starts := 0

	for _, node := range g.nodes {
		if seen[node.ID] {
			report.AddError(Issue{NodeID: node.ID, Err: ErrDuplicateNode})

			continue
		}

		seen[node.ID] = true

		if node.Type == models.NodeTypeStart {
			starts++

			if g.Incoming(node.ID) > 0 {
				report.AddError(Issue{NodeID: node.ID, Err: ErrStartHasIncoming})
			}
		}

		err := ValidateConfig(node)
		if err != nil {
			report.AddError(Issue{NodeID: node.ID, Err: fmt.Errorf("%w: %w", ErrInvalidNodeConfig, err)})

			continue
		}

		validateNode(g, node, report)
	}

	switch {
	case starts == 0:
		report.AddError(Issue{Err: ErrNoStartNode})
	case starts > 1:
		report.AddError(Issue{Err: ErrMultipleStartNodes})
	}

	for _, edge := range g.edges {
		if _, ok := g.Node(edge.Source); !ok {
			report.AddError(Issue{EdgeID: edge.ID, Err: fmt.Errorf("%w: source %q", ErrDanglingEdge, edge.Source)})
		}

		if _, ok := g.Node(edge.Target); !ok {
			report.AddError(Issue{EdgeID: edge.ID, Err: fmt.Errorf("%w: target %q", ErrDanglingEdge, edge.Target)})
		}
	}

	return report
}

func validateNode(g *Graph, node models.Node, report *Report) {
	if output := node.OutputVariable(); output != "" && !models.ValidVariableName(output) {
		report.AddWarning(Issue{NodeID: node.ID, Err: fmt.Errorf("%w: %q", ErrInvalidVariable, output)})
	}

	switch config := node.Config.(type) {
	case *models.EndConfig, *models.HandoffConfig:
		return
	case *models.JumpConfig:
		if config.TargetFlowID == "" || config.TargetFlowID == g.flowID {
			if _, ok := g.Node(config.TargetNodeID); !ok {
				report.AddError(Issue{NodeID: node.ID, Err: fmt.Errorf("%w: %q", ErrUnknownJumpTarget, config.TargetNodeID)})
			}
		}

		return
	case *models.ConditionConfig:
		for _, clause := range config.Clauses {
			if _, ok := g.NextLabeled(node.ID, clause.Label); !ok {
				report.AddWarning(Issue{NodeID: node.ID, Err: fmt.Errorf("%w: %q", ErrUnknownBranchLabel, clause.Label)})
			}
		}

		if config.DefaultLabel != "" {
			if _, ok := g.NextLabeled(node.ID, config.DefaultLabel); !ok {
				report.AddWarning(Issue{NodeID: node.ID, Err: fmt.Errorf("%w: %q", ErrUnknownBranchLabel, config.DefaultLabel)})
			}
		}
	}

	if len(g.Outgoing(node.ID)) == 0 {
		report.AddWarning(Issue{NodeID: node.ID, Err: ErrNoOutgoingEdge})
	}
}
