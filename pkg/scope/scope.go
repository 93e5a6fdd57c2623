// Package scope computes which variables are guaranteed to exist when a node
// runs. It is an authoring aid and is never consulted while executing a flow.
//
// The analysis orders nodes with Kahn's algorithm. Edges that close a cycle
// are found with a depth-first walk and ignored, so a loop never hides the
// variables written before it. Jump nodes are not edges and do not count.
package scope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/convoflow/pkg/graph"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/template"
)

// Variable is a name available at a node and the node that produces it.
// System variables have no producer.
type Variable struct {
	Name       string `json:"name"`
	ProducerID string `json:"producer_id,omitempty"`
	System     bool   `json:"system,omitempty"`
}

// Reference is a {{ name }} use that no earlier node guarantees.
type Reference struct {
	NodeID   string `json:"node_id"`
	Variable string `json:"variable"`
}

// Resolver answers scope queries over one graph.
type Resolver struct {
	graph     *graph.Graph
	order     []string
	position  map[string]int
	producers []Variable
}

// NewResolver orders the graph and records every producer.
func NewResolver(g *graph.Graph) *Resolver {
	r := &Resolver{graph: g}
	r.order = topologicalOrder(g)
	r.position = make(map[string]int, len(r.order))

	for i, id := range r.order {
		r.position[id] = i

		node, _ := g.Node(id)
		if output := node.OutputVariable(); output != "" {
			r.producers = append(r.producers, Variable{Name: output, ProducerID: id})
		}
	}

	return r
}

type edgeKey struct{ source, target string }

// backEdges returns the edges that close a cycle, walking from nodes without
// incoming edges first, then from the rest in declaration order.
func backEdges(g *graph.Graph) map[edgeKey]bool {
	const (
		unvisited = iota
		active
		done
	)

	state := make(map[string]int, len(g.Nodes()))
	back := make(map[edgeKey]bool)

	var visit func(id string)
	visit = func(id string) {
		state[id] = active

		for _, edge := range g.Outgoing(id) {
			if _, ok := g.Node(edge.Target); !ok {
				continue
			}

			switch state[edge.Target] {
			case active:
				back[edgeKey{edge.Source, edge.Target}] = true
			case unvisited:
				visit(edge.Target)
			}
		}

		state[id] = done
	}

	for _, node := range g.Nodes() {
		if g.Incoming(node.ID) == 0 && state[node.ID] == unvisited {
			visit(node.ID)
		}
	}

	for _, node := range g.Nodes() {
		if state[node.ID] == unvisited {
			visit(node.ID)
		}
	}

	return back
}

func topologicalOrder(g *graph.Graph) []string {
	nodes := g.Nodes()
	back := backEdges(g)
	inDegree := make(map[string]int, len(nodes))

	for _, node := range nodes {
		inDegree[node.ID] = 0
	}

	forward := func(edge models.Edge) bool {
		_, sourceOK := inDegree[edge.Source]
		_, targetOK := inDegree[edge.Target]

		return sourceOK && targetOK && !back[edgeKey{edge.Source, edge.Target}]
	}

	for _, edge := range g.Edges() {
		if forward(edge) {
			inDegree[edge.Target]++
		}
	}

	queue := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	emitted := make(map[string]bool, len(nodes))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if emitted[id] {
			continue
		}

		emitted[id] = true
		order = append(order, id)

		for _, edge := range g.Outgoing(id) {
			if !forward(edge) {
				continue
			}

			inDegree[edge.Target]--
			if inDegree[edge.Target] == 0 {
				queue = append(queue, edge.Target)
			}
		}
	}

	for _, node := range nodes {
		if !emitted[node.ID] {
			emitted[node.ID] = true
			order = append(order, node.ID)
		}
	}

	return order
}

// Order returns node ids in analysis order.
func (r *Resolver) Order() []string {
	return r.order
}

// SystemVariables returns the variables present in every execution.
func SystemVariables() []Variable {
	variables := make([]Variable, 0, len(models.SystemVariableNames))
	for _, name := range models.SystemVariableNames {
		variables = append(variables, Variable{Name: name, System: true})
	}

	return variables
}

// AvailableAt returns the system variables plus every producer ordered
// strictly before nodeID. ok is false when the node does not exist.
func (r *Resolver) AvailableAt(nodeID string) ([]Variable, bool) {
	position, ok := r.position[nodeID]
	if !ok {
		return nil, false
	}

	available := SystemVariables()

	for _, producer := range r.producers {
		if r.position[producer.ProducerID] < position {
			available = append(available, producer)
		}
	}

	return available, true
}

// Unreachable lists variable references that are not guaranteed at the node
// using them.
func (r *Resolver) Unreachable() []Reference {
	var missing []Reference

	for _, id := range r.order {
		node, _ := r.graph.Node(id)

		available, _ := r.AvailableAt(id)

		names := make(map[string]bool, len(available))
		for _, variable := range available {
			names[variable.Name] = true
		}

		for _, name := range referencedNames(node) {
			if !isAvailable(name, names) {
				missing = append(missing, Reference{NodeID: id, Variable: name})
			}
		}
	}

	return missing
}

func referencedNames(node models.Node) []string {
	var names []string

	if templated, ok := node.Config.(models.Templated); ok {
		for _, text := range templated.Templates() {
			names = append(names, template.References(text)...)
		}
	}

	if condition, ok := node.Config.(*models.ConditionConfig); ok {
		for _, clause := range condition.Clauses {
			if clause.Variable != "" {
				names = append(names, clause.Variable)
			}
		}
	}

	seen := make(map[string]bool, len(names))
	unique := names[:0]

	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			unique = append(unique, name)
		}
	}

	return unique
}

// isAvailable accepts a name when it, or one of its dotted prefixes, is known.
func isAvailable(name string, names map[string]bool) bool {
	if names[name] || name == models.VarTrigger || strings.HasPrefix(name, models.VarTrigger+".") {
		return true
	}

	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '.' && names[name[:i]] {
			return true
		}
	}

	return false
}

// ErrUnreachableVariable marks a reference no earlier node guarantees.
var ErrUnreachableVariable = errors.New("variable is not guaranteed at this node")

// Annotate adds one warning per unreachable reference to a validation report.
func (r *Resolver) Annotate(report *graph.Report) {
	for _, ref := range r.Unreachable() {
		report.AddWarning(graph.Issue{
			NodeID: ref.NodeID,
			Err:    fmt.Errorf("%w: %q", ErrUnreachableVariable, ref.Variable),
		})
	}
}
