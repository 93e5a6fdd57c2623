// Package graph indexes a flow's nodes and edges for constant-time traversal
// and validates the graph when a flow is published.
package graph

import "github.com/dukex/convoflow/pkg/models"

// Graph is a read-only, indexed view of a flow graph. It is safe to share
// across concurrently running executions.
type Graph struct {
	flowID   string
	nodes    []models.Node
	index    map[string]int
	edges    []models.Edge
	outgoing map[string][]models.Edge
	incoming map[string]int
}

// New indexes the graph of a flow definition.
func New(flow *models.FlowDefinition) *Graph {
	return FromParts(flow.ID, flow.Graph.Nodes, flow.Graph.Edges)
}

// FromParts indexes a node set and an edge set. Edges whose endpoints do not
// exist are kept so validation can report them.
func FromParts(flowID string, nodes []models.Node, edges []models.Edge) *Graph {
	g := &Graph{
		flowID:   flowID,
		nodes:    append([]models.Node(nil), nodes...),
		index:    make(map[string]int, len(nodes)),
		edges:    append([]models.Edge(nil), edges...),
		outgoing: make(map[string][]models.Edge, len(nodes)),
		incoming: make(map[string]int, len(nodes)),
	}

	for i, node := range g.nodes {
		if _, exists := g.index[node.ID]; !exists {
			g.index[node.ID] = i
		}
	}

	for _, edge := range g.edges {
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
		g.incoming[edge.Target]++
	}

	return g
}

// FlowID returns the identifier of the flow the graph belongs to.
func (g *Graph) FlowID() string {
	return g.flowID
}

// Node looks a node up by id.
func (g *Graph) Node(id string) (models.Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return models.Node{}, false
	}

	return g.nodes[i], true
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []models.Node {
	return g.nodes
}

// Edges returns the edges in declaration order.
func (g *Graph) Edges() []models.Edge {
	return g.edges
}

// Outgoing returns the edges leaving a node in declaration order.
func (g *Graph) Outgoing(id string) []models.Edge {
	return g.outgoing[id]
}

// Incoming returns the number of edges entering a node.
func (g *Graph) Incoming(id string) int {
	return g.incoming[id]
}

// Start returns the first start node.
func (g *Graph) Start() (models.Node, bool) {
	for _, node := range g.nodes {
		if node.Type == models.NodeTypeStart {
			return node, true
		}
	}

	return models.Node{}, false
}

// Next returns the first outgoing edge of a node.
func (g *Graph) Next(id string) (models.Edge, bool) {
	edges := g.outgoing[id]
	if len(edges) == 0 {
		return models.Edge{}, false
	}

	return edges[0], true
}

// NextLabeled returns the first outgoing edge whose label or handle matches.
func (g *Graph) NextLabeled(id, label string) (models.Edge, bool) {
	for _, edge := range g.outgoing[id] {
		if edge.Matches(label) {
			return edge, true
		}
	}

	return models.Edge{}, false
}
