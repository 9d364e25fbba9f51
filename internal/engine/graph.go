package engine

import "fmt"

// Predicate gates a conditional edge. A nil predicate always matches.
type Predicate func(State) bool

// Edge routes from one node to another when its predicate matches the
// current state. Edges apply only when a node returns no explicit route.
type Edge struct {
	From string
	To   string
	When Predicate
}

// Graph is a set of nodes, the edges between them, and an entry node.
type Graph struct {
	nodes map[string]Node
	edges map[string][]Edge
	entry string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		edges: make(map[string][]Edge),
	}
}

// AddNode registers a node. Duplicate ids are a programming error.
func (g *Graph) AddNode(n Node) *Graph {
	if _, exists := g.nodes[n.ID()]; exists {
		panic(fmt.Sprintf("engine: duplicate node %q", n.ID()))
	}
	g.nodes[n.ID()] = n
	return g
}

// AddEdge registers a conditional edge. Edges are evaluated in insertion
// order; the first match wins.
func (g *Graph) AddEdge(from, to string, when Predicate) *Graph {
	g.edges[from] = append(g.edges[from], Edge{From: from, To: to, When: when})
	return g
}

// SetEntry names the node a fresh run starts at.
func (g *Graph) SetEntry(id string) *Graph {
	g.entry = id
	return g
}

// Validate checks that the entry and every edge endpoint name a
// registered node.
func (g *Graph) Validate() error {
	if g.entry == "" {
		return fmt.Errorf("graph has no entry node")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry node %q not registered", g.entry)
	}
	for from, edges := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge source %q not registered", from)
		}
		for _, e := range edges {
			if _, ok := g.nodes[e.To]; !ok {
				return fmt.Errorf("edge %s -> %s: target not registered", from, e.To)
			}
		}
	}
	return nil
}

// route resolves the next hop for a node that returned no explicit route.
func (g *Graph) route(from string, state State) (string, error) {
	for _, e := range g.edges[from] {
		if e.When == nil || e.When(state) {
			return e.To, nil
		}
	}
	return "", fmt.Errorf("no matching edge out of node %q", from)
}
