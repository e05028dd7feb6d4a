package kdag

import (
	"fmt"
	"regexp"
	"slices"
)

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)

// NodeID is the unique name of a step.
type NodeID string

// Validate checks the NodeID against the step name pattern.
func (id NodeID) Validate() error {
	if !namePattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q must start with a letter followed by letters, digits, '_' or '.'", ErrInvalidStepName, id)
	}
	return nil
}

// NodeType represents the kind of step.
type NodeType int

const (
	NodeTypeScanner NodeType = iota
	NodeTypeStep
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeScanner:
		return "Scanner"
	case NodeTypeStep:
		return "Step"
	default:
		return "Unknown"
	}
}

// Node is the build-time representation of a step.
type Node struct {
	ID   NodeID
	Type NodeType

	// Parents are the declared predecessors.
	Parents []NodeID

	// Children are resolved when the graph is finalized, in declaration
	// order of the children.
	Children []NodeID
}

// Terminal reports whether the node has no successors.
func (n *Node) Terminal() bool {
	return len(n.Children) == 0
}

// Graph is the build-time DAG of a plan.
type Graph struct {
	Nodes map[NodeID]*Node

	// Deterministic node ordering (declaration order)
	NodeOrder []NodeID

	resolved     bool
	destinations map[NodeID][]NodeID
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes:     make(map[NodeID]*Node),
		NodeOrder: make([]NodeID, 0),
	}
}

// AddNode declares a step and its predecessors. Predecessors may be declared
// later.
func (g *Graph) AddNode(id NodeID, typ NodeType, parents ...NodeID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if _, exists := g.Nodes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, id)
	}
	switch {
	case typ == NodeTypeScanner && len(parents) > 0:
		return fmt.Errorf("%w: scanner %s cannot have predecessors", ErrConfiguration, id)
	case typ != NodeTypeScanner && len(parents) == 0:
		return fmt.Errorf("%w: step %s has no predecessors and is not a scanner", ErrConfiguration, id)
	}
	for _, p := range parents {
		if p == id {
			return fmt.Errorf("%w: step %s lists itself as predecessor", ErrCycleDetected, id)
		}
	}

	g.Nodes[id] = &Node{
		ID:       id,
		Type:     typ,
		Parents:  dedupe(parents),
		Children: []NodeID{},
	}
	g.NodeOrder = append(g.NodeOrder, id)
	g.resolved = false
	return nil
}

// Scanners returns the nodes without predecessors in declaration order.
func (g *Graph) Scanners() []NodeID {
	var out []NodeID
	for _, id := range g.NodeOrder {
		if len(g.Nodes[id].Parents) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// resolve links children from the declared predecessor edges.
func (g *Graph) resolve() error {
	for _, id := range g.NodeOrder {
		g.Nodes[id].Children = g.Nodes[id].Children[:0]
	}
	for _, id := range g.NodeOrder {
		node := g.Nodes[id]
		for _, parentID := range node.Parents {
			parent, ok := g.Nodes[parentID]
			if !ok {
				return fmt.Errorf("%w: %s (predecessor of %s)", ErrPredecessorNotFound, parentID, id)
			}
			parent.Children = append(parent.Children, id)
		}
	}
	g.resolved = true
	return nil
}

// ConstructionOrder resolves the edges and returns every node after all of
// its successors. Scanners are visited first; whatever is left in the pool
// afterwards can only be reached through a cycle and is visited to report it.
func (g *Graph) ConstructionOrder() ([]NodeID, error) {
	if err := g.resolve(); err != nil {
		return nil, err
	}

	built := make(map[NodeID]bool, len(g.Nodes))
	pending := make(map[NodeID]bool)
	order := make([]NodeID, 0, len(g.Nodes))
	dests := make(map[NodeID][]NodeID, len(g.Nodes))

	var build func(NodeID) error
	build = func(id NodeID) error {
		if built[id] {
			return nil
		}
		if pending[id] {
			return fmt.Errorf("%w: step %s", ErrCycleDetected, id)
		}
		pending[id] = true

		node := g.Nodes[id]
		var reach []NodeID
		for _, childID := range node.Children {
			if err := build(childID); err != nil {
				return err
			}
			for _, d := range dests[childID] {
				if !slices.Contains(reach, d) {
					reach = append(reach, d)
				}
			}
		}
		if node.Terminal() {
			reach = []NodeID{id}
		}

		delete(pending, id)
		built[id] = true
		dests[id] = reach
		order = append(order, id)
		return nil
	}

	for _, id := range g.Scanners() {
		if err := build(id); err != nil {
			return nil, err
		}
	}
	for _, id := range g.NodeOrder {
		if err := build(id); err != nil {
			return nil, err
		}
	}

	g.destinations = dests
	return order, nil
}

// Destinations returns the terminal nodes reachable from id. It is only
// populated after ConstructionOrder succeeded.
func (g *Graph) Destinations(id NodeID) []NodeID {
	return slices.Clone(g.destinations[id])
}

func dedupe(ids []NodeID) []NodeID {
	out := make([]NodeID, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
