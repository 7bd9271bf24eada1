// Package graph resolves workflow dependency edges into an execution plan.
//
// A DependencyGraph is built once per workflow and is read-only afterwards,
// so a single instance can be shared by every session of that workflow.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/petal-labs/sessionflow/core"
)

// Graph errors
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("duplicate node ID")
	ErrInvalidEdge   = errors.New("invalid edge")
	ErrEmptyGraph    = errors.New("workflow has no nodes")
)

// Input is one edge feeding a node, seen from the dependent's side.
type Input struct {
	DataKey  string
	From     string
	Required bool
}

// DependencyGraph holds the nodes and edges of one workflow.
type DependencyGraph struct {
	workflowID   string
	nodes        map[string]core.Node
	nodeOrder    []string // declaration order
	position     map[string]int
	edges        []core.Edge
	inputs       map[string][]Input     // node ID -> incoming edges
	successors   map[string][]string    // node ID -> unique successor IDs
	predecessors map[string][]string    // node ID -> unique predecessor IDs
	outputKeys   map[string][]string    // node ID -> declared output keys
	edgeSeen     map[[2]string]struct{} // (from, to) pairs already linked
}

// Build creates a DependencyGraph from a workflow.
// Structural problems (duplicate IDs, dangling edges, empty data keys) are
// rejected here; cycles are only detected by Plan.
func Build(wf core.Workflow) (*DependencyGraph, error) {
	if len(wf.Nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	g := &DependencyGraph{
		workflowID:   wf.ID,
		nodes:        make(map[string]core.Node, len(wf.Nodes)),
		nodeOrder:    make([]string, 0, len(wf.Nodes)),
		position:     make(map[string]int, len(wf.Nodes)),
		inputs:       make(map[string][]Input),
		successors:   make(map[string][]string),
		predecessors: make(map[string][]string),
		outputKeys:   make(map[string][]string),
		edgeSeen:     make(map[[2]string]struct{}),
	}

	for _, n := range wf.Nodes {
		if err := g.addNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range wf.Edges {
		if err := g.addEdge(e); err != nil {
			return nil, err
		}
	}
	for _, id := range g.nodeOrder {
		g.outputKeys[id] = g.collectOutputKeys(id)
	}

	return g, nil
}

func (g *DependencyGraph) addNode(n core.Node) error {
	id := strings.TrimSpace(n.ID)
	if id == "" {
		return errors.New("node ID is required")
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	g.nodes[id] = n
	g.position[id] = len(g.nodeOrder)
	g.nodeOrder = append(g.nodeOrder, id)
	return nil
}

func (g *DependencyGraph) addEdge(e core.Edge) error {
	if _, ok := g.nodes[e.From]; !ok {
		return fmt.Errorf("%w: source node %q not found", ErrInvalidEdge, e.From)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return fmt.Errorf("%w: target node %q not found", ErrInvalidEdge, e.To)
	}
	if strings.TrimSpace(e.DataKey) == "" {
		return fmt.Errorf("%w: %s -> %s has no data key", ErrInvalidEdge, e.From, e.To)
	}

	g.edges = append(g.edges, e)
	g.inputs[e.To] = append(g.inputs[e.To], Input{
		DataKey:  e.DataKey,
		From:     e.From,
		Required: e.Required,
	})

	pair := [2]string{e.From, e.To}
	if _, seen := g.edgeSeen[pair]; !seen {
		g.edgeSeen[pair] = struct{}{}
		g.successors[e.From] = append(g.successors[e.From], e.To)
		g.predecessors[e.To] = append(g.predecessors[e.To], e.From)
	}
	return nil
}

func (g *DependencyGraph) collectOutputKeys(id string) []string {
	set := make(map[string]struct{})
	for _, e := range g.edges {
		if e.From == id {
			set[e.DataKey] = struct{}{}
		}
	}
	for _, k := range g.nodes[id].OutputKeys {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WorkflowID returns the ID of the workflow the graph was built from.
func (g *DependencyGraph) WorkflowID() string {
	return g.workflowID
}

// Len returns the number of nodes.
func (g *DependencyGraph) Len() int {
	return len(g.nodeOrder)
}

// Node retrieves a node by its ID.
func (g *DependencyGraph) Node(id string) (core.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in declaration order.
func (g *DependencyGraph) Nodes() []core.Node {
	nodes := make([]core.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

// Edges returns all edges in declaration order.
func (g *DependencyGraph) Edges() []core.Edge {
	return g.edges
}

// RequiredInputs returns the edges feeding a node, in declaration order.
// Optional edges are included with Required set to false.
func (g *DependencyGraph) RequiredInputs(nodeID string) []Input {
	return g.inputs[nodeID]
}

// OutputKeys returns the data keys a node is expected to produce: the keys of
// its outgoing edges plus any extra keys declared on the node.
func (g *DependencyGraph) OutputKeys(nodeID string) []string {
	return g.outputKeys[nodeID]
}

// Dependents returns the IDs of nodes that consume the given node's output.
func (g *DependencyGraph) Dependents(nodeID string) []string {
	return g.successors[nodeID]
}

// Dependencies returns the IDs of nodes the given node consumes from.
func (g *DependencyGraph) Dependencies(nodeID string) []string {
	return g.predecessors[nodeID]
}

// Plan is a validated topological execution order.
type Plan struct {
	Order []string

	// OrderMismatches lists edges that point backwards relative to the
	// nodes' advisory Order field.
	OrderMismatches []core.Edge

	index map[string]int
}

// Index returns the position of a node in the plan, or -1.
func (p *Plan) Index(nodeID string) int {
	if i, ok := p.index[nodeID]; ok {
		return i
	}
	return -1
}

// Plan computes the execution order with Kahn's algorithm.
// Among nodes that are ready at the same time, the lower Order hint runs
// first, then declaration order. If any node keeps a positive in-degree the
// workflow has a cycle and a *core.CycleError is returned.
func (g *DependencyGraph) Plan() (*Plan, error) {
	inDegree := make(map[string]int, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		inDegree[id] = len(g.inputs[id])
	}

	ready := make([]string, 0)
	for _, id := range g.nodeOrder {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.nodeOrder))
	for len(ready) > 0 {
		g.sortReady(ready)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		for _, e := range g.edges {
			if e.From != current {
				continue
			}
			inDegree[e.To]--
			if inDegree[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}

	if len(order) != len(g.nodeOrder) {
		var involved []string
		for _, id := range g.nodeOrder {
			if inDegree[id] > 0 {
				involved = append(involved, id)
			}
		}
		sort.Strings(involved)
		return nil, &core.CycleError{Nodes: involved}
	}

	plan := &Plan{
		Order: order,
		index: make(map[string]int, len(order)),
	}
	for i, id := range order {
		plan.index[id] = i
	}
	for _, e := range g.edges {
		if g.nodes[e.From].Order > g.nodes[e.To].Order {
			plan.OrderMismatches = append(plan.OrderMismatches, e)
		}
	}
	return plan, nil
}

func (g *DependencyGraph) sortReady(ready []string) {
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := g.nodes[ready[i]], g.nodes[ready[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return g.position[ready[i]] < g.position[ready[j]]
	})
}
