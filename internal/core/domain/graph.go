package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownDependency = errors.New("dependency references unknown service")

// CycleError reports a dependency cycle with every node on it, in
// traversal order.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Nodes, " -> "))
}

// PlanError is the terminal failure of a start plan: the named node
// never became satisfiable within its budget.
type PlanError struct {
	Node  string
	Cause error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("start plan unsatisfiable at %q: %v", e.Node, e.Cause)
}

func (e *PlanError) Unwrap() error { return e.Cause }

// Graph is the start-order DAG over ServiceNodes, keyed by stable name.
// Build validates references and rejects cycles before anything runs.
type Graph struct {
	nodes      map[string]*ServiceNode
	dependents map[string][]string // reverse edges
	order      []string            // topological, dependencies first
}

// BuildGraph indexes the node set by name, verifies every dependency
// resolves, and runs cycle detection once. Returns *CycleError with
// the full cycle when one exists.
func BuildGraph(nodes []*ServiceNode) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*ServiceNode, len(nodes)),
		dependents: make(map[string][]string),
	}
	for _, n := range nodes {
		if _, dup := g.nodes[n.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", n.Name)
		}
		g.nodes[n.Name] = n
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep.Service]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %q", ErrUnknownDependency, n.Name, dep.Service)
			}
			g.dependents[dep.Service] = append(g.dependents[dep.Service], n.Name)
		}
	}

	// DFS three-color cycle detection, names visited in sorted order so
	// the reported cycle does not depend on map iteration.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var stack []string

	var visit func(name string) *CycleError
	visit = func(name string) *CycleError {
		color[name] = grey
		stack = append(stack, name)
		deps := g.nodes[name].DependsOn
		for _, dep := range deps {
			switch color[dep.Service] {
			case white:
				if ce := visit(dep.Service); ce != nil {
					return ce
				}
			case grey:
				// Slice the stack from the first occurrence of the
				// repeated node so the whole cycle is reported.
				for i, s := range stack {
					if s == dep.Service {
						cycle := append(append([]string{}, stack[i:]...), dep.Service)
						return &CycleError{Nodes: cycle}
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		g.order = append(g.order, name)
		return nil
	}

	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if color[name] == white {
			if ce := visit(name); ce != nil {
				return nil, ce
			}
		}
	}
	return g, nil
}

// Node returns the definition for name, or nil.
func (g *Graph) Node(name string) *ServiceNode { return g.nodes[name] }

// Names returns all node names in topological order, dependencies
// before dependents.
func (g *Graph) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// ReverseNames returns node names dependents-first, the order a
// shutdown should walk.
func (g *Graph) ReverseNames() []string {
	out := make([]string, len(g.order))
	for i, name := range g.order {
		out[len(g.order)-1-i] = name
	}
	return out
}

// Dependents returns the names of nodes that depend on name.
func (g *Graph) Dependents(name string) []string { return g.dependents[name] }

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int { return len(g.nodes) }
