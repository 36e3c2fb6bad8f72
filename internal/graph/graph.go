// Package graph builds and analyzes the dependency graph of a rollout
// plan: cycle detection, topological layering, and parallel-cohort
// assignment.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/rolloutd/internal/plan"
)

// Node wraps a plan item with its computed graph position.
type Node struct {
	Item plan.Item
	// Layer is the topological level. Every dependency of the node has a
	// strictly smaller layer.
	Layer int
	// DependsOn holds the declared dependencies that exist in the plan.
	// External dependencies are dropped here and treated as satisfied.
	DependsOn []string
	// Dependents holds reverse edges.
	Dependents []string
}

// Graph is the analyzed dependency graph.
type Graph struct {
	// Nodes indexes every plan item by ID.
	Nodes map[string]*Node
	// Layers groups node IDs by layer, index = layer number. IDs within
	// a layer are sorted for deterministic output.
	Layers [][]string
	// Cohorts groups node IDs by assigned cohort.
	Cohorts map[plan.Cohort][]string
}

// CycleError reports every dependency cycle found in a plan.
type CycleError struct {
	// Cycles holds node sequences; each starts and ends at the same ID.
	Cycles [][]string
}

func (e *CycleError) Error() string {
	paths := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		paths[i] = strings.Join(c, " -> ")
	}
	return fmt.Sprintf("circular dependencies detected: %s", strings.Join(paths, "; "))
}

// Analyze builds the graph for the given items. If any dependency cycle
// exists it returns a *CycleError and no node receives a layer.
func Analyze(items []plan.Item) (*Graph, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("plan has no items")
	}
	g := &Graph{
		Nodes:   make(map[string]*Node, len(items)),
		Cohorts: make(map[plan.Cohort][]string),
	}

	for _, item := range items {
		g.Nodes[item.ID] = &Node{Item: item, Layer: -1}
	}

	// Resolve edges. Dependencies naming unknown items are external and
	// already satisfied; they take no part in cycles or layering.
	for _, item := range items {
		node := g.Nodes[item.ID]
		for _, dep := range item.DependsOn {
			if _, ok := g.Nodes[dep]; !ok {
				continue
			}
			node.DependsOn = append(node.DependsOn, dep)
			g.Nodes[dep].Dependents = append(g.Nodes[dep].Dependents, item.ID)
		}
	}

	if cycles := findCycles(g); len(cycles) > 0 {
		return nil, &CycleError{Cycles: cycles}
	}

	if err := assignLayers(g); err != nil {
		return nil, err
	}
	assignCohorts(g)

	return g, nil
}

// findCycles runs a depth-first traversal tracking the recursion stack.
// Revisiting a node still on the stack yields a cycle. Nodes are visited
// in sorted order so reported cycles are deterministic.
func findCycles(g *Graph) [][]string {
	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.Nodes))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		stack = append(stack, id)

		for _, dep := range g.Nodes[id].DependsOn {
			switch state[dep] {
			case unvisited:
				visit(dep)
			case onStack:
				// Slice the stack from the first occurrence of dep and
				// close the loop.
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						cycle = append(cycle, dep)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, id := range sortedIDs(g.Nodes) {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}

// assignLayers computes layers by iterative fix-point: each pass layers
// every node whose dependencies are all layered. A pass that makes no
// progress while nodes remain means an unresolvable graph, which is an
// error rather than an infinite loop.
func assignLayers(g *Graph) error {
	remaining := make(map[string]bool, len(g.Nodes))
	for id := range g.Nodes {
		remaining[id] = true
	}

	layer := 0
	for len(remaining) > 0 {
		var ready []string
		for id := range remaining {
			ok := true
			for _, dep := range g.Nodes[id].DependsOn {
				if g.Nodes[dep].Layer < 0 {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, id)
			}
		}

		if len(ready) == 0 {
			var stuck []string
			for id := range remaining {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return fmt.Errorf("dependency layering made no progress with %d items remaining: %s",
				len(stuck), strings.Join(stuck, ", "))
		}

		sort.Strings(ready)
		for _, id := range ready {
			g.Nodes[id].Layer = layer
			delete(remaining, id)
		}
		g.Layers = append(g.Layers, ready)
		layer++
	}
	return nil
}

// assignCohorts applies the three-tier policy: layer 0 is "foundation",
// nodes depending on exactly the foundation set are "specialized", and
// everything else is "integration". This deliberately trades optimal
// partitioning of arbitrary DAGs for a predictable phase shape.
func assignCohorts(g *Graph) {
	foundation := make(map[string]bool)
	for _, id := range g.Layers[0] {
		foundation[id] = true
	}

	isSpecialized := func(n *Node) bool {
		if n.Layer == 0 || len(n.DependsOn) != len(foundation) {
			return false
		}
		for _, dep := range n.DependsOn {
			if !foundation[dep] {
				return false
			}
		}
		return true
	}

	for _, id := range sortedIDs(g.Nodes) {
		node := g.Nodes[id]
		switch {
		case node.Layer == 0:
			node.Item.Cohort = plan.CohortFoundation
		case isSpecialized(node):
			node.Item.Cohort = plan.CohortSpecialized
		default:
			node.Item.Cohort = plan.CohortIntegration
		}
		g.Cohorts[node.Item.Cohort] = append(g.Cohorts[node.Item.Cohort], id)
	}
}

// IntegrationOrder returns the integration cohort sorted by layer, then
// ID. Integration items must execute in dependency order.
func (g *Graph) IntegrationOrder() []string {
	ids := append([]string{}, g.Cohorts[plan.CohortIntegration]...)
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.Nodes[ids[i]], g.Nodes[ids[j]]
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		return a.Item.ID < b.Item.ID
	})
	return ids
}

func sortedIDs(nodes map[string]*Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
