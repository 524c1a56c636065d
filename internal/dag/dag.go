// Package dag is a small directed-acyclic-graph utility shared by the
// transaction resolver and the trigger scheduler: cycle-rejecting edge
// insertion, topological ordering, parallel-stage batching, transpose, and
// subgraph extraction.
package dag

import "sort"

// Graph is a DAG over string node ids. Construct one with New; the zero
// value has no maps allocated and is not usable.
type Graph struct {
	nodes map[string]struct{}
	edges map[string]map[string]struct{}
	order []string
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]struct{}),
		edges: make(map[string]map[string]struct{}),
	}
}

// AddNode inserts the node if absent.
func (g *Graph) AddNode(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = struct{}{}
	g.order = append(g.order, id)
}

// HasNode reports whether the node exists.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// RemoveNode deletes the node and every incident edge.
func (g *Graph) RemoveNode(id string) {
	if _, ok := g.nodes[id]; !ok {
		return
	}
	delete(g.nodes, id)
	delete(g.edges, id)
	for _, targets := range g.edges {
		delete(targets, id)
	}
	for i, n := range g.order {
		if n == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// AddEdge inserts from→to unless the edge already exists or would close a
// cycle. Returns true if the edge was added.
func (g *Graph) AddEdge(from, to string) bool {
	if g.reachable(to, from) {
		return false
	}
	targets, ok := g.edges[from]
	if !ok {
		targets = make(map[string]struct{})
		g.edges[from] = targets
	}
	if _, ok := targets[to]; ok {
		return false
	}
	targets[to] = struct{}{}
	return true
}

// reachable reports whether a path exists from start to goal.
func (g *Graph) reachable(start, goal string) bool {
	if start == goal {
		return true
	}
	seen := map[string]struct{}{start: {}}
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.edges[current] {
			if next == goal {
				return true
			}
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Topo returns a topological order: every edge from→to places from before
// to. Nodes without predecessors are queued in insertion order; nodes
// released by an emitted node are queued in name order, so results are
// deterministic.
func (g *Graph) Topo() []string {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, targets := range g.edges {
		for to := range targets {
			indegree[to]++
		}
	}

	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		next := make([]string, 0)
		for to := range g.edges[id] {
			indegree[to]--
			if indegree[to] == 0 {
				next = append(next, to)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}
	return out
}

// BatchedTopo returns stages of nodes where each stage has no internal
// ordering constraints and all of a node's predecessors appear in earlier
// stages. Within a stage, nodes are sorted for determinism.
func (g *Graph) BatchedTopo() [][]string {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, targets := range g.edges {
		for to := range targets {
			indegree[to]++
		}
	}

	remaining := len(g.nodes)
	var batches [][]string
	for remaining > 0 {
		var stage []string
		for _, id := range g.order {
			if deg, ok := indegree[id]; ok && deg == 0 {
				stage = append(stage, id)
			}
		}
		if len(stage) == 0 {
			// Cycle: unreachable given AddEdge's rejection, but bail rather
			// than spin.
			break
		}
		sort.Strings(stage)
		batches = append(batches, stage)
		for _, id := range stage {
			delete(indegree, id)
			remaining--
			for to := range g.edges[id] {
				if _, ok := indegree[to]; ok {
					indegree[to]--
				}
			}
		}
	}
	return batches
}

// Transpose returns a copy of the graph with every edge reversed.
func (g *Graph) Transpose() *Graph {
	t := New()
	for _, id := range g.order {
		t.AddNode(id)
	}
	for from, targets := range g.edges {
		for to := range targets {
			tTargets, ok := t.edges[to]
			if !ok {
				tTargets = make(map[string]struct{})
				t.edges[to] = tTargets
			}
			tTargets[from] = struct{}{}
		}
	}
	return t
}

// Subgraph returns the set of nodes reachable from any of the starts,
// including the starts themselves when present.
func (g *Graph) Subgraph(starts []string) []string {
	seen := make(map[string]struct{})
	var stack []string
	for _, s := range starts {
		if _, ok := g.nodes[s]; ok {
			if _, dup := seen[s]; !dup {
				seen[s] = struct{}{}
				stack = append(stack, s)
			}
		}
	}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.edges[current] {
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for _, id := range g.order {
		if _, ok := seen[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
