package graph

import (
	"sort"
)

// TopologicalSort returns module IDs in an order where all dependencies come
// before the modules that depend on them. Ties are broken by ID so the order
// is deterministic.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	stages, err := g.Stages()
	if err != nil {
		return nil, err
	}
	var order []string
	for _, stage := range stages {
		order = append(order, stage...)
	}
	return order, nil
}

// Stages groups modules into execution phases. Every module in a phase
// depends only on modules in earlier phases, so a phase can run in parallel.
func (g *DependencyGraph) Stages() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.edges[id])
	}

	var frontier []string
	for id, n := range indegree {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}

	var stages [][]string
	visited := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		stages = append(stages, frontier)
		visited += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dep := range g.dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if visited != len(g.nodes) {
		cycle := findCycle(g.sortedIDsLocked(), func(id string) []string { return g.edges[id] })
		return nil, &InvalidGraphError{Cycle: cycle}
	}
	return stages, nil
}

// CriticalPath returns the dependency chain with the largest total weight,
// ordered from the first module to run, along with that weight.
func (g *DependencyGraph) CriticalPath() ([]string, float64, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, 0, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	dist := make(map[string]float64, len(order))
	prev := make(map[string]string, len(order))
	var end string
	var best float64

	for _, id := range order {
		var base float64
		for _, dep := range g.edges[id] {
			if prev[id] == "" || dist[dep] > base {
				base = dist[dep]
				prev[id] = dep
			}
		}
		dist[id] = base + g.nodes[id].Weight()
		if dist[id] > best {
			best = dist[id]
			end = id
		}
	}

	if end == "" {
		return nil, 0, nil
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, best, nil
}
