// Package graph provides the module dependency graph used for scheduling.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// DependencyGraph represents a directed acyclic graph of module dependencies.
// Modules are nodes, and edges represent "depends on" relationships.
// The graph owns its module records; callers receive copies.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps module ID to the module record.
	nodes map[string]*models.Module
	// edges maps module ID to IDs of modules it depends on.
	edges map[string][]string
	// dependents maps module ID to the sorted IDs of modules depending on it.
	dependents map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]*models.Module),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// AddModule registers a single module. Its dependencies must already be in
// the graph, so a module added this way can never close a cycle.
func (g *DependencyGraph) AddModule(m *models.Module) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("add module: id is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[m.ID]; exists {
		return &DuplicateModuleError{ID: m.ID}
	}
	for _, depID := range m.DependsOn {
		if depID == m.ID {
			return &InvalidGraphError{Cycle: []string{m.ID}}
		}
		if _, exists := g.nodes[depID]; !exists {
			return &InvalidGraphError{Module: m.ID, Missing: depID}
		}
	}

	g.insertLocked(m.Clone())
	g.debugLog("[graph.AddModule] added %s depends_on=%v", m.ID, m.DependsOn)
	return nil
}

// Build adds a batch of modules atomically. Modules in the batch may depend
// on each other in any order and on modules already in the graph. On error
// the graph is left unchanged.
func (g *DependencyGraph) Build(modules []*models.Module) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d modules", len(modules))

	batch := make(map[string]*models.Module, len(modules))
	for _, m := range modules {
		if m == nil || m.ID == "" {
			return fmt.Errorf("build graph: module id is required")
		}
		if _, exists := g.nodes[m.ID]; exists {
			return &DuplicateModuleError{ID: m.ID}
		}
		if _, exists := batch[m.ID]; exists {
			return &DuplicateModuleError{ID: m.ID}
		}
		batch[m.ID] = m
	}

	for _, m := range modules {
		for _, depID := range m.DependsOn {
			_, inGraph := g.nodes[depID]
			_, inBatch := batch[depID]
			if !inGraph && !inBatch {
				return &InvalidGraphError{Module: m.ID, Missing: depID}
			}
		}
	}

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	deps := func(id string) []string {
		if m, ok := batch[id]; ok {
			return m.DependsOn
		}
		return g.edges[id]
	}
	if cycle := findCycle(ids, deps); cycle != nil {
		g.debugLog("[graph.Build] cycle detected: %v", cycle)
		return &InvalidGraphError{Cycle: cycle}
	}

	for _, id := range ids {
		g.insertLocked(batch[id].Clone())
	}

	g.debugLog("[graph.Build] graph built successfully with %d nodes", len(g.nodes))
	return nil
}

// insertLocked stores m and its edges. The caller holds the write lock.
func (g *DependencyGraph) insertLocked(m *models.Module) {
	if m.Status == "" {
		m.Status = models.ModuleStatusPending
	}
	g.nodes[m.ID] = m
	g.edges[m.ID] = append([]string(nil), m.DependsOn...)
	for _, depID := range m.DependsOn {
		list := g.dependents[depID]
		i := sort.SearchStrings(list, m.ID)
		if i < len(list) && list[i] == m.ID {
			continue
		}
		list = append(list, "")
		copy(list[i+1:], list[i:])
		list[i] = m.ID
		g.dependents[depID] = list
	}
}

// findCycle runs a depth-first search with coloring over ids in order and
// returns the members of the first cycle found, or nil.
func findCycle(ids []string, deps func(string) []string) []string {
	// 0 = unvisited, 1 = on the current path, 2 = done.
	colors := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range deps(id) {
			switch colors[depID] {
			case 1:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == depID {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range ids {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return findCycle(g.sortedIDsLocked(), func(id string) []string { return g.edges[id] }) != nil
}

// ReadyModules returns the sorted IDs of pending modules whose dependencies
// are all completed.
func (g *DependencyGraph) ReadyModules() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.sortedIDsLocked() {
		if g.nodes[id].Status != models.ModuleStatusPending {
			continue
		}
		if g.depsCompletedLocked(id) {
			ready = append(ready, id)
		}
	}

	g.debugLog("[graph.ReadyModules] returning %d ready modules: %v", len(ready), ready)
	return ready
}

func (g *DependencyGraph) depsCompletedLocked(id string) bool {
	for _, depID := range g.edges[id] {
		if g.nodes[depID].Status != models.ModuleStatusCompleted {
			return false
		}
	}
	return true
}

// Mark sets the status of a module. Marking a module failed or blocked
// cascades breadth-first over reverse edges, blocking every transitive
// dependent that is not already terminal. The newly blocked IDs are
// returned in the order they were reached.
func (g *DependencyGraph) Mark(id string, status models.ModuleStatus) ([]string, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("mark %s: invalid status %q", id, status)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("mark %s: %w", id, ErrModuleNotFound)
	}

	g.debugLog("[graph.Mark] %s: %s -> %s", id, m.Status, status)
	m.Status = status

	if status != models.ModuleStatusFailed && status != models.ModuleStatusBlocked {
		return nil, nil
	}

	origin := id
	if status == models.ModuleStatusBlocked && m.BlockedBy != "" {
		origin = m.BlockedBy
	}
	return g.cascadeLocked(id, origin), nil
}

func (g *DependencyGraph) cascadeLocked(root, origin string) []string {
	var blocked []string
	seen := map[string]bool{root: true}
	queue := []string{root}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, depID := range g.dependents[cur] {
			if seen[depID] {
				continue
			}
			seen[depID] = true

			d := g.nodes[depID]
			if d.Status.Terminal() {
				continue
			}
			d.Status = models.ModuleStatusBlocked
			d.BlockedBy = origin
			d.ErrorKind = models.ErrorKindDependencyFailed
			d.LastError = fmt.Sprintf("dependency %s failed", origin)
			blocked = append(blocked, depID)
			queue = append(queue, depID)
		}
	}

	if len(blocked) > 0 {
		g.debugLog("[graph.Mark] %s blocked dependents: %v", root, blocked)
	}
	return blocked
}

// Update applies fn to the stored module under the write lock. fn must not
// change the module's ID or dependencies.
func (g *DependencyGraph) Update(id string, fn func(m *models.Module)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrModuleNotFound)
	}
	fn(m)
	return nil
}

// Get returns a copy of the module with the given ID, or nil if not found.
func (g *DependencyGraph) Get(id string) *models.Module {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id].Clone()
}

// Status returns the status of a module and whether it exists.
func (g *DependencyGraph) Status(id string) (models.ModuleStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return m.Status, true
}

// Modules returns copies of all modules sorted by ID.
func (g *DependencyGraph) Modules() []*models.Module {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.sortedIDsLocked()
	out := make([]*models.Module, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// WithStatus returns the sorted IDs of modules in any of the given statuses.
func (g *DependencyGraph) WithStatus(statuses ...models.ModuleStatus) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for _, id := range g.sortedIDsLocked() {
		for _, s := range statuses {
			if g.nodes[id].Status == s {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// Counts returns the number of modules in each status.
func (g *DependencyGraph) Counts() map[models.ModuleStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[models.ModuleStatus]int)
	for _, m := range g.nodes {
		counts[m.Status]++
	}
	return counts
}

// Size returns the number of modules in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of modules that the given module depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the sorted IDs of modules that depend on the given module.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// Progress returns completed weight over total weight. An empty graph has
// zero progress.
func (g *DependencyGraph) Progress() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var done, total float64
	for _, m := range g.nodes {
		w := m.Weight()
		total += w
		if m.Status == models.ModuleStatusCompleted {
			done += w
		}
	}
	if total == 0 {
		return 0
	}
	return done / total
}

// TotalWeight returns the sum of module weights.
func (g *DependencyGraph) TotalWeight() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var total float64
	for _, m := range g.nodes {
		total += m.Weight()
	}
	return total
}

func (g *DependencyGraph) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
