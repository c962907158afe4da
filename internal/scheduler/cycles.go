package scheduler

import (
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// CycleReport lists the tasks that sit on a blocks-dependency cycle.
type CycleReport struct {
	paths map[string][]string // Task ID -> representative cycle, as task keys
}

// Contains reports whether the task is part of a cycle.
func (r CycleReport) Contains(id string) bool {
	_, ok := r.paths[id]
	return ok
}

// Path returns a representative cycle through the task, starting and ending
// with its key, e.g. "A -> B -> A". Empty when the task is acyclic.
func (r CycleReport) Path(id string) string {
	return strings.Join(r.paths[id], " -> ")
}

// Len returns the number of cyclic tasks.
func (r CycleReport) Len() int {
	return len(r.paths)
}

// DetectCycles finds every task of the graph that participates in a cycle of
// blocks edges. Acyclic graphs take a single topological sort.
func DetectCycles(g *Graph) CycleReport {
	report := CycleReport{paths: make(map[string][]string)}
	if isAcyclic(g) {
		return report
	}

	ids := g.IDs()
	for _, component := range stronglyConnected(g, ids) {
		members := make(map[string]bool, len(component))
		for _, id := range component {
			members[id] = true
		}
		for _, id := range component {
			if len(component) == 1 && !g.selfLoop(id) {
				continue
			}
			path := cycleThrough(g, id, members)
			keys := make([]string, len(path))
			for i, pid := range path {
				keys[i] = g.keyOf(pid)
			}
			report.paths[id] = keys
		}
	}

	return report
}

func isAcyclic(g *Graph) bool {
	var edges []toposort.Edge
	for _, id := range g.IDs() {
		deps := g.localBlockingDeps(id)
		if len(deps) == 0 {
			// Task with no in-project dependencies - anchor it so it is sorted
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps {
			if depID == id {
				return false
			}
			edges = append(edges, toposort.Edge{depID, id})
		}
	}
	_, err := toposort.Toposort(edges)
	return err == nil
}

// stronglyConnected runs Tarjan's algorithm over in-project blocks edges and
// returns components in discovery order.
func stronglyConnected(g *Graph, ids []string) [][]string {
	index := 0
	indices := make(map[string]int, len(ids))
	lowlink := make(map[string]int, len(ids))
	onStack := make(map[string]bool, len(ids))
	var stack []string
	var components [][]string

	var visit func(id string)
	visit = func(id string) {
		indices[id] = index
		lowlink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		for _, depID := range g.localBlockingDeps(id) {
			if _, seen := indices[depID]; !seen {
				visit(depID)
				lowlink[id] = min(lowlink[id], lowlink[depID])
			} else if onStack[depID] {
				lowlink[id] = min(lowlink[id], indices[depID])
			}
		}

		if lowlink[id] != indices[id] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}
		sort.Strings(component)
		components = append(components, component)
	}

	for _, id := range ids {
		if _, seen := indices[id]; !seen {
			visit(id)
		}
	}
	return components
}

// cycleThrough returns the shortest dependency path from id back to itself
// that stays inside one strongly connected component.
func cycleThrough(g *Graph, id string, members map[string]bool) []string {
	prev := map[string]string{}
	queue := []string{id}
	visited := map[string]bool{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, depID := range g.localBlockingDeps(cur) {
			if !members[depID] {
				continue
			}
			if depID == id {
				path := []string{id}
				for n := cur; n != id; n = prev[n] {
					path = append(path, n)
				}
				// path is id, cur, ..., first hop; flip the tail
				for i, j := 1, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return append(path, id)
			}
			if visited[depID] {
				continue
			}
			visited[depID] = true
			prev[depID] = cur
			queue = append(queue, depID)
		}
	}
	return []string{id, id}
}

// localBlockingDeps returns sorted, de-duplicated blocks dependencies that
// exist in the project.
func (g *Graph) localBlockingDeps(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, depID := range g.BlockingDeps(id) {
		if _, ok := g.tasks[depID]; !ok || seen[depID] {
			continue
		}
		seen[depID] = true
		out = append(out, depID)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) selfLoop(id string) bool {
	for _, depID := range g.BlockingDeps(id) {
		if depID == id {
			return true
		}
	}
	return false
}
