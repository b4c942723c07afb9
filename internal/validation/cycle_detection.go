// Package validation checks subtask dependency graphs.
package validation

import (
	"fmt"
	"strings"
)

// SubtaskInfo is the minimal view of a subtask needed for graph checks
type SubtaskInfo struct {
	ID           string
	Dependencies []string
}

// GraphResult describes a dependency graph. SortedOrder and Levels are only
// set when the graph is acyclic.
type GraphResult struct {
	HasCycle    bool
	CyclePath   []string
	SortedOrder []string
	// Levels maps each id to its topological level; roots are level 1 and
	// every other node sits one level below its deepest dependency.
	Levels       map[string]int
	ErrorMessage string
}

// AnalyzeDependencies runs Kahn's algorithm over subtasks. Self references
// and dependencies on unknown ids are ignored. The sort is stable: among
// ready nodes, input order wins.
func AnalyzeDependencies(subtasks []SubtaskInfo) GraphResult {
	if len(subtasks) == 0 {
		return GraphResult{SortedOrder: []string{}, Levels: map[string]int{}}
	}

	index := make(map[string]int, len(subtasks))
	for i, st := range subtasks {
		if _, dup := index[st.ID]; !dup {
			index[st.ID] = i
		}
	}

	inDegree := make(map[string]int, len(index))
	dependents := make(map[string][]string, len(index)) // dep -> tasks waiting on it
	for id := range index {
		inDegree[id] = 0
	}
	for _, st := range subtasks {
		seen := make(map[string]bool)
		for _, dep := range st.Dependencies {
			if dep == st.ID || seen[dep] {
				continue
			}
			if _, ok := index[dep]; !ok {
				continue
			}
			seen[dep] = true
			dependents[dep] = append(dependents[dep], st.ID)
			inDegree[st.ID]++
		}
	}

	levels := make(map[string]int, len(index))
	var queue []string
	for _, st := range subtasks {
		if inDegree[st.ID] == 0 && levels[st.ID] == 0 {
			levels[st.ID] = 1
			queue = append(queue, st.ID)
		}
	}

	sorted := make([]string, 0, len(index))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)

		for _, next := range dependents[current] {
			if lv := levels[current] + 1; lv > levels[next] {
				levels[next] = lv
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) == len(index) {
		return GraphResult{SortedOrder: sorted, Levels: levels}
	}

	var cycleNodes []string
	for _, st := range subtasks {
		if inDegree[st.ID] > 0 {
			cycleNodes = append(cycleNodes, st.ID)
		}
	}
	path := findCyclePath(dependents, cycleNodes)
	return GraphResult{
		HasCycle:     true,
		CyclePath:    path,
		ErrorMessage: fmt.Sprintf("circular dependency detected involving tasks: %s", strings.Join(path, " -> ")),
	}
}

// findCyclePath walks the remaining nodes depth first to name one cycle
func findCyclePath(graph map[string][]string, cycleNodes []string) []string {
	if len(cycleNodes) == 0 {
		return []string{}
	}
	cycleSet := make(map[string]bool, len(cycleNodes))
	for _, n := range cycleNodes {
		cycleSet[n] = true
	}

	var visited map[string]bool
	var dfs func(node string, path []string) []string
	dfs = func(node string, path []string) []string {
		if visited[node] {
			for i, n := range path {
				if n == node {
					return append(append([]string(nil), path[i:]...), node)
				}
			}
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for _, next := range graph[node] {
			if !cycleSet[next] {
				continue
			}
			if found := dfs(next, path); found != nil {
				return found
			}
		}
		return nil
	}

	for _, start := range cycleNodes {
		visited = make(map[string]bool)
		if found := dfs(start, nil); len(found) > 1 {
			return found
		}
	}
	return cycleNodes
}

// ValidateDAGDependencies returns an error if subtasks contain a cycle
func ValidateDAGDependencies(subtasks []SubtaskInfo) error {
	if r := AnalyzeDependencies(subtasks); r.HasCycle {
		return fmt.Errorf("%s", r.ErrorMessage)
	}
	return nil
}
