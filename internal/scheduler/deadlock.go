package scheduler

import (
	"github.com/gammazero/toposort"
)

// ResolveDependencies returns an execution order over the task's transitive
// dependency set, dependencies first and the task itself last. It fails with a
// *DependencyError naming the broken chain if a referenced dependency does not
// exist, and with the cycle if the set is not acyclic.
func (s *Scheduler) ResolveDependencies(taskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, exists := s.tasks[taskID]
	if !exists {
		return nil, &DependencyError{TaskID: taskID, Missing: taskID, Chain: []string{taskID}}
	}

	// Walk the transitive dependency set, tracking the chain to each node so
	// a missing reference can be reported with its full path.
	set := map[string]bool{taskID: true}
	parent := map[string]string{}
	stack := []string{taskID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, depID := range s.tasks[id].DependsOn {
			if _, ok := s.tasks[depID]; !ok {
				return nil, &DependencyError{
					TaskID:  taskID,
					Missing: depID,
					Chain:   append(chainTo(parent, id, taskID), depID),
				}
			}
			if set[depID] {
				continue
			}
			set[depID] = true
			parent[depID] = id
			stack = append(stack, depID)
		}
	}

	// Topological sort restricted to the set. Edge (dep, task) means dep runs
	// before task.
	var edges []toposort.Edge
	for id := range set {
		t := s.tasks[id]
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		cycle := s.detectCycleLocked(root.ProjectID)
		return nil, &DependencyError{TaskID: taskID, Cycle: cycle}
	}

	order := make([]string, 0, len(set))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		if s, ok := id.(string); ok && set[s] {
			order = append(order, s)
		}
	}
	return order, nil
}

// DetectDeadlock runs depth-first cycle detection over the full dependency
// graph of a project. It returns the cycle as an ordered list of task IDs, or
// nil when the graph is acyclic. Exposed both as a standalone diagnostic and
// called by Schedule before any task can leave BLOCKED under a mutated graph.
func (s *Scheduler) DetectDeadlock(projectID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectCycleLocked(projectID)
}

// detectCycleLocked is the DFS core: white/grey/black coloring, unwinding the
// visit stack into the cycle when a grey node is revisited. Edges to unknown
// task IDs are ignored; they are missing dependencies, not cycles.
func (s *Scheduler) detectCycleLocked(projectID string) []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(s.tasks))

	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		path = append(path, id)

		for _, depID := range s.tasks[id].DependsOn {
			dep, exists := s.tasks[depID]
			if !exists || dep.ProjectID != projectID {
				continue
			}
			switch color[depID] {
			case white:
				if visit(depID) {
					return true
				}
			case grey:
				// Unwind the path back to where the cycle entered.
				for i, pathID := range path {
					if pathID == depID {
						cycle = append([]string(nil), path[i:]...)
						break
					}
				}
				return true
			}
		}

		color[id] = black
		path = path[:len(path)-1]
		return false
	}

	for id, t := range s.tasks {
		if t.ProjectID != projectID || color[id] != white {
			continue
		}
		path = path[:0]
		if visit(id) {
			return cycle
		}
	}
	return nil
}

// chainTo reconstructs the dependency chain from root down to id using the
// parent links recorded during the walk.
func chainTo(parent map[string]string, id, root string) []string {
	chain := []string{id}
	for id != root {
		id = parent[id]
		chain = append([]string{id}, chain...)
	}
	return chain
}
