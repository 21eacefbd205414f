package validation

import (
	"fmt"
	"sort"

	"github.com/vallit/flowexec/pkg/schema"
)

// successors returns the step ids reachable in one edge from s, deduplicated.
func successors(s *schema.StepDefinition) []string {
	if s.Next.Terminal() {
		return nil
	}
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		for _, have := range out {
			if have == id {
				return
			}
		}
		out = append(out, id)
	}
	add(s.Next.Step)
	if b := s.Next.Branch; b != nil {
		add(b.True)
		add(b.False)
	}
	return out
}

// validateGraph analyzes the next edges: an entry step must exist, the edges
// must not form a cycle (Kahn's algorithm), and every step should be
// reachable from the entry.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	entry := def.EntryStep()
	if entry == nil {
		result.AddError("steps", schema.IssueNoEntryStep,
			"no entry step: every step declares depends_on")
		return result
	}

	index := make(map[string]int, len(def.Steps))
	inDegree := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		index[s.ID] = i
		inDegree[s.ID] = 0
	}

	edges := make(map[string][]string, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		for _, next := range successors(s) {
			if _, ok := index[next]; !ok {
				continue // unknown targets are reported by the semantic stage
			}
			edges[s.ID] = append(edges[s.ID], next)
			inDegree[next]++
		}
	}

	queue := make([]string, 0, len(def.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(index) {
		var looped []string
		for id, deg := range inDegree {
			if deg > 0 {
				looped = append(looped, id)
			}
		}
		sort.Strings(looped)
		result.AddError("steps", schema.IssueCycle,
			fmt.Sprintf("next edges form a cycle through %v", looped))
		return result
	}

	reachable := map[string]bool{entry.ID: true}
	bfs := []string{entry.ID}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}

	for i, s := range def.Steps {
		if !reachable[s.ID] {
			result.AddWarning(schema.StepPath(i, ""), schema.IssueUnreachableStep,
				fmt.Sprintf("step %q is unreachable from entry step %q", s.ID, entry.ID))
		}
	}
	return result
}
