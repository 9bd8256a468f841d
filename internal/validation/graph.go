package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateReachability walks transitions from the start step. Unreachable
// steps are warnings; a graph from which no End step can be reached is an error.
func validateReachability(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	byID := make(map[string]*schema.StepDefinition, len(def.Steps))
	for i := range def.Steps {
		byID[def.Steps[i].ID] = &def.Steps[i]
	}

	start := def.StartStepID()
	if byID[start] == nil {
		return result
	}

	visited := map[string]bool{start: true}
	queue := []string{start}
	endReachable := false
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step := byID[id]
		if step.Type == schema.StepTypeEnd {
			endReachable = true
		}
		for _, tr := range step.Transitions {
			if byID[tr.To] != nil && !visited[tr.To] {
				visited[tr.To] = true
				queue = append(queue, tr.To)
			}
		}
	}

	if !endReachable {
		result.AddError("steps", schema.ErrCodeGraph,
			fmt.Sprintf("no End step is reachable from start step %q", start))
	}

	var unreachable []string
	for id := range byID {
		if !visited[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		result.AddWarning("steps", schema.ErrCodeGraph, fmt.Sprintf("step %q is unreachable from start", id))
	}
	return result
}
