package diagram

import (
	"fmt"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build constructs a DiagramModel from a definition and an optional run
// history. Nodes are ordered breadth-first from the start step.
func Build(def *schema.WorkflowDefinition, history []*store.RunStep) (*DiagramModel, error) {
	g, err := engine.ParseGraph(def, nil)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	overlays := overlayIndex(history)
	model := &DiagramModel{Title: titleFromDef(def)}

	visited := map[string]bool{g.StartID: true}
	queue := []string{g.StartID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step, _ := g.Step(id)

		node := &Node{
			ID:       step.ID,
			Label:    nodeLabel(step),
			Kind:     stepTypeToKind(step.Type),
			Undoable: len(step.Compensation) > 0,
			Status:   overlays[step.ID],
		}
		model.Nodes = append(model.Nodes, node)

		for _, tr := range step.Transitions {
			model.Edges = append(model.Edges, Edge{From: step.ID, To: tr.To, Label: tr.Condition})
			if !visited[tr.To] {
				visited[tr.To] = true
				queue = append(queue, tr.To)
			}
		}
	}
	return model, nil
}

// overlayIndex keeps the latest visit of each step and counts its attempts.
// history is ordered by position.
func overlayIndex(history []*store.RunStep) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay, len(history))
	for _, rs := range history {
		ov, ok := out[rs.StepID]
		if !ok {
			ov = &StatusOverlay{}
			out[rs.StepID] = ov
		}
		ov.Status = string(rs.Status)
		ov.Attempts++
		ov.Error = rs.Error
	}
	return out
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeStart:
		return NodeKindStart
	case schema.StepTypeEnd:
		return NodeKindEnd
	case schema.StepTypeDecision:
		return NodeKindDecision
	case schema.StepTypeForm, schema.StepTypeHumanTask, schema.StepTypeWaitForEvent:
		return NodeKindWait
	case schema.StepTypeTimer:
		return NodeKindTimer
	case schema.StepTypeServiceTask:
		return NodeKindService
	case schema.StepTypeCompensation:
		return NodeKindCompensation
	default:
		return NodeKindTask
	}
}

func nodeLabel(step *schema.StepDefinition) string {
	if step.Type == schema.StepTypeServiceTask {
		if method := step.ConfigString("serviceMethodId"); method != "" {
			return fmt.Sprintf("%s (%s)", step.ID, method)
		}
	}
	return fmt.Sprintf("%s (%s)", step.ID, step.Type)
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.Code != "" {
		return fmt.Sprintf("%s v%d", def.Code, def.Version)
	}
	return "Workflow"
}
