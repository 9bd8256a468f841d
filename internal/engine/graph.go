package engine

import (
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Graph is the parsed, immutable step graph of one workflow version.
type Graph struct {
	Definition *schema.WorkflowDefinition
	StartID    string
	Warnings   []schema.ValidationIssue

	steps map[string]*schema.StepDefinition
}

// ParseGraph validates def against checker (usually the handler registry)
// and indexes its steps. Any error is a GRAPH_ERROR.
func ParseGraph(def *schema.WorkflowDefinition, checker validation.StepChecker) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeGraph, "workflow definition is nil")
	}
	result := validation.CheckGraph(def, checker)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	g := &Graph{
		Definition: def,
		StartID:    def.StartStepID(),
		Warnings:   result.Warnings,
		steps:      make(map[string]*schema.StepDefinition, len(def.Steps)),
	}
	for i := range def.Steps {
		g.steps[def.Steps[i].ID] = &def.Steps[i]
	}
	return g, nil
}

// Step returns the step with the given id.
func (g *Graph) Step(id string) (*schema.StepDefinition, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.steps)
}
