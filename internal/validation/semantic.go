package validation

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateSemantic checks references and per-type rules the JSON Schema
// cannot express. checker may be nil to skip handler-level config checks.
func validateSemantic(def *schema.WorkflowDefinition, checker StepChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeGraph, "workflow has no steps")
		return result
	}

	ids := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			result.AddError(path+".id", schema.ErrCodeGraph, "step id is empty")
			continue
		}
		if ids[s.ID] {
			result.AddError(path+".id", schema.ErrCodeGraph, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		ids[s.ID] = true
	}

	start := def.StartStepID()
	if !ids[start] {
		result.AddError("startAt", schema.ErrCodeGraph, fmt.Sprintf("start step %q does not exist", start))
	}

	for i := range def.Steps {
		validateStep(&def.Steps[i], fmt.Sprintf("steps[%d]", i), ids, checker, result)
	}
	return result
}

func validateStep(step *schema.StepDefinition, path string, ids map[string]bool, checker StepChecker, result *schema.ValidationResult) {
	for j, tr := range step.Transitions {
		if !ids[tr.To] {
			result.AddError(fmt.Sprintf("%s.transitions[%d].to", path, j), schema.ErrCodeGraph,
				fmt.Sprintf("step %q transitions to unknown step %q", step.ID, tr.To))
		}
		if tr.Condition != "" && step.Type != schema.StepTypeDecision {
			result.AddWarning(fmt.Sprintf("%s.transitions[%d].condition", path, j), schema.ErrCodeGraph,
				fmt.Sprintf("condition on %s step %q is ignored", step.Type, step.ID))
		}
	}

	switch {
	case step.Type == schema.StepTypeEnd:
		if len(step.Transitions) > 0 {
			result.AddWarning(path+".transitions", schema.ErrCodeGraph,
				fmt.Sprintf("end step %q declares transitions that are never followed", step.ID))
		}
	case step.Type.Pauses():
		if len(step.Transitions) != 1 {
			result.AddError(path+".transitions", schema.ErrCodeGraph,
				fmt.Sprintf("%s step %q must declare exactly one transition, has %d", step.Type, step.ID, len(step.Transitions)))
		}
	default:
		if len(step.Transitions) == 0 {
			result.AddError(path+".transitions", schema.ErrCodeGraph,
				fmt.Sprintf("step %q has no transitions and is not an End step", step.ID))
		}
	}

	for j, c := range step.Compensation {
		if c.Type == "" {
			result.AddError(fmt.Sprintf("%s.compensation[%d].type", path, j), schema.ErrCodeGraph,
				fmt.Sprintf("compensation action %d of step %q has no type", j, step.ID))
		}
	}

	if checker != nil {
		if err := checker.ValidateStep(step); err != nil {
			result.AddError(path, schema.ErrCodeGraph, err.Error())
		}
	}
}
