package steps

import (
	"context"
	"sort"

	"github.com/rendis/stepflow/internal/document"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// StartHandler begins a run. An optional static config.output is merged into the context.
type StartHandler struct{}

func (h *StartHandler) Type() schema.StepType { return schema.StepTypeStart }

func (h *StartHandler) Validate(step *schema.StepDefinition) error {
	if out, ok := step.Config["output"]; ok {
		if _, isMap := out.(map[string]any); !isMap {
			return stepErr(schema.ErrCodeValidation, step, "start output must be an object")
		}
	}
	return nil
}

func (h *StartHandler) Execute(_ context.Context, exec *Execution) Result {
	out, _ := exec.Step.Config["output"].(map[string]any)
	return Success(next(exec.Step), out)
}

// EndHandler completes the run.
type EndHandler struct{}

func (h *EndHandler) Type() schema.StepType { return schema.StepTypeEnd }

func (h *EndHandler) Validate(step *schema.StepDefinition) error { return nil }

func (h *EndHandler) Execute(_ context.Context, _ *Execution) Result {
	return Success("", nil)
}

// CalculationHandler computes values with expr.
//
// config.expression + config.output stores one value at a context path;
// config.assignments maps context paths to expressions. All expressions see
// the context as it was before the step.
type CalculationHandler struct {
	expr *expressions.ExprEngine
}

func (h *CalculationHandler) Type() schema.StepType { return schema.StepTypeCalculation }

func (h *CalculationHandler) Validate(step *schema.StepDefinition) error {
	expression := step.ConfigString("expression")
	assignments, err := calcAssignments(step)
	if err != nil {
		return err
	}
	if expression == "" && len(assignments) == 0 {
		return stepErr(schema.ErrCodeValidation, step, "calculation requires config.expression or config.assignments")
	}
	if expression != "" {
		if err := h.expr.Check(expression); err != nil {
			return err
		}
	}
	for _, path := range sortedKeys(assignments) {
		if err := h.expr.Check(assignments[path]); err != nil {
			return err
		}
	}
	return nil
}

func (h *CalculationHandler) Execute(ctx context.Context, exec *Execution) Result {
	step := exec.Step
	vars := exec.Vars()
	out := document.New()

	if expression := step.ConfigString("expression"); expression != "" {
		value, err := h.expr.Evaluate(ctx, expression, vars)
		if err != nil {
			return Failure(withStep(err, step))
		}
		if path := step.ConfigString("output"); path != "" {
			if err := out.Set(path, value); err != nil {
				return Failure(stepErr(schema.ErrCodeStepFailed, step, "store result at %q: %v", path, err))
			}
		} else if m, ok := value.(map[string]any); ok {
			if err := out.Merge(m); err != nil {
				return Failure(stepErr(schema.ErrCodeStepFailed, step, "merge result: %v", err))
			}
		} else {
			return Failure(stepErr(schema.ErrCodeStepFailed, step, "calculation result is not an object and no config.output is set"))
		}
	}

	assignments, err := calcAssignments(step)
	if err != nil {
		return Failure(err)
	}
	for _, path := range sortedKeys(assignments) {
		value, err := h.expr.Evaluate(ctx, assignments[path], vars)
		if err != nil {
			return Failure(withStep(err, step))
		}
		if err := out.Set(path, value); err != nil {
			return Failure(stepErr(schema.ErrCodeStepFailed, step, "store result at %q: %v", path, err))
		}
	}
	return Success(next(step), out.Map())
}

func calcAssignments(step *schema.StepDefinition) (map[string]string, error) {
	raw, ok := step.Config["assignments"]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, stepErr(schema.ErrCodeValidation, step, "config.assignments must be an object")
	}
	out := make(map[string]string, len(m))
	for path, v := range m {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, stepErr(schema.ErrCodeValidation, step, "assignment %q must be a non-empty expression", path)
		}
		out[path] = s
	}
	return out, nil
}

// DecisionHandler picks the first transition whose CEL condition holds, else
// the first unconditioned transition.
type DecisionHandler struct {
	cel *expressions.CELEngine
}

func (h *DecisionHandler) Type() schema.StepType { return schema.StepTypeDecision }

func (h *DecisionHandler) Validate(step *schema.StepDefinition) error {
	for _, tr := range step.Transitions {
		if tr.Condition == "" {
			continue
		}
		if err := h.cel.Check(tr.Condition); err != nil {
			return withStep(err, step)
		}
	}
	return nil
}

func (h *DecisionHandler) Execute(ctx context.Context, exec *Execution) Result {
	step := exec.Step
	vars := exec.Vars()
	fallback := ""
	for _, tr := range step.Transitions {
		if tr.Condition == "" {
			if fallback == "" {
				fallback = tr.To
			}
			continue
		}
		ok, err := h.cel.EvaluateBool(ctx, tr.Condition, vars)
		if err != nil {
			return Failure(withStep(err, step))
		}
		if ok {
			return Success(tr.To, nil)
		}
	}
	if fallback != "" {
		return Success(fallback, nil)
	}
	return Failure(stepErr(schema.ErrCodeStepFailed, step, "no transition condition matched and no default transition"))
}

func withStep(err error, step *schema.StepDefinition) error {
	if se, ok := err.(*schema.Error); ok && se.StepID == "" {
		return se.WithStep(step.ID)
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
