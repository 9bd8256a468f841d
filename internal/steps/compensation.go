package steps

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// CompensationHandler compensates the run's completed steps, records the
// report under compensation.<stepId> and continues to its first transition.
type CompensationHandler struct {
	compensator Compensator
}

func (h *CompensationHandler) Type() schema.StepType { return schema.StepTypeCompensation }

func (h *CompensationHandler) Validate(step *schema.StepDefinition) error {
	if h.compensator == nil {
		return stepErr(schema.ErrCodeGraph, step, "compensation steps need a compensator")
	}
	return nil
}

func (h *CompensationHandler) Execute(ctx context.Context, exec *Execution) Result {
	report, err := h.compensator.Compensate(ctx, exec.Run)
	if err != nil {
		return Failure(schema.NewError(schema.ErrCodeCompensation, "run compensation").WithStep(exec.Step.ID).WithCause(err))
	}
	return Success(next(exec.Step), map[string]any{
		"compensation": map[string]any{exec.Step.ID: report.Map()},
	})
}
