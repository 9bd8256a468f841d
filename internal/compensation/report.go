package compensation

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// ActionError is one failed compensation action.
type ActionError struct {
	StepID    string                  `json:"step_id"`
	RunStepID string                  `json:"run_step_id"`
	Action    schema.CompensationType `json:"action"`
	Message   string                  `json:"message"`
}

// Report summarizes a compensation pass. Step ids are listed in the order
// they were visited.
type Report struct {
	Compensated []string      `json:"compensated"`
	Skipped     []string      `json:"skipped"`
	Errors      []ActionError `json:"errors,omitempty"`
}

// OK reports whether every attempted compensation succeeded.
func (r *Report) OK() bool {
	return len(r.Errors) == 0
}

// Err aggregates every action error into one COMPENSATION_FAILED error, or nil.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	msg := fmt.Sprintf("compensation of step %s failed: %s", r.Errors[0].StepID, r.Errors[0].Message)
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("%d compensation actions failed", len(r.Errors))
	}
	return schema.NewError(schema.ErrCodeCompensation, msg).
		WithDetails(map[string]any{"errors": r.Errors})
}

// Map renders the report for storage in a run context.
func (r *Report) Map() map[string]any {
	errs := make([]any, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, map[string]any{
			"step_id": e.StepID,
			"action":  string(e.Action),
			"message": e.Message,
		})
	}
	return map[string]any{
		"compensated": toAny(r.Compensated),
		"skipped":     toAny(r.Skipped),
		"errors":      errs,
	}
}

func toAny(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}
