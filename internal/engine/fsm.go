package engine

import (
	"slices"

	"github.com/rendis/stepflow/pkg/schema"
)

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusPaused, schema.RunStatusCompleted, schema.RunStatusFailed,
		schema.RunStatusCancelled, schema.RunStatusCompensating,
	},
	schema.RunStatusPaused:       {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusFailed:       {schema.RunStatusCompensating},
	schema.RunStatusCompensating: {schema.RunStatusCompensated, schema.RunStatusFailed},
	schema.RunStatusCompleted:    {},
	schema.RunStatusCancelled:    {},
	schema.RunStatusCompensated:  {},
}

// ValidStepTransitions defines the allowed state transitions for run steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:     {schema.StepStatusRunning, schema.StepStatusCancelled},
	schema.StepStatusRunning:     {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusCompleted:   {schema.StepStatusCompensated},
	schema.StepStatusFailed:      {},
	schema.StepStatusCompensated: {},
	schema.StepStatusCancelled:   {},
}

// checkRunTransition validates a run status change.
func checkRunTransition(runID string, from, to schema.RunStatus) error {
	if slices.Contains(ValidRunTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
}

// checkStepTransition validates a run step status change.
func checkStepTransition(stepID string, from, to schema.StepStatus) error {
	if slices.Contains(ValidStepTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid step transition: %s -> %s", from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunResumed
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	case schema.RunStatusCompensating:
		return schema.EventRunCompensating
	case schema.RunStatusCompensated:
		return schema.EventRunCompensated
	}
	return ""
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusCompensated:
		return schema.EventStepCompensated
	}
	return ""
}
