package schema

import "fmt"

// Generic signal names understood by every paused run.
const (
	SignalResume = "Resume"
	SignalCancel = "Cancel"
)

// SignalRequest is an external message addressed to a run.
// RunID takes precedence over CorrelationID; when both are empty the run is
// located by the signal name it is awaiting.
type SignalRequest struct {
	Name           string         `json:"name"`
	RunID          string         `json:"run_id,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	StepID         string         `json:"step_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// TimerSignalName is the deterministic signal a timer fires for a step of a run.
func TimerSignalName(runID, stepID string) string {
	return fmt.Sprintf("timer:%s:%s", runID, stepID)
}

// TaskSignalName is the signal that completes a human task.
func TaskSignalName(runID, stepID string) string {
	return fmt.Sprintf("task:%s:%s", runID, stepID)
}

// FormSignalName is the default signal a Form step waits for.
func FormSignalName(runID, stepID string) string {
	return fmt.Sprintf("form:%s:%s", runID, stepID)
}

// EventSignalName is the default signal a WaitForEvent step waits for.
func EventSignalName(runID, stepID string) string {
	return fmt.Sprintf("event:%s:%s", runID, stepID)
}
