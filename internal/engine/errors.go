package engine

import (
	"encoding/json"
	"errors"

	"github.com/rendis/stepflow/internal/compensation"
	"github.com/rendis/stepflow/pkg/schema"
)

// runError is the JSON stored in store.Run.Error.
type runError struct {
	Code               string                     `json:"code"`
	Message            string                     `json:"message"`
	StepID             string                     `json:"step_id,omitempty"`
	Details            map[string]any             `json:"details,omitempty"`
	CompensationErrors []compensation.ActionError `json:"compensation_errors,omitempty"`
}

func toRunError(err error) runError {
	var se *schema.Error
	if errors.As(err, &se) {
		return runError{Code: se.Code, Message: se.Message, StepID: se.StepID, Details: se.Details}
	}
	return runError{Code: schema.ErrCodeStepFailed, Message: err.Error()}
}

func runErrorJSON(err error) json.RawMessage {
	b, _ := json.Marshal(toRunError(err))
	return b
}

// withCompensationErrors replaces the compensation errors of a stored run
// error, keeping the original failure.
func withCompensationErrors(raw json.RawMessage, errs []compensation.ActionError) json.RawMessage {
	var re runError
	if len(raw) == 0 || json.Unmarshal(raw, &re) != nil {
		re = runError{Code: schema.ErrCodeCompensation, Message: "compensation failed"}
	}
	re.CompensationErrors = errs
	b, _ := json.Marshal(re)
	return b
}

// RunErrorCode extracts the error code stored on a run, or "".
func RunErrorCode(raw json.RawMessage) string {
	var re runError
	if len(raw) == 0 || json.Unmarshal(raw, &re) != nil {
		return ""
	}
	return re.Code
}
