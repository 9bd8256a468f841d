package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks workflow definitions before they are published and
// payloads against the JSON Schemas steps declare.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidatePayload(payload map[string]any, payloadSchema any) error
}

// StepChecker validates a single step's type and configuration. The step
// handler registry satisfies it.
type StepChecker interface {
	ValidateStep(step *schema.StepDefinition) error
}
