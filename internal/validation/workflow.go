package validation

import "github.com/rendis/stepflow/pkg/schema"

// WorkflowValidator runs the publish-time pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, per-type transition rules, handler config)
// 3. Reachability from the start step
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	checker    StepChecker
}

var _ Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator creates a WorkflowValidator. checker may be nil.
func NewWorkflowValidator(checker StepChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, checker: checker}, nil
}

// Validate runs all stages. Structural errors short-circuit the rest.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}
	result.Merge(CheckGraph(def, wv.checker))
	return result
}

func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

func (wv *WorkflowValidator) ValidatePayload(payload map[string]any, payloadSchema any) error {
	return wv.jsonSchema.ValidatePayload(payload, payloadSchema)
}

// Schemas exposes the underlying JSON Schema validator.
func (wv *WorkflowValidator) Schemas() *JSONSchemaValidator {
	return wv.jsonSchema
}

// CheckGraph runs the semantic and reachability stages only. The executor
// uses it at run start, where the definition comes from the version store.
func CheckGraph(def *schema.WorkflowDefinition, checker StepChecker) *schema.ValidationResult {
	result := validateSemantic(def, checker)
	if result.Valid() {
		result.Merge(validateReachability(def))
	}
	return result
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	serr, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := serr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, serr.Message)
	return result
}
