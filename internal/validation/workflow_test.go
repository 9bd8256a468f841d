package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

type checkerFunc func(step *schema.StepDefinition) error

func (f checkerFunc) ValidateStep(step *schema.StepDefinition) error { return f(step) }

func linear() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Code: "linear",
		Steps: []schema.StepDefinition{
			{ID: "start", Type: schema.StepTypeStart, Transitions: []schema.Transition{{To: "calc"}}},
			{ID: "calc", Type: schema.StepTypeCalculation, Transitions: []schema.Transition{{To: "end"}}},
			{ID: "end", Type: schema.StepTypeEnd},
		},
	}
}

func errorMessages(r *schema.ValidationResult) []string {
	var out []string
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

func TestWorkflowValidator_Valid(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	r := wv.Validate(linear())
	assert.True(t, r.Valid(), errorMessages(r))
	assert.Empty(t, r.Warnings)
	assert.NoError(t, wv.ValidateDefinition(linear()))
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	called := false
	wv, err := NewWorkflowValidator(checkerFunc(func(*schema.StepDefinition) error {
		called = true
		return nil
	}))
	require.NoError(t, err)

	def := linear()
	def.Steps[1].Type = "Bogus"
	r := wv.Validate(def)
	assert.False(t, r.Valid())
	assert.False(t, called)

	assert.False(t, wv.Validate(nil).Valid())
}

func TestCheckGraph_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *schema.WorkflowDefinition)
		want   string
	}{
		{"dangling transition", func(d *schema.WorkflowDefinition) {
			d.Steps[1].Transitions = []schema.Transition{{To: "nowhere"}}
		}, `step "calc" transitions to unknown step "nowhere"`},
		{"duplicate id", func(d *schema.WorkflowDefinition) {
			d.Steps[2].ID = "calc"
		}, `duplicate step id "calc"`},
		{"missing start", func(d *schema.WorkflowDefinition) {
			d.StartAt = "ghost"
		}, `start step "ghost" does not exist`},
		{"dead end", func(d *schema.WorkflowDefinition) {
			d.Steps[1].Transitions = nil
		}, `step "calc" has no transitions and is not an End step`},
		{"pausing step with two transitions", func(d *schema.WorkflowDefinition) {
			d.Steps[1].Type = schema.StepTypeForm
			d.Steps[1].Transitions = []schema.Transition{{To: "end"}, {To: "start"}}
		}, `Form step "calc" must declare exactly one transition, has 2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := linear()
			tt.mutate(def)
			r := CheckGraph(def, nil)
			assert.Contains(t, errorMessages(r), tt.want)
			assert.True(t, schema.IsCode(r.ToError(), schema.ErrCodeGraph))
		})
	}
}

func TestCheckGraph_NoEndReachable(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Code: "loop",
		Steps: []schema.StepDefinition{
			{ID: "a", Type: schema.StepTypeStart, Transitions: []schema.Transition{{To: "b"}}},
			{ID: "b", Type: schema.StepTypeCalculation, Transitions: []schema.Transition{{To: "a"}}},
			{ID: "end", Type: schema.StepTypeEnd},
		},
	}
	r := CheckGraph(def, nil)
	assert.Contains(t, errorMessages(r), `no End step is reachable from start step "a"`)
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0].Message, `"end"`)
}

func TestCheckGraph_Warnings(t *testing.T) {
	def := linear()
	def.Steps[1].Transitions[0].Condition = "true"
	def.Steps[2].Transitions = []schema.Transition{{To: "start"}}

	r := CheckGraph(def, nil)
	assert.True(t, r.Valid())
	assert.Len(t, r.Warnings, 2)
}

func TestCheckGraph_StepChecker(t *testing.T) {
	checker := checkerFunc(func(step *schema.StepDefinition) error {
		if step.Type == schema.StepTypeCalculation {
			return errors.New("calculation needs an expression")
		}
		return nil
	})
	r := CheckGraph(linear(), checker)
	require.False(t, r.Valid())
	assert.Equal(t, "steps[1]", r.Errors[0].Path)
	assert.Contains(t, r.Errors[0].Message, "calculation needs an expression")
}
