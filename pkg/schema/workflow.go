package schema

// WorkflowDefinition is the JSON-serializable step graph of a published workflow version.
type WorkflowDefinition struct {
	Code     string           `json:"code"`
	Version  int              `json:"version"`
	Name     string           `json:"name,omitempty"`
	StartAt  string           `json:"startAt,omitempty"` // defaults to the Start step, then the first step
	Steps    []StepDefinition `json:"steps"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single node of the step graph.
type StepDefinition struct {
	ID           string               `json:"id"`
	Type         StepType             `json:"type"`
	Config       map[string]any       `json:"config,omitempty"`
	Transitions  []Transition         `json:"transitions,omitempty"`
	Compensation []CompensationAction `json:"compensation,omitempty"`
}

// Transition is a directed edge. Condition is a CEL expression and is only
// evaluated by Decision steps.
type Transition struct {
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// CompensationAction undoes the effect of a completed step.
type CompensationAction struct {
	Type   CompensationType `json:"type"`
	Config map[string]any   `json:"config,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeStart        StepType = "Start"
	StepTypeEnd          StepType = "End"
	StepTypeCalculation  StepType = "Calculation"
	StepTypeDecision     StepType = "Decision"
	StepTypeForm         StepType = "Form"
	StepTypeHumanTask    StepType = "HumanTask"
	StepTypeTimer        StepType = "Timer"
	StepTypeServiceTask  StepType = "ServiceTask"
	StepTypeWaitForEvent StepType = "WaitForEvent"
	StepTypeCompensation StepType = "Compensation"
)

// StepTypes lists every built-in step type.
var StepTypes = []StepType{
	StepTypeStart, StepTypeEnd, StepTypeCalculation, StepTypeDecision, StepTypeForm,
	StepTypeHumanTask, StepTypeTimer, StepTypeServiceTask, StepTypeWaitForEvent, StepTypeCompensation,
}

// CompensationType enumerates the supported compensation actions.
type CompensationType string

const (
	CompensationAPICall       CompensationType = "apiCall"
	CompensationEvent         CompensationType = "event"
	CompensationWalletReverse CompensationType = "walletReverse"
	CompensationPaymentRefund CompensationType = "paymentRefund"
)

// Step returns the step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// HasCompensation reports whether any step declares a compensation path.
func (d *WorkflowDefinition) HasCompensation() bool {
	for _, s := range d.Steps {
		if len(s.Compensation) > 0 {
			return true
		}
	}
	return false
}

// ConfigString returns a string config value, or "" when absent or not a string.
func (s *StepDefinition) ConfigString(key string) string {
	if s.Config == nil {
		return ""
	}
	v, _ := s.Config[key].(string)
	return v
}

// StartStepID resolves the step a run begins at: StartAt, else the first
// Start step, else the first step.
func (d *WorkflowDefinition) StartStepID() string {
	if d.StartAt != "" {
		return d.StartAt
	}
	for _, s := range d.Steps {
		if s.Type == StepTypeStart {
			return s.ID
		}
	}
	if len(d.Steps) > 0 {
		return d.Steps[0].ID
	}
	return ""
}

// Pauses reports whether steps of this type suspend the run until a signal arrives.
func (t StepType) Pauses() bool {
	switch t {
	case StepTypeForm, StepTypeHumanTask, StepTypeTimer, StepTypeWaitForEvent:
		return true
	}
	return false
}
