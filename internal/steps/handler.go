// Package steps holds the step handler contract, the registry that dispatches
// on step type and the built-in handlers.
package steps

import (
	"context"

	"github.com/rendis/stepflow/internal/compensation"
	"github.com/rendis/stepflow/internal/document"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Outcome classifies a handler Result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePause
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePause:
		return "pause"
	case OutcomeFailure:
		return "failure"
	}
	return "unknown"
}

// Result is what a handler returns to the executor.
type Result struct {
	Outcome Outcome
	// NextStepID is empty on a Success that ends the run.
	NextStepID string
	// Output is merged into the run context on Success.
	Output map[string]any
	// AwaitSignal is the signal a paused step waits for.
	AwaitSignal string
	Err         error
}

func Success(next string, output map[string]any) Result {
	return Result{Outcome: OutcomeSuccess, NextStepID: next, Output: output}
}

func Pause(awaitSignal string) Result {
	return Result{Outcome: OutcomePause, AwaitSignal: awaitSignal}
}

func Failure(err error) Result {
	return Result{Outcome: OutcomeFailure, Err: err}
}

// Execution is the input of one handler invocation. Context is a private
// copy; handlers report changes through Result.Output.
type Execution struct {
	Run     *store.Run
	RunStep *store.RunStep
	Step    *schema.StepDefinition
	Context *document.Document
}

// Vars returns the variables expressions and mappings see.
func (e *Execution) Vars() map[string]any {
	return map[string]any{
		"context": e.Context.Map(),
		"run":     RunVars(e.Run),
	}
}

// RunVars exposes run metadata to expressions.
func RunVars(run *store.Run) map[string]any {
	if run == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":              run.ID,
		"definition_code": run.DefinitionCode,
		"version":         run.Version,
		"correlation_id":  run.CorrelationID,
		"current_step_id": run.CurrentStepID,
	}
}

// Handler implements one step type.
type Handler interface {
	Type() schema.StepType
	// Validate checks the step's configuration when the graph is parsed.
	Validate(step *schema.StepDefinition) error
	Execute(ctx context.Context, exec *Execution) Result
}

// Compensator runs the compensation of a run. *compensation.Executor satisfies it.
type Compensator interface {
	Compensate(ctx context.Context, run *store.Run) (*compensation.Report, error)
}

// next returns the target of the step's first transition, or "".
func next(step *schema.StepDefinition) string {
	if len(step.Transitions) == 0 {
		return ""
	}
	return step.Transitions[0].To
}

func stepErr(code string, step *schema.StepDefinition, format string, args ...any) *schema.Error {
	return schema.NewErrorf(code, format, args...).WithStep(step.ID)
}
