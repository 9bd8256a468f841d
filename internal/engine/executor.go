package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/internal/compensation"
	"github.com/rendis/stepflow/internal/document"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/outbox"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Executor is the central workflow execution coordinator.
type Executor interface {
	// Publish validates a definition and stores it as a new immutable version.
	// A zero version is assigned the next free number.
	Publish(ctx context.Context, def *schema.WorkflowDefinition) (*store.WorkflowVersion, error)

	// Start creates a run of a published version and drives it until it
	// pauses, completes or fails.
	Start(ctx context.Context, req StartRequest) (*RunInfo, error)

	// Signal delivers an external message to a run. Signals that do not apply
	// to the run's current state are no-ops and return RunInfo.Ignored.
	Signal(ctx context.Context, req schema.SignalRequest) (*RunInfo, error)

	// Cancel is shorthand for the Cancel signal addressed by run id.
	Cancel(ctx context.Context, runID, reason string) (*RunInfo, error)

	// Status returns the current state of a run, including its context.
	Status(ctx context.Context, runID string) (*RunInfo, error)

	// History returns the run's step visits in the order they started.
	History(ctx context.Context, runID string) ([]*store.RunStep, error)

	// Events returns the run's event log after sequence since.
	Events(ctx context.Context, runID string, since int64) ([]*store.Event, error)

	// Recover re-drives a run interrupted while Running or Compensating.
	// Interrupted steps are re-executed under their original execution key.
	Recover(ctx context.Context, runID string) (*RunInfo, error)

	// Compensate runs the compensation path of a Failed run.
	Compensate(ctx context.Context, runID string) (*RunInfo, error)
}

// StartRequest identifies the version to run and its initial context.
// Version 0 selects the latest published version.
type StartRequest struct {
	DefinitionCode string         `json:"definition_code"`
	Version        int            `json:"version,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// RunInfo is a snapshot of a run returned by every operation.
type RunInfo struct {
	RunID          string           `json:"run_id"`
	DefinitionCode string           `json:"definition_code"`
	Version        int              `json:"version"`
	Status         schema.RunStatus `json:"status"`
	CurrentStepID  string           `json:"current_step_id,omitempty"`
	AwaitingSignal string           `json:"awaiting_signal,omitempty"`
	CorrelationID  string           `json:"correlation_id,omitempty"`
	Context        map[string]any   `json:"context,omitempty"`
	Error          json.RawMessage  `json:"error,omitempty"`
	Ignored        bool             `json:"ignored,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

const (
	// DefaultMaxSteps bounds the steps one invocation may execute.
	DefaultMaxSteps = 1000
	// DefaultMaxConflictRetries bounds signal retries after a lost revision race.
	DefaultMaxConflictRetries = 5
)

// Config holds the executor's collaborators. Store and Registry are required.
type Config struct {
	Store       store.Store
	Registry    *steps.Registry
	Compensator steps.Compensator
	// Validator checks definitions on Publish and Form payloads on resume.
	Validator validation.Validator
	// Outbox, when set, receives WorkflowRunCompleted and WorkflowRunFailed.
	Outbox outbox.Outbox
	Clock  clock.PassiveClock
	Logger *slog.Logger

	MaxSteps           int
	MaxConflictRetries int
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store       store.Store
	registry    *steps.Registry
	compensator steps.Compensator
	validator   validation.Validator
	outbox      outbox.Outbox
	clock       clock.PassiveClock
	logger      *slog.Logger

	maxSteps           int
	maxConflictRetries int

	// mu guards graphs.
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewExecutor creates a new Executor with the given dependencies.
func NewExecutor(cfg Config) (Executor, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a store")
	}
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a step registry")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = DefaultMaxConflictRetries
	}
	return &executorImpl{
		store:              cfg.Store,
		registry:           cfg.Registry,
		compensator:        cfg.Compensator,
		validator:          cfg.Validator,
		outbox:             cfg.Outbox,
		clock:              cfg.Clock,
		logger:             cfg.Logger,
		maxSteps:           cfg.MaxSteps,
		maxConflictRetries: cfg.MaxConflictRetries,
		graphs:             make(map[string]*Graph),
	}, nil
}

// --- Publish ---

func (e *executorImpl) Publish(ctx context.Context, def *schema.WorkflowDefinition) (*store.WorkflowVersion, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is required")
	}
	if e.validator != nil {
		if err := e.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	if _, err := ParseGraph(def, e.registry); err != nil {
		return nil, err
	}

	version := def.Version
	if version == 0 {
		existing, err := e.store.ListVersions(ctx, def.Code)
		if err != nil {
			return nil, storeErr("list versions", err)
		}
		for _, v := range existing {
			version = max(version, v.Version)
		}
		version++
	}

	published := *def
	published.Version = version
	ver := &store.WorkflowVersion{
		Code:        def.Code,
		Version:     version,
		Definition:  published,
		PublishedAt: e.now(),
	}
	if err := e.store.SaveVersion(ctx, ver); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "workflow version published", "code", ver.Code, "version", ver.Version)
	return ver, nil
}

// --- Start ---

func (e *executorImpl) Start(ctx context.Context, req StartRequest) (*RunInfo, error) {
	if req.DefinitionCode == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition_code is required")
	}

	if req.IdempotencyKey != "" {
		rec, err := e.store.GetIdempotencyRecord(ctx, startKey(req.IdempotencyKey))
		switch {
		case err == nil:
			var runID string
			if err := json.Unmarshal(rec.Result, &runID); err != nil {
				return nil, storeErr("decode start idempotency record", err)
			}
			return e.Status(ctx, runID)
		case !schema.IsCode(err, schema.ErrCodeNotFound):
			return nil, storeErr("get start idempotency record", err)
		}
	}

	ver, err := e.store.GetPublishedVersion(ctx, req.DefinitionCode, req.Version)
	if err != nil {
		return nil, err
	}
	g, err := e.graphOf(ver)
	if err != nil {
		return nil, err
	}

	doc, err := document.FromMap(req.Context)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "initial context is not a JSON object").WithCause(err)
	}

	now := e.now()
	run := &store.Run{
		ID:             uuid.NewString(),
		DefinitionCode: ver.Code,
		Version:        ver.Version,
		Status:         schema.RunStatusRunning,
		CurrentStepID:  g.StartID,
		Context:        doc.Bytes(),
		CorrelationID:  req.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.IdempotencyKey == "" {
		if err := e.store.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	} else {
		owner, err := e.store.CreateRunOnce(ctx, run, startKey(req.IdempotencyKey))
		if err != nil {
			return nil, storeErr("create run", err)
		}
		if owner != run.ID {
			e.logger.DebugContext(ctx, "start lost idempotency race", "idempotency_key", req.IdempotencyKey, "run_id", owner)
			return e.Status(ctx, owner)
		}
	}

	ctx = logging.WithRun(ctx, run.ID, run.CorrelationID)
	e.appendEvents(ctx, run, newEvent(schema.EventRunStarted, "", map[string]any{
		"definition_code": run.DefinitionCode,
		"version":         run.Version,
		"start_step_id":   g.StartID,
	}))
	e.logger.InfoContext(ctx, "run started", "code", run.DefinitionCode, "version", run.Version)

	if err := e.drive(ctx, run, g, nil); err != nil {
		return nil, err
	}
	return runInfo(run, false), nil
}

// --- Queries ---

func (e *executorImpl) Status(ctx context.Context, runID string) (*RunInfo, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return runInfo(run, true), nil
}

func (e *executorImpl) History(ctx context.Context, runID string) ([]*store.RunStep, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListRunSteps(ctx, runID)
}

func (e *executorImpl) Events(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, runID, since)
}

// --- Recovery ---

func (e *executorImpl) Recover(ctx context.Context, runID string) (*RunInfo, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(ctx, run.ID, run.CorrelationID)

	switch run.Status {
	case schema.RunStatusRunning:
		g, err := e.graphFor(ctx, run)
		if err != nil {
			return nil, err
		}
		active, err := e.activeStep(ctx, run)
		if err != nil {
			return nil, err
		}
		e.logger.InfoContext(ctx, "recovering run", "step_id", run.CurrentStepID, "reuse_step", active != nil)
		if err := e.drive(ctx, run, g, active); err != nil {
			return nil, err
		}
	case schema.RunStatusCompensating:
		e.logger.InfoContext(ctx, "resuming interrupted compensation")
		if err := e.compensate(ctx, run); err != nil {
			return nil, err
		}
	}
	return runInfo(run, false), nil
}

func (e *executorImpl) Compensate(ctx context.Context, runID string) (*RunInfo, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(ctx, run.ID, run.CorrelationID)

	if err := checkRunTransition(run.ID, run.Status, schema.RunStatusCompensating); err != nil {
		return nil, err
	}
	g, err := e.graphFor(ctx, run)
	if err != nil {
		return nil, err
	}
	if !g.Definition.HasCompensation() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s@%d declares no compensation", run.DefinitionCode, run.Version)
	}

	run.Status = schema.RunStatusCompensating
	run.CompletedAt = nil
	if err := e.commit(ctx, run, nil, newEvent(schema.EventRunCompensating, "", nil)); err != nil {
		return nil, err
	}
	if err := e.compensate(ctx, run); err != nil {
		return nil, err
	}
	return runInfo(run, false), nil
}

// --- Drive loop ---

// drive executes steps until the run leaves Running. active is a Running
// RunStep of the current step to re-execute instead of starting a new visit.
func (e *executorImpl) drive(ctx context.Context, run *store.Run, g *Graph, active *store.RunStep) error {
	for executed := 0; run.Status == schema.RunStatusRunning; executed++ {
		if executed >= e.maxSteps {
			return e.fail(ctx, run, g, nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"step budget of %d exceeded", e.maxSteps).WithStep(run.CurrentStepID))
		}

		step, ok := g.Step(run.CurrentStepID)
		if !ok {
			return e.fail(ctx, run, g, active, schema.NewErrorf(schema.ErrCodeGraph,
				"current step %q is not in the graph", run.CurrentStepID))
		}
		stepCtx := logging.WithStepID(ctx, step.ID)

		if active == nil || active.StepID != step.ID || active.Status != schema.StepStatusRunning {
			rs, err := e.beginStep(stepCtx, run, step)
			if err != nil {
				return e.stopOnConflict(ctx, run, err)
			}
			active = rs
		}

		res := e.dispatch(stepCtx, run, active, step)
		e.logger.DebugContext(stepCtx, "step executed", "type", string(step.Type), "outcome", res.Outcome.String())

		var err error
		switch res.Outcome {
		case steps.OutcomeSuccess:
			err = e.completeStep(stepCtx, run, g, active, step, res)
			active = nil
		case steps.OutcomePause:
			err = e.pause(stepCtx, run, active, res.AwaitSignal)
		default:
			cause := res.Err
			if cause == nil {
				cause = schema.NewError(schema.ErrCodeStepFailed, "step failed").WithStep(step.ID)
			}
			return e.fail(stepCtx, run, g, active, cause)
		}
		if err != nil {
			return e.stopOnConflict(ctx, run, err)
		}
	}
	return nil
}

func (e *executorImpl) beginStep(ctx context.Context, run *store.Run, step *schema.StepDefinition) (*store.RunStep, error) {
	if err := checkStepTransition(step.ID, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		return nil, err
	}
	visits, err := e.store.CountRunSteps(ctx, run.ID, step.ID)
	if err != nil {
		return nil, storeErr("count run steps", err)
	}
	attempt := visits + 1
	rs := &store.RunStep{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		StepID:       step.ID,
		StepType:     step.Type,
		Status:       schema.StepStatusRunning,
		Attempt:      attempt,
		ExecutionKey: store.ExecutionKey(run.ID, step.ID, attempt),
		Position:     run.NextSeq(),
		StartedAt:    e.now(),
	}
	if err := e.commit(ctx, run, []*store.RunStep{rs}, newEvent(stepEventType(rs.Status), step.ID, map[string]any{
		"step_type":     string(step.Type),
		"attempt":       attempt,
		"execution_key": rs.ExecutionKey,
	})); err != nil {
		return nil, err
	}
	return rs, nil
}

// dispatch runs the step's handler on a private copy of the context.
func (e *executorImpl) dispatch(ctx context.Context, run *store.Run, rs *store.RunStep, step *schema.StepDefinition) (res steps.Result) {
	h, err := e.registry.Get(step.Type)
	if err != nil {
		return steps.Failure(err)
	}
	doc, err := document.Parse(run.Context)
	if err != nil {
		return steps.Failure(schema.NewError(schema.ErrCodeStepFailed, "run context is corrupt").WithStep(step.ID).WithCause(err))
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "step handler panicked", "panic", fmt.Sprint(r))
			res = steps.Failure(schema.NewErrorf(schema.ErrCodeStepFailed, "handler panic: %v", r).WithStep(step.ID))
		}
	}()
	return h.Execute(ctx, &steps.Execution{Run: run, RunStep: rs, Step: step, Context: doc})
}

func (e *executorImpl) completeStep(ctx context.Context, run *store.Run, g *Graph, rs *store.RunStep, step *schema.StepDefinition, res steps.Result) error {
	doc, err := document.Parse(run.Context)
	if err != nil {
		return e.fail(ctx, run, g, rs, schema.NewError(schema.ErrCodeStepFailed, "run context is corrupt").WithStep(step.ID).WithCause(err))
	}
	if err := doc.Merge(res.Output); err != nil {
		return e.fail(ctx, run, g, rs, schema.NewError(schema.ErrCodeStepFailed, "step output is not mergeable").WithStep(step.ID).WithCause(err))
	}
	if res.NextStepID != "" {
		if _, ok := g.Step(res.NextStepID); !ok {
			return e.fail(ctx, run, g, rs, schema.NewErrorf(schema.ErrCodeGraph,
				"transition to unknown step %q", res.NextStepID).WithStep(step.ID))
		}
	}
	if err := checkStepTransition(step.ID, rs.Status, schema.StepStatusCompleted); err != nil {
		return err
	}

	now := e.now()
	rs.Status = schema.StepStatusCompleted
	rs.CompletionSeq = run.NextSeq()
	rs.CompletedAt = &now
	rs.Output = marshalOutput(res.Output)
	run.Context = doc.Bytes()

	events := []*store.Event{newEvent(schema.EventStepCompleted, step.ID, map[string]any{"next_step_id": res.NextStepID})}
	if res.NextStepID == "" {
		if err := checkRunTransition(run.ID, run.Status, schema.RunStatusCompleted); err != nil {
			return err
		}
		run.Status = schema.RunStatusCompleted
		run.CompletedAt = &now
		events = append(events, newEvent(schema.EventRunCompleted, step.ID, nil))
	} else {
		run.CurrentStepID = res.NextStepID
	}

	if err := e.commit(ctx, run, []*store.RunStep{rs}, events...); err != nil {
		return err
	}
	if run.Status == schema.RunStatusCompleted {
		e.logger.InfoContext(ctx, "run completed")
		e.notify(ctx, run)
	}
	return nil
}

func (e *executorImpl) pause(ctx context.Context, run *store.Run, rs *store.RunStep, signal string) error {
	if err := checkRunTransition(run.ID, run.Status, schema.RunStatusPaused); err != nil {
		return err
	}
	run.Status = schema.RunStatusPaused
	run.AwaitingSignal = signal
	if err := e.commit(ctx, run, nil, newEvent(schema.EventRunPaused, rs.StepID, map[string]any{"awaiting_signal": signal})); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "run paused", "awaiting_signal", signal)
	return nil
}

// fail marks rs and the run Failed, then compensates when the workflow
// declares a compensation path.
func (e *executorImpl) fail(ctx context.Context, run *store.Run, g *Graph, rs *store.RunStep, cause error) error {
	now := e.now()
	var saved []*store.RunStep
	var events []*store.Event

	if rs != nil && rs.Status == schema.StepStatusRunning {
		rs.Status = schema.StepStatusFailed
		rs.Error = cause.Error()
		rs.CompletedAt = &now
		saved = append(saved, rs)
		events = append(events, newEvent(schema.EventStepFailed, rs.StepID, map[string]any{"error": cause.Error()}))
	}

	// A run with compensation passes through Failed on its way to
	// Compensating; both transitions land in one checkpoint.
	if err := checkRunTransition(run.ID, run.Status, schema.RunStatusFailed); err != nil {
		return err
	}
	events = append(events, newEvent(schema.EventRunFailed, run.CurrentStepID, map[string]any{"error": cause.Error()}))
	target := schema.RunStatusFailed
	if g != nil && g.Definition.HasCompensation() {
		if err := checkRunTransition(run.ID, schema.RunStatusFailed, schema.RunStatusCompensating); err != nil {
			return err
		}
		target = schema.RunStatusCompensating
		events = append(events, newEvent(schema.EventRunCompensating, run.CurrentStepID, nil))
	}

	run.Status = target
	run.AwaitingSignal = ""
	run.Error = runErrorJSON(cause)
	if target == schema.RunStatusFailed {
		run.CompletedAt = &now
	}

	if err := e.commit(ctx, run, saved, events...); err != nil {
		return e.stopOnConflict(ctx, run, err)
	}
	e.logger.WarnContext(ctx, "run failed", "error", cause.Error(), "compensating", target == schema.RunStatusCompensating)

	if target == schema.RunStatusCompensating {
		return e.compensate(ctx, run)
	}
	e.notify(ctx, run)
	return nil
}

// compensate finishes a Compensating run as Compensated, or Failed with the
// compensation errors appended to the original failure.
func (e *executorImpl) compensate(ctx context.Context, run *store.Run) error {
	var report *compensation.Report
	if e.compensator == nil {
		report = &compensation.Report{Errors: []compensation.ActionError{{Message: "no compensator configured"}}}
	} else {
		r, err := e.compensator.Compensate(ctx, run)
		if err != nil {
			r = &compensation.Report{Errors: []compensation.ActionError{{Message: err.Error()}}}
		}
		report = r
	}

	now := e.now()
	run.CompletedAt = &now
	var event *store.Event
	if report.OK() {
		run.Status = schema.RunStatusCompensated
		event = newEvent(schema.EventRunCompensated, "", report.Map())
	} else {
		run.Status = schema.RunStatusFailed
		run.Error = withCompensationErrors(run.Error, report.Errors)
		event = newEvent(schema.EventRunFailed, "", report.Map())
	}

	if err := e.commit(ctx, run, nil, event); err != nil {
		return e.stopOnConflict(ctx, run, err)
	}
	e.logger.InfoContext(ctx, "compensation finished",
		"status", string(run.Status), "compensated", len(report.Compensated), "errors", len(report.Errors))
	e.notify(ctx, run)
	return nil
}

// --- Persistence helpers ---

// commit checkpoints the run and steps, then appends events. Event log
// failures are logged; the checkpoint is the source of truth.
func (e *executorImpl) commit(ctx context.Context, run *store.Run, runSteps []*store.RunStep, events ...*store.Event) error {
	run.UpdatedAt = e.now()
	if err := e.store.Checkpoint(ctx, run, runSteps...); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return err
		}
		return storeErr("checkpoint run", err)
	}
	e.appendEvents(ctx, run, events...)
	return nil
}

func (e *executorImpl) appendEvents(ctx context.Context, run *store.Run, events ...*store.Event) {
	for _, ev := range events {
		ev.RunID = run.ID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = e.now()
		}
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "append event failed", "event_type", ev.Type, "error", err)
		}
	}
}

// stopOnConflict reloads a run whose revision moved under the loop. The
// loop stops; whoever won the race owns the run.
func (e *executorImpl) stopOnConflict(ctx context.Context, run *store.Run, err error) error {
	if !schema.IsCode(err, schema.ErrCodeConflict) {
		return err
	}
	fresh, gerr := e.store.GetRun(ctx, run.ID)
	if gerr != nil {
		return storeErr("reload run", gerr)
	}
	*run = *fresh
	e.logger.InfoContext(ctx, "run changed concurrently, stopping", "status", string(run.Status))
	return nil
}

// activeStep returns the Running RunStep of the run's current step, or nil.
func (e *executorImpl) activeStep(ctx context.Context, run *store.Run) (*store.RunStep, error) {
	history, err := e.store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return nil, storeErr("list run steps", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		rs := history[i]
		if rs.StepID == run.CurrentStepID && rs.Status == schema.StepStatusRunning {
			return rs, nil
		}
	}
	return nil, nil
}

// notify emits the run's terminal integration event.
func (e *executorImpl) notify(ctx context.Context, run *store.Run) {
	if e.outbox == nil {
		return
	}
	eventType := schema.OutboxRunFailed
	if run.Status == schema.RunStatusCompleted {
		eventType = schema.OutboxRunCompleted
	}
	payload := map[string]any{
		"run_id":          run.ID,
		"definition_code": run.DefinitionCode,
		"version":         run.Version,
		"status":          string(run.Status),
		"correlation_id":  run.CorrelationID,
	}
	if len(run.Error) > 0 {
		payload["error"] = run.Error
	}
	if err := e.outbox.Add(ctx, eventType, payload, run.CorrelationID); err != nil {
		e.logger.WarnContext(ctx, "outbox add failed", "event_type", eventType, "error", err)
	}
}

// --- Graph cache ---

func (e *executorImpl) graphFor(ctx context.Context, run *store.Run) (*Graph, error) {
	e.mu.RLock()
	g, ok := e.graphs[graphKey(run.DefinitionCode, run.Version)]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}
	ver, err := e.store.GetPublishedVersion(ctx, run.DefinitionCode, run.Version)
	if err != nil {
		return nil, err
	}
	return e.graphOf(ver)
}

func (e *executorImpl) graphOf(ver *store.WorkflowVersion) (*Graph, error) {
	key := graphKey(ver.Code, ver.Version)

	e.mu.RLock()
	g, ok := e.graphs[key]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.graphs[key]; ok {
		return g, nil
	}
	def := ver.Definition
	g, err := ParseGraph(&def, e.registry)
	if err != nil {
		return nil, err
	}
	e.graphs[key] = g
	return g, nil
}

func graphKey(code string, version int) string {
	return fmt.Sprintf("%s@%d", code, version)
}

// --- Small helpers ---

func (e *executorImpl) now() time.Time {
	return e.clock.Now().UTC()
}

func startKey(idempotencyKey string) string {
	return "start:" + idempotencyKey
}

func newEvent(eventType, stepID string, payload map[string]any) *store.Event {
	ev := &store.Event{Type: eventType, StepID: stepID}
	if payload != nil {
		ev.Payload, _ = json.Marshal(payload)
	}
	return ev
}

func marshalOutput(out map[string]any) json.RawMessage {
	if len(out) == 0 {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return b
}

func storeErr(op string, err error) error {
	var se *schema.Error
	if errors.As(err, &se) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func runInfo(run *store.Run, withContext bool) *RunInfo {
	info := &RunInfo{
		RunID:          run.ID,
		DefinitionCode: run.DefinitionCode,
		Version:        run.Version,
		Status:         run.Status,
		CurrentStepID:  run.CurrentStepID,
		AwaitingSignal: run.AwaitingSignal,
		CorrelationID:  run.CorrelationID,
		Error:          run.Error,
	}
	if withContext {
		if doc, err := document.Parse(run.Context); err == nil {
			info.Context = doc.Map()
		}
	}
	return info
}
