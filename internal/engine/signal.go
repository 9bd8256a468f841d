package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/stepflow/internal/document"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Signal outcomes recorded in the signal log.
const (
	SignalAccepted = "accepted"
	SignalIgnored  = "ignored"
)

// deterministic signal name prefixes that embed "<run>:<step>".
var signalPrefixes = []string{"timer:", "task:", "form:", "event:"}

func (e *executorImpl) Signal(ctx context.Context, req schema.SignalRequest) (*RunInfo, error) {
	if req.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "signal name is required")
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxConflictRetries; attempt++ {
		info, err := e.trySignal(ctx, req)
		if err == nil {
			return info, nil
		}
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, err
		}
		lastErr = err
		e.logger.DebugContext(ctx, "signal lost revision race, retrying", "signal", req.Name, "attempt", attempt+1)
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"signal %s: run kept changing after %d retries", req.Name, e.maxConflictRetries).WithCause(lastErr)
}

func (e *executorImpl) Cancel(ctx context.Context, runID, reason string) (*RunInfo, error) {
	if runID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "run_id is required")
	}
	req := schema.SignalRequest{Name: schema.SignalCancel, RunID: runID}
	if reason != "" {
		req.Payload = map[string]any{"reason": reason}
	}
	return e.Signal(ctx, req)
}

// trySignal applies req against freshly loaded state. A CONFLICT return
// means the run changed between load and checkpoint.
func (e *executorImpl) trySignal(ctx context.Context, req schema.SignalRequest) (*RunInfo, error) {
	run, err := e.locate(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(ctx, run.ID, run.CorrelationID)

	if req.IdempotencyKey != "" {
		seen, err := e.store.HasSignal(ctx, run.ID, req.IdempotencyKey)
		if err != nil {
			return nil, storeErr("check signal", err)
		}
		if seen {
			return ignored(run, "duplicate idempotency key"), nil
		}
	}

	if req.Name == schema.SignalCancel {
		return e.cancelRun(ctx, run, req)
	}

	switch {
	case run.Status != schema.RunStatusPaused:
		return e.ignore(ctx, run, req, "run is not paused")
	case req.StepID != "" && req.StepID != run.CurrentStepID:
		return e.ignore(ctx, run, req, "run is no longer at step "+req.StepID)
	case req.Name != schema.SignalResume && req.Name != run.AwaitingSignal:
		return e.ignore(ctx, run, req, "run is awaiting "+run.AwaitingSignal)
	}

	g, err := e.graphFor(ctx, run)
	if err != nil {
		return nil, err
	}
	step, ok := g.Step(run.CurrentStepID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeGraph, "current step %q is not in the graph", run.CurrentStepID)
	}
	ctx = logging.WithStepID(ctx, step.ID)

	if step.Type == schema.StepTypeForm && e.validator != nil {
		if payloadSchema, ok := step.Config["schema"]; ok {
			if err := e.validator.ValidatePayload(req.Payload, payloadSchema); err != nil {
				return nil, withStepID(err, step.ID)
			}
		}
	}
	if step.Type == schema.StepTypeTimer {
		t, err := e.store.GetTimer(ctx, run.AwaitingSignal)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, storeErr("get timer", err)
		}
		if t != nil && t.Status == schema.TimerStatusFired {
			return e.ignore(ctx, run, req, "timer already fired")
		}
	}

	active, err := e.activeStep(ctx, run)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "paused run has no running step %q", step.ID)
	}

	doc, err := document.Parse(run.Context)
	if err != nil {
		return nil, storeErr("parse run context", err)
	}
	if err := doc.Merge(req.Payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "signal payload is not mergeable").WithCause(err)
	}
	if err := checkRunTransition(run.ID, run.Status, schema.RunStatusRunning); err != nil {
		return nil, err
	}

	now := e.now()
	awaited := run.AwaitingSignal
	active.Status = schema.StepStatusCompleted
	active.CompletionSeq = run.NextSeq()
	active.CompletedAt = &now
	active.Output = marshalOutput(req.Payload)

	run.Context = doc.Bytes()
	run.Status = schema.RunStatusRunning
	run.AwaitingSignal = ""
	run.CurrentStepID = step.Transitions[0].To

	if err := e.commit(ctx, run, []*store.RunStep{active},
		newEvent(schema.EventSignalReceived, step.ID, map[string]any{"name": req.Name, "idempotency_key": req.IdempotencyKey}),
		newEvent(schema.EventStepCompleted, step.ID, map[string]any{"next_step_id": run.CurrentStepID}),
		newEvent(schema.EventRunResumed, step.ID, nil),
	); err != nil {
		return nil, err
	}
	e.record(ctx, run, req, SignalAccepted)
	if step.Type == schema.StepTypeTimer {
		if _, err := e.store.FireTimer(ctx, awaited, now); err != nil {
			e.logger.WarnContext(ctx, "mark timer fired failed", "signal", awaited, "error", err)
		}
	}
	e.logger.InfoContext(ctx, "run resumed", "signal", req.Name)

	if err := e.drive(ctx, run, g, nil); err != nil {
		return nil, err
	}
	return runInfo(run, false), nil
}

// cancelRun moves a Running or Paused run to Cancelled. The active step is
// marked Cancelled and no compensation runs.
func (e *executorImpl) cancelRun(ctx context.Context, run *store.Run, req schema.SignalRequest) (*RunInfo, error) {
	if run.Status.Terminal() {
		return e.ignore(ctx, run, req, "run already "+string(run.Status))
	}
	if err := checkRunTransition(run.ID, run.Status, schema.RunStatusCancelled); err != nil {
		return e.ignore(ctx, run, req, "run is "+string(run.Status))
	}

	history, err := e.store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return nil, storeErr("list run steps", err)
	}
	now := e.now()
	var cancelled []*store.RunStep
	for _, rs := range history {
		if rs.Status != schema.StepStatusRunning {
			continue
		}
		rs.Status = schema.StepStatusCancelled
		rs.CompletedAt = &now
		cancelled = append(cancelled, rs)
	}

	reason, _ := req.Payload["reason"].(string)
	run.Status = schema.RunStatusCancelled
	run.AwaitingSignal = ""
	run.CompletedAt = &now
	if err := e.commit(ctx, run, cancelled,
		newEvent(schema.EventSignalReceived, run.CurrentStepID, map[string]any{"name": req.Name, "idempotency_key": req.IdempotencyKey}),
		newEvent(schema.EventRunCancelled, run.CurrentStepID, map[string]any{"reason": reason}),
	); err != nil {
		return nil, err
	}
	e.record(ctx, run, req, SignalAccepted)
	e.logger.InfoContext(ctx, "run cancelled", "reason", reason)
	return runInfo(run, false), nil
}

// locate resolves the run a signal addresses: by run id, by correlation id,
// by the run id embedded in a deterministic signal name, or as the single
// paused run awaiting the signal.
func (e *executorImpl) locate(ctx context.Context, req schema.SignalRequest) (*store.Run, error) {
	if req.RunID != "" {
		return e.store.GetRun(ctx, req.RunID)
	}
	if req.CorrelationID != "" {
		return e.store.FindRunByCorrelation(ctx, req.CorrelationID)
	}
	if runID := runIDFromSignal(req.Name); runID != "" {
		return e.store.GetRun(ctx, runID)
	}

	paused := schema.RunStatusPaused
	runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: &paused, AwaitingSignal: req.Name, Limit: 2})
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	switch len(runs) {
	case 0:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no paused run awaits signal %q", req.Name)
	case 1:
		return runs[0], nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation,
		"signal %q matches several paused runs; address it by run_id or correlation_id", req.Name)
}

// runIDFromSignal parses "<prefix><run>:<step>" names.
func runIDFromSignal(name string) string {
	for _, p := range signalPrefixes {
		rest, ok := strings.CutPrefix(name, p)
		if !ok {
			continue
		}
		if runID, _, ok := strings.Cut(rest, ":"); ok {
			return runID
		}
	}
	return ""
}

func (e *executorImpl) ignore(ctx context.Context, run *store.Run, req schema.SignalRequest, reason string) (*RunInfo, error) {
	// Ignored signals do not claim the idempotency key.
	req.IdempotencyKey = ""
	e.record(ctx, run, req, SignalIgnored)
	e.appendEvents(ctx, run, newEvent(schema.EventSignalIgnored, run.CurrentStepID, map[string]any{
		"name":   req.Name,
		"reason": reason,
	}))
	e.logger.InfoContext(ctx, "signal ignored", "signal", req.Name, "reason", reason)
	return ignored(run, reason), nil
}

func (e *executorImpl) record(ctx context.Context, run *store.Run, req schema.SignalRequest, outcome string) {
	rec := &store.SignalRecord{
		RunID:          run.ID,
		Name:           req.Name,
		StepID:         req.StepID,
		IdempotencyKey: req.IdempotencyKey,
		Outcome:        outcome,
		ReceivedAt:     e.now(),
	}
	if len(req.Payload) > 0 {
		rec.Payload, _ = json.Marshal(req.Payload)
	}
	if _, err := e.store.RecordSignal(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "record signal failed", "signal", req.Name, "error", err)
	}
}

func ignored(run *store.Run, reason string) *RunInfo {
	info := runInfo(run, false)
	info.Ignored = true
	info.Reason = reason
	return info
}

func withStepID(err error, stepID string) error {
	if se, ok := err.(*schema.Error); ok && se.StepID == "" {
		return se.WithStep(stepID)
	}
	return err
}
