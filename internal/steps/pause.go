package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/internal/outbox"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// FormHandler pauses until the form is submitted. config.signal overrides the
// default signal name; config.schema is checked against the submitted payload
// when the run resumes.
type FormHandler struct {
	schemas SchemaChecker
}

func (h *FormHandler) Type() schema.StepType { return schema.StepTypeForm }

func (h *FormHandler) Validate(step *schema.StepDefinition) error {
	s, ok := step.Config["schema"]
	if !ok || s == nil || h.schemas == nil {
		return nil
	}
	return withStep(h.schemas.CheckSchema(s), step)
}

func (h *FormHandler) Execute(_ context.Context, exec *Execution) Result {
	return Pause(FormSignal(exec.Run.ID, exec.Step))
}

// FormSignal is the signal a Form step waits for.
func FormSignal(runID string, step *schema.StepDefinition) string {
	if s := step.ConfigString("signal"); s != "" {
		return s
	}
	return schema.FormSignalName(runID, step.ID)
}

// WaitForEventHandler pauses until config.event (or the default event signal) arrives.
type WaitForEventHandler struct{}

func (h *WaitForEventHandler) Type() schema.StepType { return schema.StepTypeWaitForEvent }

func (h *WaitForEventHandler) Validate(step *schema.StepDefinition) error { return nil }

func (h *WaitForEventHandler) Execute(_ context.Context, exec *Execution) Result {
	if name := exec.Step.ConfigString("event"); name != "" {
		return Pause(name)
	}
	return Pause(schema.EventSignalName(exec.Run.ID, exec.Step.ID))
}

// HumanTaskHandler requests a task through the outbox and pauses until the
// task signal arrives.
type HumanTaskHandler struct {
	outbox outbox.Outbox
}

func (h *HumanTaskHandler) Type() schema.StepType { return schema.StepTypeHumanTask }

func (h *HumanTaskHandler) Validate(step *schema.StepDefinition) error {
	if h.outbox == nil {
		return stepErr(schema.ErrCodeGraph, step, "human tasks need an outbox")
	}
	return nil
}

func (h *HumanTaskHandler) Execute(ctx context.Context, exec *Execution) Result {
	step := exec.Step
	signal := schema.TaskSignalName(exec.Run.ID, step.ID)
	payload := map[string]any{
		"run_id":         exec.Run.ID,
		"step_id":        step.ID,
		"task_signal":    signal,
		"assignee_type":  step.ConfigString("assigneeType"),
		"assignee_id":    step.ConfigString("assigneeId"),
		"title":          step.ConfigString("title"),
		"correlation_id": exec.Run.CorrelationID,
	}
	if err := h.outbox.Add(ctx, schema.OutboxHumanTaskRequested, payload, exec.Run.CorrelationID); err != nil {
		return Failure(schema.NewError(schema.ErrCodeExternalCall, "request human task").WithStep(step.ID).WithCause(err))
	}
	return Pause(signal)
}

// TimerHandler persists a durable timer and pauses until it fires. The due
// time comes from exactly one of config.duration (Go duration), config.cron
// (next occurrence after now) or config.at (RFC 3339).
type TimerHandler struct {
	timers store.TimerStore
	clock  clock.PassiveClock
	parser cron.Parser
}

func NewTimerHandler(timers store.TimerStore, c clock.PassiveClock) *TimerHandler {
	if c == nil {
		c = clock.RealClock{}
	}
	return &TimerHandler{
		timers: timers,
		clock:  c,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (h *TimerHandler) Type() schema.StepType { return schema.StepTypeTimer }

func (h *TimerHandler) Validate(step *schema.StepDefinition) error {
	if h.timers == nil {
		return stepErr(schema.ErrCodeGraph, step, "timers need a timer store")
	}
	_, err := h.DueAt(step, h.clock.Now())
	return err
}

// DueAt computes when the timer of step fires, relative to now.
func (h *TimerHandler) DueAt(step *schema.StepDefinition, now time.Time) (time.Time, error) {
	duration := step.ConfigString("duration")
	cronExpr := step.ConfigString("cron")
	at := step.ConfigString("at")

	set := 0
	for _, v := range []string{duration, cronExpr, at} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return time.Time{}, stepErr(schema.ErrCodeValidation, step, "timer requires exactly one of config.duration, config.cron, config.at")
	}

	switch {
	case duration != "":
		d, err := time.ParseDuration(duration)
		if err != nil || d < 0 {
			return time.Time{}, stepErr(schema.ErrCodeValidation, step, "invalid timer duration %q", duration)
		}
		return now.Add(d).UTC(), nil
	case cronExpr != "":
		sched, err := h.parser.Parse(cronExpr)
		if err != nil {
			return time.Time{}, stepErr(schema.ErrCodeValidation, step, "invalid timer cron %q: %v", cronExpr, err)
		}
		return sched.Next(now).UTC(), nil
	default:
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, stepErr(schema.ErrCodeValidation, step, "invalid timer at %q", at)
		}
		return t.UTC(), nil
	}
}

func (h *TimerHandler) Execute(ctx context.Context, exec *Execution) Result {
	now := h.clock.Now().UTC()
	due, err := h.DueAt(exec.Step, now)
	if err != nil {
		return Failure(err)
	}
	signal := schema.TimerSignalName(exec.Run.ID, exec.Step.ID)
	t := &store.Timer{
		ID:         uuid.New().String(),
		RunID:      exec.Run.ID,
		StepID:     exec.Step.ID,
		SignalName: signal,
		DueAt:      due,
		Status:     schema.TimerStatusPending,
		CreatedAt:  now,
	}
	if err := h.timers.CreateTimer(ctx, t); err != nil {
		return Failure(schema.NewError(schema.ErrCodeStore, fmt.Sprintf("schedule timer %s", signal)).WithStep(exec.Step.ID).WithCause(err))
	}
	return Pause(signal)
}
