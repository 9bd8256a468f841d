// Package compensation undoes the completed steps of a run, newest first,
// on a best-effort basis.
package compensation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/internal/apiproxy"
	"github.com/rendis/stepflow/internal/document"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/mapping"
	"github.com/rendis/stepflow/internal/outbox"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Config wires the collaborators compensation actions call. API, Mappings and
// Outbox may be nil; actions that need a missing collaborator fail.
type Config struct {
	Versions store.VersionStore
	Runs     store.RunStore
	API      apiproxy.Invoker
	Mappings mapping.Evaluator
	Outbox   outbox.Outbox
	Clock    clock.PassiveClock
	Logger   *slog.Logger
}

// Executor walks a run's completed steps in reverse completion order.
type Executor struct {
	versions store.VersionStore
	runs     store.RunStore
	api      apiproxy.Invoker
	mappings mapping.Evaluator
	outbox   outbox.Outbox
	clock    clock.PassiveClock
	logger   *slog.Logger
}

func NewExecutor(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		versions: cfg.Versions,
		runs:     cfg.Runs,
		api:      cfg.API,
		mappings: cfg.Mappings,
		outbox:   cfg.Outbox,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Compensate runs the declared compensation of every Completed step of run.
// A failing action is recorded and the walk continues. The returned error is
// reserved for problems loading the run's version or steps.
func (e *Executor) Compensate(ctx context.Context, run *store.Run) (*Report, error) {
	ctx = logging.WithRun(ctx, run.ID, run.CorrelationID)

	version, err := e.versions.GetPublishedVersion(ctx, run.DefinitionCode, run.Version)
	if err != nil {
		return nil, fmt.Errorf("load version for compensation: %w", err)
	}
	runSteps, err := e.runs.ListRunSteps(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list run steps for compensation: %w", err)
	}

	completed := make([]*store.RunStep, 0, len(runSteps))
	for _, rs := range runSteps {
		if rs.Status == schema.StepStatusCompleted {
			completed = append(completed, rs)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].CompletionSeq > completed[j].CompletionSeq
	})

	logging.LogWith(ctx, e.logger).Info("compensation started", slog.Int("completed_steps", len(completed)))

	report := &Report{Compensated: []string{}, Skipped: []string{}}
	ctxDoc, err := document.Parse(run.Context)
	if err != nil {
		ctxDoc = document.New()
	}
	for _, rs := range completed {
		def := version.Definition.Step(rs.StepID)
		var actions []schema.CompensationAction
		if def != nil {
			actions = Actions(def)
		}
		if len(actions) == 0 {
			report.Skipped = append(report.Skipped, rs.StepID)
			continue
		}
		e.compensateStep(ctx, run, rs, actions, ctxDoc, report)
	}

	logging.LogWith(ctx, e.logger).Info("compensation finished",
		slog.Int("compensated", len(report.Compensated)),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (e *Executor) compensateStep(ctx context.Context, run *store.Run, rs *store.RunStep, actions []schema.CompensationAction, ctxDoc *document.Document, report *Report) {
	stepCtx := logging.WithStepID(ctx, rs.StepID)
	failed := false
	for _, action := range actions {
		if err := e.runAction(stepCtx, run, rs, action, ctxDoc); err != nil {
			failed = true
			report.Errors = append(report.Errors, ActionError{
				StepID:    rs.StepID,
				RunStepID: rs.ID,
				Action:    action.Type,
				Message:   err.Error(),
			})
			logging.LogWith(stepCtx, e.logger).Error("compensation action failed",
				slog.String("action", string(action.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
	if failed {
		return
	}

	updated := *rs
	updated.Status = schema.StepStatusCompensated
	if err := e.runs.UpdateRunStep(ctx, &updated); err != nil {
		report.Errors = append(report.Errors, ActionError{
			StepID: rs.StepID, RunStepID: rs.ID, Message: "mark compensated: " + err.Error(),
		})
		return
	}
	report.Compensated = append(report.Compensated, rs.StepID)
}

// Actions returns the compensation actions of step: its declared list, or
// the "compensation" entry of its config.
func Actions(step *schema.StepDefinition) []schema.CompensationAction {
	if len(step.Compensation) > 0 {
		return step.Compensation
	}
	raw, ok := step.Config["compensation"]
	if !ok || raw == nil {
		return nil
	}
	if m, ok := raw.(map[string]any); ok {
		raw = []any{m}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var actions []schema.CompensationAction
	if err := json.Unmarshal(b, &actions); err != nil {
		return nil
	}
	return actions
}

func (e *Executor) now() time.Time { return e.clock.Now().UTC() }
