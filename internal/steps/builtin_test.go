package steps

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/rendis/stepflow/internal/apiproxy"
	"github.com/rendis/stepflow/internal/compensation"
	"github.com/rendis/stepflow/internal/document"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/mapping"
	"github.com/rendis/stepflow/internal/outbox"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	calls int
	last  map[string]any
	resp  *apiproxy.Response
	err   error
}

func (f *fakeAPI) Invoke(_ context.Context, _ string, params map[string]any) (*apiproxy.Response, error) {
	f.calls++
	f.last = params
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeCompensator struct {
	report *compensation.Report
	err    error
	runs   []string
}

func (f *fakeCompensator) Compensate(_ context.Context, run *store.Run) (*compensation.Report, error) {
	f.runs = append(f.runs, run.ID)
	return f.report, f.err
}

type env struct {
	store *store.MemoryStore
	clock *testingclock.FakeClock
	api   *fakeAPI
	comp  *fakeCompensator
	reg   *Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := testingclock.NewFakeClock(epoch)
	s := store.NewMemoryStore(store.WithClock(clk))
	api := &fakeAPI{resp: &apiproxy.Response{IsSuccess: true, StatusCode: 200, ResponseBody: json.RawMessage(`{"id":"p-9","state":"ok"}`)}}
	comp := &fakeCompensator{report: &compensation.Report{Compensated: []string{"a"}, Skipped: []string{}}}

	jq := mapping.NewJQEvaluator(expressions.NewGoJQEngine())
	require.NoError(t, jq.Register("req", `{customerId: .customer.id}`))
	require.NoError(t, jq.Register("res", `{payment: {id: .response.id, customer: .customer.id}}`))
	require.NoError(t, jq.Register("scalar", `.customer.id`))

	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Dependencies{
		Outbox:      outbox.NewStoreOutbox(s, clk),
		Timers:      s,
		Idempotency: s,
		API:         api,
		Mappings:    jq,
		Compensator: comp,
		Schemas:     jsv,
		Clock:       clk,
	}))
	return &env{store: s, clock: clk, api: api, comp: comp, reg: reg}
}

func (e *env) run(t *testing.T, step schema.StepDefinition, ctx map[string]any) Result {
	t.Helper()
	h, err := e.reg.Get(step.Type)
	require.NoError(t, err)
	require.NoError(t, e.reg.ValidateStep(&step))

	doc, err := document.FromMap(ctx)
	require.NoError(t, err)
	run := &store.Run{ID: "run-1", DefinitionCode: "wf", Version: 1, CorrelationID: "corr-1", CurrentStepID: step.ID}
	rs := &store.RunStep{ID: "rs-1", RunID: run.ID, StepID: step.ID, Attempt: 1, ExecutionKey: store.ExecutionKey(run.ID, step.ID, 1)}
	return h.Execute(context.Background(), &Execution{Run: run, RunStep: rs, Step: &step, Context: doc})
}

func to(ids ...string) []schema.Transition {
	out := make([]schema.Transition, 0, len(ids))
	for _, id := range ids {
		out = append(out, schema.Transition{To: id})
	}
	return out
}

func TestStartAndEnd(t *testing.T) {
	e := newEnv(t)

	res := e.run(t, schema.StepDefinition{ID: "s", Type: schema.StepTypeStart, Transitions: to("next"),
		Config: map[string]any{"output": map[string]any{"channel": "web"}}}, nil)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "next", res.NextStepID)
	assert.Equal(t, map[string]any{"channel": "web"}, res.Output)

	res = e.run(t, schema.StepDefinition{ID: "e", Type: schema.StepTypeEnd}, nil)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Empty(t, res.NextStepID)

	assert.Error(t, e.reg.ValidateStep(&schema.StepDefinition{ID: "s", Type: schema.StepTypeStart, Config: map[string]any{"output": "x"}}))
}

func TestCalculation(t *testing.T) {
	e := newEnv(t)
	ctx := map[string]any{"order": map[string]any{"amount": float64(40), "qty": float64(3)}}

	res := e.run(t, schema.StepDefinition{ID: "calc", Type: schema.StepTypeCalculation, Transitions: to("end"),
		Config: map[string]any{"expression": "context.order.amount * 1.5", "output": "order.total"}}, ctx)
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Err)
	assert.Equal(t, "end", res.NextStepID)
	assert.Equal(t, map[string]any{"order": map[string]any{"total": float64(60)}}, res.Output)

	res = e.run(t, schema.StepDefinition{ID: "calc", Type: schema.StepTypeCalculation, Transitions: to("end"),
		Config: map[string]any{"assignments": map[string]any{
			"order.units": "context.order.qty",
			"flags.big":   "context.order.amount > 10",
			"meta.run":    "run.id",
		}}}, ctx)
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Err)
	assert.Equal(t, map[string]any{
		"order": map[string]any{"units": float64(3)},
		"flags": map[string]any{"big": true},
		"meta":  map[string]any{"run": "run-1"},
	}, res.Output)

	res = e.run(t, schema.StepDefinition{ID: "calc", Type: schema.StepTypeCalculation, Transitions: to("end"),
		Config: map[string]any{"expression": `{"a": 1}`}}, ctx)
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Err)
	assert.Equal(t, map[string]any{"a": float64(1)}, res.Output)
}

func TestCalculation_Errors(t *testing.T) {
	e := newEnv(t)

	assert.Error(t, e.reg.ValidateStep(&schema.StepDefinition{ID: "c", Type: schema.StepTypeCalculation}))
	assert.Error(t, e.reg.ValidateStep(&schema.StepDefinition{ID: "c", Type: schema.StepTypeCalculation,
		Config: map[string]any{"expression": "1 +"}}))
	assert.Error(t, e.reg.ValidateStep(&schema.StepDefinition{ID: "c", Type: schema.StepTypeCalculation,
		Config: map[string]any{"assignments": map[string]any{"x": 5}}}))

	res := e.run(t, schema.StepDefinition{ID: "c", Type: schema.StepTypeCalculation, Transitions: to("end"),
		Config: map[string]any{"expression": "42"}}, nil)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeStepFailed))
}

func TestDecision(t *testing.T) {
	e := newEnv(t)
	ctx := map[string]any{"score": float64(720)}

	step := schema.StepDefinition{ID: "d", Type: schema.StepTypeDecision, Transitions: []schema.Transition{
		{To: "B", Condition: "false"},
		{To: "C", Condition: "context.score > 700"},
	}}
	res := e.run(t, step, ctx)
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Err)
	assert.Equal(t, "C", res.NextStepID)

	step.Transitions = []schema.Transition{
		{To: "B", Condition: "context.score < 100"},
		{To: "D"},
		{To: "E"},
	}
	res = e.run(t, step, ctx)
	assert.Equal(t, "D", res.NextStepID)

	step.Transitions = []schema.Transition{{To: "B", Condition: "false"}}
	res = e.run(t, step, ctx)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeStepFailed))

	step.Transitions = []schema.Transition{{To: "B", Condition: "context.score"}}
	res = e.run(t, step, ctx)
	assert.Equal(t, OutcomeFailure, res.Outcome)

	assert.Error(t, e.reg.ValidateStep(&schema.StepDefinition{ID: "d", Type: schema.StepTypeDecision,
		Transitions: []schema.Transition{{To: "x", Condition: "1 +"}}}))
}

func TestFormAndWaitForEvent(t *testing.T) {
	e := newEnv(t)

	res := e.run(t, schema.StepDefinition{ID: "f", Type: schema.StepTypeForm, Transitions: to("n")}, nil)
	assert.Equal(t, OutcomePause, res.Outcome)
	assert.Equal(t, "form:run-1:f", res.AwaitSignal)

	res = e.run(t, schema.StepDefinition{ID: "f", Type: schema.StepTypeForm, Transitions: to("n"),
		Config: map[string]any{"signal": "kyc-submitted", "schema": map[string]any{"type": "object"}}}, nil)
	assert.Equal(t, "kyc-submitted", res.AwaitSignal)

	assert.Error(t, e.reg.ValidateStep(&schema.StepDefinition{ID: "f", Type: schema.StepTypeForm,
		Config: map[string]any{"schema": map[string]any{"type": 7}}}))

	res = e.run(t, schema.StepDefinition{ID: "w", Type: schema.StepTypeWaitForEvent, Transitions: to("n")}, nil)
	assert.Equal(t, "event:run-1:w", res.AwaitSignal)

	res = e.run(t, schema.StepDefinition{ID: "w", Type: schema.StepTypeWaitForEvent, Transitions: to("n"),
		Config: map[string]any{"event": "PaymentReceived"}}, nil)
	assert.Equal(t, "PaymentReceived", res.AwaitSignal)
}

func TestHumanTask(t *testing.T) {
	e := newEnv(t)

	res := e.run(t, schema.StepDefinition{ID: "approve", Type: schema.StepTypeHumanTask, Transitions: to("n"),
		Config: map[string]any{"assigneeType": "role", "assigneeId": "ops", "title": "Approve payout"}}, nil)
	assert.Equal(t, OutcomePause, res.Outcome)
	assert.Equal(t, "task:run-1:approve", res.AwaitSignal)

	msgs := e.store.OutboxMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, schema.OutboxHumanTaskRequested, msgs[0].EventType)
	assert.Equal(t, "corr-1", msgs[0].CorrelationID)
	assert.JSONEq(t, `{"run_id":"run-1","step_id":"approve","task_signal":"task:run-1:approve",
		"assignee_type":"role","assignee_id":"ops","title":"Approve payout","correlation_id":"corr-1"}`, string(msgs[0].Payload))
}

func TestTimer(t *testing.T) {
	e := newEnv(t)

	res := e.run(t, schema.StepDefinition{ID: "wait", Type: schema.StepTypeTimer, Transitions: to("n"),
		Config: map[string]any{"duration": "90m"}}, nil)
	assert.Equal(t, OutcomePause, res.Outcome)
	assert.Equal(t, "timer:run-1:wait", res.AwaitSignal)

	timer, err := e.store.GetTimer(context.Background(), "timer:run-1:wait")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(90*time.Minute), timer.DueAt)
	assert.Equal(t, schema.TimerStatusPending, timer.Status)
	assert.Equal(t, "run-1", timer.RunID)
}

func TestTimer_DueAt(t *testing.T) {
	h := NewTimerHandler(store.NewMemoryStore(), nil)
	step := func(cfg map[string]any) *schema.StepDefinition {
		return &schema.StepDefinition{ID: "t", Type: schema.StepTypeTimer, Config: cfg}
	}

	due, err := h.DueAt(step(map[string]any{"cron": "0 9 * * *"}), epoch)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), due)

	due, err = h.DueAt(step(map[string]any{"cron": "@hourly"}), epoch)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), due)

	due, err = h.DueAt(step(map[string]any{"at": "2025-07-01T00:00:00Z"}), epoch)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), due)

	for _, cfg := range []map[string]any{
		{},
		{"duration": "1h", "cron": "* * * * *"},
		{"duration": "soon"},
		{"duration": "-5m"},
		{"cron": "every tuesday"},
		{"at": "tomorrow"},
	} {
		_, err := h.DueAt(step(cfg), epoch)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "%v", cfg)
	}
}

func TestServiceTask_DefaultResponsePath(t *testing.T) {
	e := newEnv(t)
	step := schema.StepDefinition{ID: "pay", Type: schema.StepTypeServiceTask, Transitions: to("n"),
		Config: map[string]any{"serviceMethodId": "payments.create", "params": map[string]any{"currency": "EUR"}}}

	res := e.run(t, step, map[string]any{"customer": map[string]any{"id": "c-1"}})
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Err)
	assert.Equal(t, map[string]any{"currency": "EUR"}, e.api.last)
	assert.Equal(t, map[string]any{"apis": map[string]any{"pay": map[string]any{
		"response":    map[string]any{"id": "p-9", "state": "ok"},
		"status_code": 200,
	}}}, res.Output)
}

func TestServiceTask_Mappings(t *testing.T) {
	e := newEnv(t)
	step := schema.StepDefinition{ID: "pay", Type: schema.StepTypeServiceTask, Transitions: to("n"),
		Config: map[string]any{"serviceMethodId": "payments.create", "requestMappingId": "req", "responseMappingId": "res"}}

	res := e.run(t, step, map[string]any{"customer": map[string]any{"id": "c-1"}})
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Err)
	assert.Equal(t, map[string]any{"customerId": "c-1"}, e.api.last)
	assert.Equal(t, map[string]any{"payment": map[string]any{"id": "p-9", "customer": "c-1"}}, res.Output)
}

func TestServiceTask_Idempotent(t *testing.T) {
	e := newEnv(t)
	step := schema.StepDefinition{ID: "pay", Type: schema.StepTypeServiceTask, Transitions: to("n"),
		Config: map[string]any{"serviceMethodId": "payments.create"}}

	first := e.run(t, step, nil)
	second := e.run(t, step, nil)
	require.Equal(t, OutcomeSuccess, second.Outcome)
	assert.Equal(t, 1, e.api.calls)
	assert.Equal(t, first.Output["apis"].(map[string]any)["pay"].(map[string]any)["response"],
		second.Output["apis"].(map[string]any)["pay"].(map[string]any)["response"])
}

func TestServiceTask_Failures(t *testing.T) {
	e := newEnv(t)
	base := map[string]any{"serviceMethodId": "payments.create"}

	e.api.resp = &apiproxy.Response{StatusCode: 502, ErrorMessage: "bad gateway"}
	res := e.run(t, schema.StepDefinition{ID: "pay", Type: schema.StepTypeServiceTask, Transitions: to("n"), Config: base}, nil)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeExternalCall))
	assert.Equal(t, 1, e.api.calls)

	e.api.err = schema.NewError(schema.ErrCodeCircuitOpen, "open")
	res = e.run(t, schema.StepDefinition{ID: "pay2", Type: schema.StepTypeServiceTask, Transitions: to("n"), Config: base}, nil)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeExternalCall))
	e.api.err = nil

	res = e.run(t, schema.StepDefinition{ID: "pay3", Type: schema.StepTypeServiceTask, Transitions: to("n"),
		Config: map[string]any{"serviceMethodId": "m", "requestMappingId": "missing"}}, nil)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeExternalCall))

	e.api.resp = &apiproxy.Response{IsSuccess: true, StatusCode: 200}
	res = e.run(t, schema.StepDefinition{ID: "pay4", Type: schema.StepTypeServiceTask, Transitions: to("n"),
		Config: map[string]any{"serviceMethodId": "m", "responseMappingId": "scalar"}}, map[string]any{"customer": map[string]any{"id": "c"}})
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeExternalCall))

	assert.Error(t, e.reg.ValidateStep(&schema.StepDefinition{ID: "x", Type: schema.StepTypeServiceTask}))
}

func TestCompensationStep(t *testing.T) {
	e := newEnv(t)

	res := e.run(t, schema.StepDefinition{ID: "undo", Type: schema.StepTypeCompensation, Transitions: to("end")}, nil)
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Err)
	assert.Equal(t, "end", res.NextStepID)
	assert.Equal(t, []string{"run-1"}, e.comp.runs)
	report := res.Output["compensation"].(map[string]any)["undo"].(map[string]any)
	assert.Equal(t, []any{"a"}, report["compensated"])

	e.comp.err = assert.AnError
	res = e.run(t, schema.StepDefinition{ID: "undo", Type: schema.StepTypeCompensation, Transitions: to("end")}, nil)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeCompensation))
}
