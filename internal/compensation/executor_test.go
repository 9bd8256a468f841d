package compensation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/rendis/stepflow/internal/apiproxy"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/mapping"
	"github.com/rendis/stepflow/internal/outbox"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

type call struct {
	method string
	params map[string]any
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]bool
}

func (f *fakeInvoker) Invoke(_ context.Context, methodID string, params map[string]any) (*apiproxy.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{methodID, params})
	if f.fail[methodID] {
		return &apiproxy.Response{StatusCode: 500, ErrorMessage: "boom"}, nil
	}
	return &apiproxy.Response{IsSuccess: true, StatusCode: 200}, nil
}

func (f *fakeInvoker) methods() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

type fixture struct {
	store *store.MemoryStore
	api   *fakeInvoker
	exec  *Executor
	run   *store.Run
}

func apiUndo(method string) []schema.CompensationAction {
	return []schema.CompensationAction{{Type: schema.CompensationAPICall, Config: map[string]any{"methodId": method}}}
}

// newFixture stores a version with steps a, b, c (and an uncompensated x),
// and a run that completed them in the order given.
func newFixture(t *testing.T, steps []schema.StepDefinition, completionOrder ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore(store.WithClock(clk))

	def := schema.WorkflowDefinition{Code: "saga", Version: 1, Steps: steps}
	require.NoError(t, s.SaveVersion(ctx, &store.WorkflowVersion{Code: "saga", Version: 1, Definition: def}))

	run := &store.Run{ID: "run-1", DefinitionCode: "saga", Version: 1, Status: schema.RunStatusCompensating,
		CorrelationID: "order-1", Context: json.RawMessage(`{"order":{"id":"o-1"}}`)}
	require.NoError(t, s.CreateRun(ctx, run))

	var rows []*store.RunStep
	for _, id := range completionOrder {
		seq := run.NextSeq()
		rows = append(rows, &store.RunStep{
			ID: "rs-" + id, RunID: run.ID, StepID: id, Status: schema.StepStatusCompleted,
			Attempt: 1, ExecutionKey: store.ExecutionKey(run.ID, id, 1), Position: seq, CompletionSeq: seq,
			Output: json.RawMessage(`{"ref":"` + id + `"}`),
		})
	}
	require.NoError(t, s.Checkpoint(ctx, run, rows...))

	api := &fakeInvoker{fail: map[string]bool{}}
	jq := mapping.NewJQEvaluator(expressions.NewGoJQEngine())
	require.NoError(t, jq.Register("refund-req", `{orderId: .order.id, ref: .step.output.ref}`))

	exec := NewExecutor(Config{
		Versions: s, Runs: s, API: api, Mappings: jq,
		Outbox: outbox.NewStoreOutbox(s, clk), Clock: clk,
	})
	return &fixture{store: s, api: api, exec: exec, run: run}
}

func stepStatuses(t *testing.T, s *store.MemoryStore, runID string) map[string]schema.StepStatus {
	rows, err := s.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	out := map[string]schema.StepStatus{}
	for _, r := range rows {
		out[r.StepID] = r.Status
	}
	return out
}

func TestCompensate_ReverseCompletionOrder(t *testing.T) {
	f := newFixture(t, []schema.StepDefinition{
		{ID: "a", Type: schema.StepTypeServiceTask, Compensation: apiUndo("undo-a")},
		{ID: "b", Type: schema.StepTypeServiceTask, Compensation: apiUndo("undo-b")},
		{ID: "c", Type: schema.StepTypeServiceTask, Compensation: apiUndo("undo-c")},
	}, "a", "b", "c")

	report, err := f.exec.Compensate(context.Background(), f.run)
	require.NoError(t, err)

	assert.Equal(t, []string{"undo-c", "undo-b", "undo-a"}, f.api.methods())
	assert.Equal(t, []string{"c", "b", "a"}, report.Compensated)
	assert.True(t, report.OK())
	assert.NoError(t, report.Err())
	for id, st := range stepStatuses(t, f.store, f.run.ID) {
		assert.Equal(t, schema.StepStatusCompensated, st, id)
	}
}

func TestCompensate_FailureDoesNotAbortEarlierSteps(t *testing.T) {
	f := newFixture(t, []schema.StepDefinition{
		{ID: "a", Type: schema.StepTypeServiceTask, Compensation: apiUndo("undo-a")},
		{ID: "b", Type: schema.StepTypeServiceTask, Compensation: apiUndo("undo-b")},
		{ID: "c", Type: schema.StepTypeServiceTask, Compensation: apiUndo("undo-c")},
	}, "a", "b", "c")
	f.api.fail["undo-b"] = true

	report, err := f.exec.Compensate(context.Background(), f.run)
	require.NoError(t, err)

	assert.Equal(t, []string{"undo-c", "undo-b", "undo-a"}, f.api.methods())
	assert.Equal(t, []string{"c", "a"}, report.Compensated)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "b", report.Errors[0].StepID)
	assert.Equal(t, schema.CompensationAPICall, report.Errors[0].Action)
	assert.True(t, schema.IsCode(report.Err(), schema.ErrCodeCompensation))

	statuses := stepStatuses(t, f.store, f.run.ID)
	assert.Equal(t, schema.StepStatusCompensated, statuses["a"])
	assert.Equal(t, schema.StepStatusCompleted, statuses["b"])
	assert.Equal(t, schema.StepStatusCompensated, statuses["c"])
}

func TestCompensate_SkipsStepsWithoutActions(t *testing.T) {
	f := newFixture(t, []schema.StepDefinition{
		{ID: "a", Type: schema.StepTypeServiceTask, Compensation: apiUndo("undo-a")},
		{ID: "x", Type: schema.StepTypeCalculation},
	}, "a", "x")

	report, err := f.exec.Compensate(context.Background(), f.run)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, report.Skipped)
	assert.Equal(t, []string{"a"}, report.Compensated)
	assert.Equal(t, schema.StepStatusCompleted, stepStatuses(t, f.store, f.run.ID)["x"])
}

func TestCompensate_OutboxActions(t *testing.T) {
	f := newFixture(t, []schema.StepDefinition{
		{ID: "debit", Type: schema.StepTypeServiceTask, Compensation: []schema.CompensationAction{
			{Type: schema.CompensationWalletReverse, Config: map[string]any{"walletId": "w-1"}},
			{Type: schema.CompensationEvent, Config: map[string]any{"eventName": "DebitUndone"}},
		}},
		{ID: "charge", Type: schema.StepTypeServiceTask, Config: map[string]any{
			"compensation": map[string]any{"type": "paymentRefund", "config": map[string]any{"gateway": "g"}},
		}},
	}, "debit", "charge")

	report, err := f.exec.Compensate(context.Background(), f.run)
	require.NoError(t, err)
	assert.Equal(t, []string{"charge", "debit"}, report.Compensated)

	msgs := f.store.OutboxMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, schema.OutboxPaymentRefundRequest, msgs[0].EventType)
	assert.Equal(t, schema.OutboxWalletReverseRequest, msgs[1].EventType)
	assert.Equal(t, "DebitUndone", msgs[2].EventType)
	assert.Equal(t, "order-1", msgs[1].CorrelationID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &payload))
	assert.Equal(t, "debit", payload["step_id"])
	assert.Equal(t, "run-1:debit:1", payload["execution_key"])
	assert.Equal(t, map[string]any{"walletId": "w-1"}, payload["config"])
}

func TestCompensate_APICallWithMapping(t *testing.T) {
	f := newFixture(t, []schema.StepDefinition{
		{ID: "pay", Type: schema.StepTypeServiceTask, Compensation: []schema.CompensationAction{
			{Type: schema.CompensationAPICall, Config: map[string]any{
				"methodId": "refund", "requestMappingId": "refund-req", "params": map[string]any{"reason": "saga"},
			}},
		}},
	}, "pay")

	_, err := f.exec.Compensate(context.Background(), f.run)
	require.NoError(t, err)
	require.Len(t, f.api.calls, 1)
	assert.Equal(t, map[string]any{"orderId": "o-1", "ref": "pay", "reason": "saga"}, f.api.calls[0].params)
}

func TestCompensate_InvalidActionsAreReported(t *testing.T) {
	f := newFixture(t, []schema.StepDefinition{
		{ID: "a", Type: schema.StepTypeServiceTask, Compensation: []schema.CompensationAction{
			{Type: schema.CompensationAPICall, Config: map[string]any{}},
			{Type: schema.CompensationEvent},
			{Type: "teleport"},
		}},
	}, "a")

	report, err := f.exec.Compensate(context.Background(), f.run)
	require.NoError(t, err)
	assert.Len(t, report.Errors, 3)
	assert.Empty(t, report.Compensated)
	assert.Contains(t, report.Err().Error(), "3 compensation actions failed")
}

func TestCompensate_MissingVersion(t *testing.T) {
	f := newFixture(t, nil)
	run := *f.run
	run.DefinitionCode = "ghost"
	_, err := f.exec.Compensate(context.Background(), &run)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestReport_Map(t *testing.T) {
	r := &Report{Compensated: []string{"a"}, Skipped: []string{}, Errors: []ActionError{{StepID: "b", Action: schema.CompensationEvent, Message: "x"}}}
	m := r.Map()
	assert.Equal(t, []any{"a"}, m["compensated"])
	assert.Equal(t, []any{}, m["skipped"])
	assert.Len(t, m["errors"], 1)
	assert.True(t, schema.IsCode(r.Err(), schema.ErrCodeCompensation))
}
