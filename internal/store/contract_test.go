package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("versions", func(t *testing.T) { testVersions(t, newStore(t)) })
	t.Run("checkpoint cas", func(t *testing.T) { testCheckpointCAS(t, newStore(t)) })
	t.Run("run steps", func(t *testing.T) { testRunSteps(t, newStore(t)) })
	t.Run("correlation lookup", func(t *testing.T) { testCorrelation(t, newStore(t)) })
	t.Run("timers", func(t *testing.T) { testTimers(t, newStore(t)) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
	t.Run("signals", func(t *testing.T) { testSignals(t, newStore(t)) })
	t.Run("idempotency", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("create run once", func(t *testing.T) { testCreateRunOnce(t, newStore(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, newStore(t)) })
}

func seedRun(t *testing.T, s Store, mut ...func(r *Run)) *Run {
	t.Helper()
	r := &Run{
		ID:             uuid.NewString(),
		DefinitionCode: "onboarding",
		Version:        1,
		Status:         schema.RunStatusRunning,
		CurrentStepID:  "start",
		Context:        json.RawMessage(`{"customer":"c-1"}`),
	}
	for _, m := range mut {
		m(r)
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

func testVersions(t *testing.T, s Store) {
	ctx := context.Background()
	def := schema.WorkflowDefinition{
		Code: "onboarding",
		Steps: []schema.StepDefinition{
			{ID: "start", Type: schema.StepTypeStart, Transitions: []schema.Transition{{To: "end"}}},
			{ID: "end", Type: schema.StepTypeEnd},
		},
	}
	for v := 1; v <= 2; v++ {
		def.Version = v
		require.NoError(t, s.SaveVersion(ctx, &WorkflowVersion{Code: "onboarding", Version: v, Definition: def}))
	}

	err := s.SaveVersion(ctx, &WorkflowVersion{Code: "onboarding", Version: 2, Definition: def})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	latest, err := s.GetPublishedVersion(ctx, "onboarding", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	require.Len(t, latest.Definition.Steps, 2)
	assert.Equal(t, "end", latest.Definition.Steps[0].Transitions[0].To)

	first, err := s.GetPublishedVersion(ctx, "onboarding", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	_, err = s.GetPublishedVersion(ctx, "onboarding", 9)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	all, err := s.ListVersions(ctx, "onboarding")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testCheckpointCAS(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRun(t, s)
	assert.Equal(t, int64(1), r.Revision)

	stale, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)

	r.Status = schema.RunStatusPaused
	r.AwaitingSignal = "form:x"
	require.NoError(t, s.Checkpoint(ctx, r))
	assert.Equal(t, int64(2), r.Revision)

	stale.Status = schema.RunStatusCancelled
	err = s.Checkpoint(ctx, stale, &RunStep{ID: uuid.NewString(), RunID: r.ID, StepID: "x", Status: schema.StepStatusRunning, ExecutionKey: "k"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, got.Status)
	assert.Equal(t, "form:x", got.AwaitingSignal)
	assert.Equal(t, int64(2), got.Revision)

	steps, err := s.ListRunSteps(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, steps, "a lost checkpoint must not write its steps")

	stamp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	r.UpdatedAt = stamp
	require.NoError(t, s.Checkpoint(ctx, r))
	got, err = s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, stamp, got.UpdatedAt, time.Second, "checkpoint keeps the caller's clock")

	missing := &Run{ID: "nope", Revision: 1}
	err = s.Checkpoint(ctx, missing)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testRunSteps(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRun(t, s)

	a := &RunStep{ID: uuid.NewString(), RunID: r.ID, StepID: "a", StepType: schema.StepTypeCalculation,
		Status: schema.StepStatusRunning, Attempt: 1, ExecutionKey: ExecutionKey(r.ID, "a", 1), Position: r.NextSeq()}
	require.NoError(t, s.Checkpoint(ctx, r, a))

	now := time.Now().UTC()
	a.Status = schema.StepStatusCompleted
	a.CompletionSeq = r.NextSeq()
	a.Output = json.RawMessage(`{"total":3}`)
	a.CompletedAt = &now
	b := &RunStep{ID: uuid.NewString(), RunID: r.ID, StepID: "b", StepType: schema.StepTypeForm,
		Status: schema.StepStatusRunning, Attempt: 1, ExecutionKey: ExecutionKey(r.ID, "b", 1), Position: r.NextSeq()}
	require.NoError(t, s.Checkpoint(ctx, r, a, b))

	steps, err := s.ListRunSteps(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "a", steps[0].StepID)
	assert.Equal(t, schema.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, int64(2), steps[0].CompletionSeq)
	assert.JSONEq(t, `{"total":3}`, string(steps[0].Output))
	assert.Equal(t, r.ID+":a:1", steps[0].ExecutionKey)
	assert.Equal(t, schema.StepStatusRunning, steps[1].Status)

	n, err := s.CountRunSteps(ctx, r.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a.Status = schema.StepStatusCompensated
	require.NoError(t, s.UpdateRunStep(ctx, a))
	steps, _ = s.ListRunSteps(ctx, r.ID)
	assert.Equal(t, schema.StepStatusCompensated, steps[0].Status)

	err = s.UpdateRunStep(ctx, &RunStep{ID: "missing", RunID: r.ID})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testCorrelation(t *testing.T, s Store) {
	ctx := context.Background()
	old := seedRun(t, s, func(r *Run) {
		r.CorrelationID = "order-1"
		r.CreatedAt = time.Now().UTC().Add(-time.Hour)
	})
	seedRun(t, s, func(r *Run) {
		r.CorrelationID = "order-1"
		r.Status = schema.RunStatusCompleted
	})

	got, err := s.FindRunByCorrelation(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, old.ID, got.ID)

	_, err = s.FindRunByCorrelation(ctx, "order-2")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	paused := schema.RunStatusPaused
	seedRun(t, s, func(r *Run) { r.Status = paused; r.AwaitingSignal = "task:1" })
	runs, err := s.ListRuns(ctx, RunFilter{Status: &paused, AwaitingSignal: "task:1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func testTimers(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRun(t, s)
	now := time.Now().UTC().Truncate(time.Millisecond)
	name := schema.TimerSignalName(r.ID, "wait")

	require.NoError(t, s.CreateTimer(ctx, &Timer{ID: uuid.NewString(), RunID: r.ID, StepID: "wait", SignalName: name, DueAt: now.Add(time.Minute)}))

	due, err := s.ListDueTimers(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueTimers(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, name, due[0].SignalName)
	assert.True(t, due[0].DueAt.Equal(now.Add(time.Minute)))

	fired, err := s.FireTimer(ctx, name, now)
	require.NoError(t, err)
	assert.True(t, fired)
	fired, err = s.FireTimer(ctx, name, now)
	require.NoError(t, err)
	assert.False(t, fired, "second fire is a no-op")

	tm, err := s.GetTimer(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, schema.TimerStatusFired, tm.Status)

	// Revisiting the step re-arms the same signal under a new id.
	firstID := tm.ID
	secondID := uuid.NewString()
	require.NoError(t, s.CreateTimer(ctx, &Timer{ID: secondID, RunID: r.ID, StepID: "wait", SignalName: name, DueAt: now}))
	tm, err = s.GetTimer(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, schema.TimerStatusPending, tm.Status)
	assert.Equal(t, secondID, tm.ID)

	retired, err := s.RetireTimer(ctx, name, firstID, now)
	require.NoError(t, err)
	assert.False(t, retired, "an earlier arming cannot retire the current one")
	retired, err = s.RetireTimer(ctx, name, secondID, now)
	require.NoError(t, err)
	assert.True(t, retired)
	tm, err = s.GetTimer(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, schema.TimerStatusFired, tm.Status)

	_, err = s.FireTimer(ctx, "timer:none", now)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testOutbox(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.AddOutboxMessage(ctx, &OutboxMessage{ID: "m1", EventType: schema.OutboxHumanTaskRequested,
		Payload: json.RawMessage(`{"step_id":"approve"}`), CorrelationID: "c", CreatedAt: now.Add(-time.Second)}))
	require.NoError(t, s.AddOutboxMessage(ctx, &OutboxMessage{ID: "m2", EventType: "X", Payload: json.RawMessage(`{}`), CreatedAt: now}))

	pending, err := s.ListPendingOutbox(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].ID)
	assert.JSONEq(t, `{"step_id":"approve"}`, string(pending[0].Payload))

	require.NoError(t, s.MarkOutboxPublished(ctx, "m1", now))
	require.NoError(t, s.MarkOutboxFailed(ctx, "m2", "broker down", now.Add(time.Minute), false))

	pending, err = s.ListPendingOutbox(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = s.ListPendingOutbox(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	require.NoError(t, s.MarkOutboxFailed(ctx, "m2", "still down", now, true))
	pending, err = s.ListPendingOutbox(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.True(t, schema.IsCode(s.MarkOutboxPublished(ctx, "zzz", now), schema.ErrCodeNotFound))
}

func testSignals(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRun(t, s)

	ok, err := s.RecordSignal(ctx, &SignalRecord{RunID: r.ID, Name: "Resume", IdempotencyKey: "k1", Outcome: "resumed"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RecordSignal(ctx, &SignalRecord{RunID: r.ID, Name: "Resume", IdempotencyKey: "k1", Outcome: "resumed"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RecordSignal(ctx, &SignalRecord{RunID: r.ID, Name: "Resume", Outcome: "ignored"})
	require.NoError(t, err)
	assert.True(t, ok, "signals without a key are always recorded")

	has, err := s.HasSignal(ctx, r.ID, "k1")
	require.NoError(t, err)
	assert.True(t, has)

	list, err := s.ListSignals(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ignored", list[1].Outcome)
}

func testIdempotency(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.GetIdempotencyRecord(ctx, "r:charge:1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	require.NoError(t, s.PutIdempotencyRecord(ctx, &IdempotencyRecord{Key: "r:charge:1", Result: json.RawMessage(`{"status_code":200}`)}))
	rec, err := s.GetIdempotencyRecord(ctx, "r:charge:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status_code":200}`, string(rec.Result))
}

func testCreateRunOnce(t *testing.T, s Store) {
	ctx := context.Background()
	newRun := func() *Run {
		return &Run{ID: uuid.NewString(), DefinitionCode: "onboarding", Version: 1, Status: schema.RunStatusRunning, CurrentStepID: "start"}
	}

	first := newRun()
	owner, err := s.CreateRunOnce(ctx, first, "start:order-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, owner)

	second := newRun()
	owner, err = s.CreateRunOnce(ctx, second, "start:order-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, owner)
	_, err = s.GetRun(ctx, second.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound), "the losing run is not written")

	rec, err := s.GetIdempotencyRecord(ctx, "start:order-1")
	require.NoError(t, err)
	assert.JSONEq(t, `"`+first.ID+`"`, string(rec.Result))
}

func testEvents(t *testing.T, s Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-ev", Type: schema.EventStepStarted, StepID: "a"}))
		}()
	}
	wg.Wait()

	events, err := s.GetEvents(ctx, "run-ev", 0)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	tail, err := s.GetEvents(ctx, "run-ev", 7)
	require.NoError(t, err)
	assert.Len(t, tail, 3)
}
