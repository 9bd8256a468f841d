package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/pkg/schema"
)

// MemoryStore is an in-process Store used by tests and single-shot CLI runs.
// Every read returns a copy, so callers never share state with the store.
type MemoryStore struct {
	clock clock.Clock

	mu          sync.Mutex
	versions    map[string][]*WorkflowVersion
	runs        map[string]*Run
	steps       map[string][]*RunStep
	timers      map[string]*Timer
	outbox      []*OutboxMessage
	signals     []*SignalRecord
	idempotency map[string]*IdempotencyRecord
	events      map[string][]*Event
	idIncrement int64
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(s *MemoryStore)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = c }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock:       clock.RealClock{},
		versions:    make(map[string][]*WorkflowVersion),
		runs:        make(map[string]*Run),
		steps:       make(map[string][]*RunStep),
		timers:      make(map[string]*Timer),
		idempotency: make(map[string]*IdempotencyRecord),
		events:      make(map[string][]*Event),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func (s *MemoryStore) now() time.Time { return s.clock.Now().UTC() }

// --- Versions ---

func (s *MemoryStore) SaveVersion(ctx context.Context, v *WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.versions[v.Code] {
		if existing.Version == v.Version {
			return schema.NewErrorf(schema.ErrCodeConflict, "version %s@%d already published", v.Code, v.Version)
		}
	}
	if v.PublishedAt.IsZero() {
		v.PublishedAt = s.now()
	}
	cp, err := copyVersion(v)
	if err != nil {
		return err
	}
	list := append(s.versions[v.Code], cp)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	s.versions[v.Code] = list
	return nil
}

func (s *MemoryStore) GetPublishedVersion(ctx context.Context, code string, version int) (*WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.versions[code]
	for i := len(list) - 1; i >= 0; i-- {
		if version == 0 || list[i].Version == version {
			return copyVersion(list[i])
		}
	}
	return nil, storeNotFound("workflow version", versionLabel(code, version))
}

func (s *MemoryStore) ListVersions(ctx context.Context, code string) ([]*WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*WorkflowVersion
	for _, v := range s.versions[code] {
		cp, err := copyVersion(v)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// copyVersion deep-copies through JSON since definitions hold nested config maps.
func copyVersion(v *WorkflowVersion) (*WorkflowVersion, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copy version: %w", err)
	}
	out := &WorkflowVersion{}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("copy version: %w", err)
	}
	return out, nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRun(run)
}

func (s *MemoryStore) CreateRunOnce(ctx context.Context, run *Run, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.idempotency[key]; ok {
		var owner string
		if err := json.Unmarshal(rec.Result, &owner); err != nil {
			return "", fmt.Errorf("decode key owner: %w", err)
		}
		return owner, nil
	}
	if err := s.insertRun(run); err != nil {
		return "", err
	}
	id, _ := json.Marshal(run.ID)
	s.idempotency[key] = &IdempotencyRecord{Key: key, Result: id, CreatedAt: run.CreatedAt}
	return run.ID, nil
}

func (s *MemoryStore) insertRun(run *Run) error {
	if _, ok := s.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	if run.Revision == 0 {
		run.Revision = 1
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	run.UpdatedAt = run.CreatedAt
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return copyRun(run), nil
}

func (s *MemoryStore) FindRunByCorrelation(ctx context.Context, correlationID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Run
	for _, run := range s.runs {
		if run.CorrelationID != correlationID {
			continue
		}
		if run.Status != schema.RunStatusRunning && run.Status != schema.RunStatusPaused {
			continue
		}
		if found == nil || run.CreatedAt.After(found.CreatedAt) {
			found = run
		}
	}
	if found == nil {
		return nil, storeNotFound("active run with correlation id", correlationID)
	}
	return copyRun(found), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Run
	for _, run := range s.runs {
		if filter.DefinitionCode != "" && run.DefinitionCode != filter.DefinitionCode {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.AwaitingSignal != "" && run.AwaitingSignal != filter.AwaitingSignal {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Checkpoint(ctx context.Context, run *Run, steps ...*RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return storeNotFound("run", run.ID)
	}
	if stored.Revision != run.Revision {
		return revisionConflict(run)
	}

	next := copyRun(run)
	next.Revision++
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = s.now()
	}
	next.CreatedAt = stored.CreatedAt
	s.runs[run.ID] = next

	for _, st := range steps {
		s.upsertStep(st)
	}

	run.Revision = next.Revision
	run.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *MemoryStore) upsertStep(st *RunStep) {
	if st.StartedAt.IsZero() {
		st.StartedAt = s.now()
	}
	list := s.steps[st.RunID]
	for i, existing := range list {
		if existing.ID == st.ID {
			list[i] = copyStep(st)
			return
		}
	}
	s.steps[st.RunID] = append(list, copyStep(st))
}

func (s *MemoryStore) ListRunSteps(ctx context.Context, runID string) ([]*RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*RunStep, 0, len(s.steps[runID]))
	for _, st := range s.steps[runID] {
		out = append(out, copyStep(st))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) CountRunSteps(ctx context.Context, runID, stepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, st := range s.steps[runID] {
		if st.StepID == stepID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateRunStep(ctx context.Context, st *RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.steps[st.RunID] {
		if existing.ID == st.ID {
			cp := copyStep(existing)
			cp.Status = st.Status
			cp.Output = cloneRaw(st.Output)
			cp.Error = st.Error
			cp.CompletedAt = st.CompletedAt
			s.steps[st.RunID][i] = cp
			return nil
		}
	}
	return storeNotFound("run step", st.ID)
}

// --- Timers ---

func (s *MemoryStore) CreateTimer(ctx context.Context, t *Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.Status = schema.TimerStatusPending
	cp := *t
	cp.FiredAt = nil
	s.timers[t.SignalName] = &cp
	return nil
}

func (s *MemoryStore) GetTimer(ctx context.Context, signalName string) (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[signalName]
	if !ok {
		return nil, storeNotFound("timer", signalName)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Timer
	for _, t := range s.timers {
		if t.Status == schema.TimerStatusPending && !t.DueAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FireTimer(ctx context.Context, signalName string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[signalName]
	if !ok {
		return false, storeNotFound("timer", signalName)
	}
	if t.Status != schema.TimerStatusPending {
		return false, nil
	}
	t.Status = schema.TimerStatusFired
	t.FiredAt = &at
	return true, nil
}

func (s *MemoryStore) RetireTimer(ctx context.Context, signalName, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[signalName]
	if !ok || t.ID != id || t.Status != schema.TimerStatusPending {
		return false, nil
	}
	t.Status = schema.TimerStatusFired
	t.FiredAt = &at
	return true, nil
}

// --- Outbox ---

func (s *MemoryStore) AddOutboxMessage(ctx context.Context, msg *OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.AvailableAt.IsZero() {
		msg.AvailableAt = msg.CreatedAt
	}
	if msg.Status == "" {
		msg.Status = schema.OutboxStatusPending
	}
	cp := *msg
	cp.Payload = cloneRaw(msg.Payload)
	s.outbox = append(s.outbox, &cp)
	return nil
}

func (s *MemoryStore) ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status != schema.OutboxStatusPending || m.AvailableAt.After(now) {
			continue
		}
		cp := *m
		cp.Payload = cloneRaw(m.Payload)
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// OutboxMessages returns every outbox message regardless of status.
func (s *MemoryStore) OutboxMessages() []*OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		cp := *m
		cp.Payload = cloneRaw(m.Payload)
		out = append(out, &cp)
	}
	return out
}

func (s *MemoryStore) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findOutbox(id)
	if m == nil {
		return storeNotFound("outbox message", id)
	}
	m.Status = schema.OutboxStatusPublished
	m.PublishedAt = &at
	m.Attempts++
	return nil
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id string, errMsg string, retryAt time.Time, giveUp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findOutbox(id)
	if m == nil {
		return storeNotFound("outbox message", id)
	}
	m.Attempts++
	m.LastError = errMsg
	m.AvailableAt = retryAt
	if giveUp {
		m.Status = schema.OutboxStatusFailed
	}
	return nil
}

func (s *MemoryStore) findOutbox(id string) *OutboxMessage {
	for _, m := range s.outbox {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// --- Signals ---

func (s *MemoryStore) RecordSignal(ctx context.Context, sig *SignalRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.IdempotencyKey != "" && s.hasSignal(sig.RunID, sig.IdempotencyKey) {
		return false, nil
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = s.now()
	}
	s.idIncrement++
	sig.ID = s.idIncrement
	cp := *sig
	cp.Payload = cloneRaw(sig.Payload)
	s.signals = append(s.signals, &cp)
	return true, nil
}

func (s *MemoryStore) HasSignal(ctx context.Context, runID, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasSignal(runID, idempotencyKey), nil
}

func (s *MemoryStore) hasSignal(runID, key string) bool {
	for _, sig := range s.signals {
		if sig.RunID == runID && sig.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListSignals(ctx context.Context, runID string) ([]*SignalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*SignalRecord
	for _, sig := range s.signals {
		if sig.RunID == runID {
			cp := *sig
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Idempotency ---

func (s *MemoryStore) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idempotency[key]
	if !ok {
		return nil, storeNotFound("idempotency key", key)
	}
	cp := *rec
	cp.Result = cloneRaw(rec.Result)
	return &cp, nil
}

func (s *MemoryStore) PutIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	cp := *rec
	cp.Result = cloneRaw(rec.Result)
	s.idempotency[rec.Key] = &cp
	return nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idIncrement++
	event.ID = s.idIncrement
	event.Sequence = int64(len(s.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	cp := *event
	cp.Payload = cloneRaw(event.Payload)
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func copyRun(r *Run) *Run {
	cp := *r
	cp.Context = cloneRaw(r.Context)
	cp.Error = cloneRaw(r.Error)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyStep(st *RunStep) *RunStep {
	cp := *st
	cp.Output = cloneRaw(st.Output)
	if st.CompletedAt != nil {
		t := *st.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
