package store

import (
	"context"
	"time"
)

// VersionStore holds published, immutable workflow versions.
type VersionStore interface {
	SaveVersion(ctx context.Context, v *WorkflowVersion) error
	// GetPublishedVersion returns the given version, or the latest published one when version is 0.
	GetPublishedVersion(ctx context.Context, code string, version int) (*WorkflowVersion, error)
	ListVersions(ctx context.Context, code string) ([]*WorkflowVersion, error)
}

// RunStore persists runs and their step history.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	// CreateRunOnce creates run and binds key to it in one transaction. When
	// key is already bound nothing is written and the owning run id is returned.
	CreateRunOnce(ctx context.Context, run *Run, key string) (string, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	// FindRunByCorrelation returns the newest running or paused run with the correlation id.
	FindRunByCorrelation(ctx context.Context, correlationID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Checkpoint writes run and upserts steps in one transaction. The run row
	// is only updated if its stored revision still equals run.Revision; on
	// success run.Revision is incremented, otherwise a CONFLICT error is returned
	// and nothing is written.
	Checkpoint(ctx context.Context, run *Run, steps ...*RunStep) error

	ListRunSteps(ctx context.Context, runID string) ([]*RunStep, error)
	CountRunSteps(ctx context.Context, runID, stepID string) (int, error)
	// UpdateRunStep updates a step outside of a checkpoint (compensation bookkeeping).
	UpdateRunStep(ctx context.Context, step *RunStep) error
}

// TimerStore persists durable timers.
type TimerStore interface {
	// CreateTimer inserts a timer, or re-arms the pending/fired timer with the
	// same signal name. Every arming takes t.ID, so one step visit is one id.
	CreateTimer(ctx context.Context, t *Timer) error
	GetTimer(ctx context.Context, signalName string) (*Timer, error)
	ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*Timer, error)
	// FireTimer moves a pending timer to fired. It returns false when the timer
	// was already fired.
	FireTimer(ctx context.Context, signalName string, at time.Time) (bool, error)
	// RetireTimer fires the timer only while it is still pending under the
	// arming id. It returns false when the timer was re-armed or already fired.
	RetireTimer(ctx context.Context, signalName, id string, at time.Time) (bool, error)
}

// OutboxStore persists integration events until they are published.
type OutboxStore interface {
	AddOutboxMessage(ctx context.Context, msg *OutboxMessage) error
	ListPendingOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, errMsg string, retryAt time.Time, giveUp bool) error
}

// SignalStore is the log of handled signals.
type SignalStore interface {
	// RecordSignal stores a handled signal. It returns false if a signal with
	// the same run and idempotency key was already recorded.
	RecordSignal(ctx context.Context, sig *SignalRecord) (bool, error)
	HasSignal(ctx context.Context, runID, idempotencyKey string) (bool, error)
	ListSignals(ctx context.Context, runID string) ([]*SignalRecord, error)
}

// IdempotencyStore remembers the results of side-effecting step executions.
type IdempotencyStore interface {
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error
}

// EventStore is the append-only per-run event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
}

// Store is the full persistence contract. Implementations must be safe for concurrent use.
type Store interface {
	VersionStore
	RunStore
	TimerStore
	OutboxStore
	SignalStore
	IdempotencyStore
	EventStore

	Migrate(ctx context.Context) error
	Close() error
}
