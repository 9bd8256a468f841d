package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowVersion is a published, immutable step graph.
type WorkflowVersion struct {
	Code        string                    `json:"code"`
	Version     int                       `json:"version"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	PublishedAt time.Time                 `json:"published_at"`
}

// Run is one durable execution of a workflow version.
type Run struct {
	ID             string           `json:"id"`
	DefinitionCode string           `json:"definition_code"`
	Version        int              `json:"version"`
	Status         schema.RunStatus `json:"status"`
	CurrentStepID  string           `json:"current_step_id,omitempty"`
	Context        json.RawMessage  `json:"context"`
	CorrelationID  string           `json:"correlation_id,omitempty"`
	AwaitingSignal string           `json:"awaiting_signal,omitempty"`
	Error          json.RawMessage  `json:"error,omitempty"`
	Revision       int64            `json:"revision"`
	Sequence       int64            `json:"sequence"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// NextSeq advances and returns the run's step sequence counter.
func (r *Run) NextSeq() int64 {
	r.Sequence++
	return r.Sequence
}

// RunStep records one visit of a run to a step.
type RunStep struct {
	ID            string            `json:"id"`
	RunID         string            `json:"run_id"`
	StepID        string            `json:"step_id"`
	StepType      schema.StepType   `json:"step_type"`
	Status        schema.StepStatus `json:"status"`
	Attempt       int               `json:"attempt"`
	ExecutionKey  string            `json:"execution_key"`
	Position      int64             `json:"position"`
	CompletionSeq int64             `json:"completion_seq,omitempty"`
	Output        json.RawMessage   `json:"output,omitempty"`
	Error         string            `json:"error,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// ExecutionKey identifies one attempt of a step within a run.
func ExecutionKey(runID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stepID, attempt)
}

// Timer is a durable wake-up for a paused Timer step.
type Timer struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id"`
	StepID     string             `json:"step_id"`
	SignalName string             `json:"signal_name"`
	DueAt      time.Time          `json:"due_at"`
	Status     schema.TimerStatus `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	FiredAt    *time.Time         `json:"fired_at,omitempty"`
}

// OutboxMessage is an integration event waiting to be published.
type OutboxMessage struct {
	ID            string              `json:"id"`
	EventType     string              `json:"event_type"`
	Payload       json.RawMessage     `json:"payload"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Status        schema.OutboxStatus `json:"status"`
	Attempts      int                 `json:"attempts"`
	LastError     string              `json:"last_error,omitempty"`
	AvailableAt   time.Time           `json:"available_at"`
	CreatedAt     time.Time           `json:"created_at"`
	PublishedAt   *time.Time          `json:"published_at,omitempty"`
}

// SignalRecord is a handled signal.
type SignalRecord struct {
	ID             int64           `json:"id"`
	RunID          string          `json:"run_id"`
	Name           string          `json:"name"`
	StepID         string          `json:"step_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Outcome        string          `json:"outcome"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// IdempotencyRecord caches the output of a side-effecting execution.
type IdempotencyRecord struct {
	Key       string          `json:"key"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event is one entry of a run's event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	DefinitionCode string
	Status         *schema.RunStatus
	AwaitingSignal string
	Limit          int
}
