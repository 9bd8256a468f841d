package schema

// Event type constants for the per-run event log.
const (
	EventRunStarted      = "run_started"
	EventRunPaused       = "run_paused"
	EventRunResumed      = "run_resumed"
	EventRunCompleted    = "run_completed"
	EventRunFailed       = "run_failed"
	EventRunCancelled    = "run_cancelled"
	EventRunCompensating = "run_compensating"
	EventRunCompensated  = "run_compensated"

	EventStepStarted     = "step_started"
	EventStepCompleted   = "step_completed"
	EventStepFailed      = "step_failed"
	EventStepCompensated = "step_compensated"

	EventSignalReceived = "signal_received"
	EventSignalIgnored  = "signal_ignored"
)

// Integration event types written to the outbox.
const (
	OutboxHumanTaskRequested   = "HumanTaskRequested"
	OutboxWalletReverseRequest = "WalletReverseRequested"
	OutboxPaymentRefundRequest = "PaymentRefundRequested"
	OutboxRunCompleted         = "WorkflowRunCompleted"
	OutboxRunFailed            = "WorkflowRunFailed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning      RunStatus = "running"
	RunStatusPaused       RunStatus = "paused"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
	RunStatusCompensating RunStatus = "compensating"
	RunStatusCompensated  RunStatus = "compensated"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusCompensated:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a run step.
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusRunning     StepStatus = "running"
	StepStatusCompleted   StepStatus = "completed"
	StepStatusFailed      StepStatus = "failed"
	StepStatusCompensated StepStatus = "compensated"
	StepStatusCancelled   StepStatus = "cancelled"
)

// TimerStatus is the state of a scheduled timer.
type TimerStatus string

const (
	TimerStatusPending TimerStatus = "pending"
	TimerStatusFired   TimerStatus = "fired"
)

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)
