package outbox

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Outbox accepts integration events for asynchronous delivery.
type Outbox interface {
	Add(ctx context.Context, eventType string, payload any, correlationID string) error
}

// StoreOutbox writes events to the durable outbox table. A Relay publishes them later.
type StoreOutbox struct {
	store store.OutboxStore
	clock clock.PassiveClock
}

var _ Outbox = (*StoreOutbox)(nil)

// NewStoreOutbox creates an outbox over s. A nil clock means wall time.
func NewStoreOutbox(s store.OutboxStore, c clock.PassiveClock) *StoreOutbox {
	if c == nil {
		c = clock.RealClock{}
	}
	return &StoreOutbox{store: s, clock: c}
}

// Add serializes payload and stores it as a pending message.
func (o *StoreOutbox) Add(ctx context.Context, eventType string, payload any, correlationID string) error {
	if eventType == "" {
		return schema.NewError(schema.ErrCodeValidation, "outbox event type is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "outbox payload for %s is not serializable", eventType).WithCause(err)
	}

	now := o.clock.Now().UTC()
	msg := &store.OutboxMessage{
		ID:            uuid.New().String(),
		EventType:     eventType,
		Payload:       raw,
		CorrelationID: correlationID,
		Status:        schema.OutboxStatusPending,
		AvailableAt:   now,
		CreatedAt:     now,
	}
	if err := o.store.AddOutboxMessage(ctx, msg); err != nil {
		return schema.NewError(schema.ErrCodeStore, "add outbox message").WithCause(err)
	}
	return nil
}
