package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w)

	err := p.Publish(context.Background(), &store.OutboxMessage{
		ID: "m1", EventType: "PaymentRefundRequested", CorrelationID: "order-9",
		Payload: json.RawMessage(`{"amount":10}`),
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order-9", string(w.msgs[0].Key))
	assert.JSONEq(t, `{"amount":10}`, string(w.msgs[0].Value))
	assert.Equal(t, "PaymentRefundRequested", header(w.msgs[0], HeaderEventType))
	assert.Equal(t, "m1", header(w.msgs[0], HeaderMessageID))

	require.NoError(t, p.Publish(context.Background(), &store.OutboxMessage{ID: "m2", EventType: "x"}))
	assert.Equal(t, "m2", string(w.msgs[1].Key))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "t")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "stepflow.events")
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestFanOut(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{fail: errors.New("broker down")}
	msg := &store.OutboxMessage{ID: "m1", EventType: "WorkflowRunCompleted"}

	require.NoError(t, FanOut{ok}.Publish(context.Background(), msg))
	assert.Len(t, ok.published, 1)

	err := FanOut{ok, bad}.Publish(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, ok.published, 2)

	assert.NoError(t, FanOut{ok, NewLogPublisher(nil)}.Close())
}
