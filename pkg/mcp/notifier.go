package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// NotificationMethod is the MCP method run notifications are sent with.
const NotificationMethod = "notifications/message"

// ClientNotifier sends a notification to one client session.
// *server.MCPServer satisfies it.
type ClientNotifier interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier is an outbox publisher that pushes integration events about a run
// to the MCP session that started it. Delivery is best-effort: failures are
// logged and never fail the outbox message.
type Notifier struct {
	client   ClientNotifier
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a notifier over client and the server's session registry.
func NewNotifier(client ClientNotifier, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, sessions: sessions, logger: logger}
}

// Publish forwards msg when its payload names a run with a known session.
func (n *Notifier) Publish(ctx context.Context, msg *store.OutboxMessage) error {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil
	}
	runID, _ := payload["run_id"].(string)
	if runID == "" {
		return nil
	}
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil
	}

	err := n.client.SendNotificationToSpecificClient(sessionID, NotificationMethod, map[string]any{
		"event_type":     msg.EventType,
		"message_id":     msg.ID,
		"correlation_id": msg.CorrelationID,
		"payload":        payload,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	if err != nil {
		n.logger.WarnContext(ctx, "run notification failed", "run_id", runID, "session_id", sessionID, "error", err)
		return nil
	}

	if msg.EventType == schema.OutboxRunCompleted || msg.EventType == schema.OutboxRunFailed {
		n.sessions.Forget(runID)
	}
	return nil
}

func (n *Notifier) Close() error { return nil }
