package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handlePublish stores a definition as a new version.
func (s *Server) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}

	ver, err := s.executor.Publish(ctx, def)
	if err != nil {
		return toolError("publish failed", err), nil
	}
	return marshalResult(map[string]any{
		"code":         ver.Code,
		"version":      ver.Version,
		"published_at": ver.PublishedAt,
	})
}

// handleStart creates a run and drives it until it pauses or finishes.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("definition_code")
	if err != nil {
		return mcp.NewToolResultError("definition_code is required"), nil
	}

	info, err := s.executor.Start(ctx, engine.StartRequest{
		DefinitionCode: code,
		Version:        req.GetInt("version", 0),
		Context:        mcp.ParseStringMap(req, "context", nil),
		CorrelationID:  req.GetString("correlation_id", ""),
		IdempotencyKey: req.GetString("idempotency_key", ""),
	})
	if err != nil {
		return toolError("start failed", err), nil
	}
	s.captureSession(ctx, info.RunID)
	return marshalResult(info)
}

// handleSignal delivers a signal. Ignored signals are reported, not errors.
func (s *Server) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	info, err := s.executor.Signal(ctx, schema.SignalRequest{
		Name:           name,
		RunID:          req.GetString("run_id", ""),
		CorrelationID:  req.GetString("correlation_id", ""),
		StepID:         req.GetString("step_id", ""),
		IdempotencyKey: req.GetString("idempotency_key", ""),
		Payload:        mcp.ParseStringMap(req, "payload", nil),
	})
	if err != nil {
		return toolError("signal failed", err), nil
	}
	return marshalResult(info)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	info, err := s.executor.Cancel(ctx, runID, req.GetString("reason", ""))
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(info)
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	info, err := s.executor.Status(ctx, runID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(info)
}

func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	history, err := s.executor.History(ctx, runID)
	if err != nil {
		return toolError("history query failed", err), nil
	}
	result := map[string]any{"run_id": runID, "steps": history}

	if req.GetBool("include_events", false) {
		events, err := s.executor.Events(ctx, runID, 0)
		if err != nil {
			return toolError("event query failed", err), nil
		}
		result["events"] = events
	}
	return marshalResult(result)
}

func (s *Server) handleCompensate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	info, err := s.executor.Compensate(ctx, runID)
	if err != nil {
		return toolError("compensate failed", err), nil
	}
	return marshalResult(info)
}

// handleDiagram renders a definition, overlaid with a run's step states
// when run_id is given.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}

	var history []*store.RunStep
	if runID := req.GetString("run_id", ""); runID != "" {
		h, err := s.executor.History(ctx, runID)
		if err != nil {
			return toolError("history query failed", err), nil
		}
		history = h
	}

	model, err := diagram.Build(def, history)
	if err != nil {
		return toolError("diagram failed", err), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Internal helpers ---

// parseDefinition decodes the "definition" argument.
func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return &def, nil
}

// captureSession maps the run to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// toolError renders err as a tool error, keeping the stepflow error code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var se *schema.Error
	if errors.As(err, &se) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, se.Code, se.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
