package compensation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/internal/document"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func (e *Executor) runAction(ctx context.Context, run *store.Run, rs *store.RunStep, action schema.CompensationAction, ctxDoc *document.Document) error {
	switch action.Type {
	case schema.CompensationAPICall:
		return e.apiCall(ctx, run, rs, action, ctxDoc)
	case schema.CompensationEvent:
		name := configString(action.Config, "eventName", "eventType")
		if name == "" {
			return schema.NewError(schema.ErrCodeValidation, "event compensation requires eventName").WithStep(rs.StepID)
		}
		return e.emit(ctx, name, run, rs, action)
	case schema.CompensationWalletReverse:
		return e.emit(ctx, schema.OutboxWalletReverseRequest, run, rs, action)
	case schema.CompensationPaymentRefund:
		return e.emit(ctx, schema.OutboxPaymentRefundRequest, run, rs, action)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown compensation action %q", action.Type).WithStep(rs.StepID)
}

// apiCall invokes config.methodId with static config.params, or with the
// output of config.requestMappingId evaluated over {context, step}.
func (e *Executor) apiCall(ctx context.Context, run *store.Run, rs *store.RunStep, action schema.CompensationAction, ctxDoc *document.Document) error {
	if e.api == nil {
		return schema.NewError(schema.ErrCodeExternalCall, "no api proxy configured").WithStep(rs.StepID)
	}
	methodID := configString(action.Config, "methodId", "serviceMethodId")
	if methodID == "" {
		return schema.NewError(schema.ErrCodeValidation, "apiCall compensation requires methodId").WithStep(rs.StepID)
	}

	params := map[string]any{}
	if p, ok := action.Config["params"].(map[string]any); ok {
		for k, v := range p {
			params[k] = v
		}
	}
	if mappingID := configString(action.Config, "requestMappingId"); mappingID != "" {
		mapped, err := e.mapRequest(ctx, mappingID, rs, ctxDoc)
		if err != nil {
			return err
		}
		for k, v := range mapped {
			params[k] = v
		}
	}

	resp, err := e.api.Invoke(ctx, methodID, params)
	if err != nil {
		return err
	}
	if !resp.IsSuccess {
		return schema.NewErrorf(schema.ErrCodeExternalCall, "compensation call %s failed: %s (status %d)",
			methodID, resp.ErrorMessage, resp.StatusCode).WithStep(rs.StepID)
	}
	return nil
}

func (e *Executor) mapRequest(ctx context.Context, mappingID string, rs *store.RunStep, ctxDoc *document.Document) (map[string]any, error) {
	if e.mappings == nil {
		return nil, schema.NewError(schema.ErrCodeExternalCall, "no mapping evaluator configured").WithStep(rs.StepID)
	}
	input := ctxDoc.Clone()
	var output any
	if len(rs.Output) > 0 {
		_ = json.Unmarshal(rs.Output, &output)
	}
	if err := input.Set("step", map[string]any{"id": rs.StepID, "output": output}); err != nil {
		return nil, err
	}
	res, err := e.mappings.Execute(ctx, mappingID, input.Bytes())
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, schema.NewErrorf(schema.ErrCodeExternalCall, "compensation mapping %s failed: %s", mappingID, res.Error).WithStep(rs.StepID)
	}
	out := map[string]any{}
	if len(res.OutputJSON) > 0 && string(res.OutputJSON) != "null" {
		if err := json.Unmarshal(res.OutputJSON, &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExternalCall, "compensation mapping %s must produce an object", mappingID).WithStep(rs.StepID)
		}
	}
	return out, nil
}

// emit writes an integration event describing the compensation to the outbox.
func (e *Executor) emit(ctx context.Context, eventType string, run *store.Run, rs *store.RunStep, action schema.CompensationAction) error {
	if e.outbox == nil {
		return schema.NewError(schema.ErrCodeExternalCall, "no outbox configured").WithStep(rs.StepID)
	}
	payload := map[string]any{
		"run_id":         run.ID,
		"step_id":        rs.StepID,
		"execution_key":  rs.ExecutionKey,
		"action":         string(action.Type),
		"config":         action.Config,
		"correlation_id": run.CorrelationID,
		"requested_at":   e.now(),
	}
	if len(rs.Output) > 0 {
		payload["step_output"] = rs.Output
	}
	if err := e.outbox.Add(ctx, eventType, payload, run.CorrelationID); err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}

func configString(cfg map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := cfg[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
