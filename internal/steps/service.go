package steps

import (
	"context"
	"encoding/json"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/internal/apiproxy"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/mapping"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// ServiceTaskHandler calls an external API through the proxy.
//
// Request params come from config.requestMappingId evaluated over the
// context, or from static config.params. The response is mapped with
// config.responseMappingId over {...context, response}, or stored at
// apis.<stepId>. Successful outputs are remembered by execution key so a
// re-driven attempt does not call the API again.
type ServiceTaskHandler struct {
	api         apiproxy.Invoker
	mappings    mapping.Evaluator
	idempotency store.IdempotencyStore
	clock       clock.PassiveClock
	logger      *slog.Logger
}

func (h *ServiceTaskHandler) Type() schema.StepType { return schema.StepTypeServiceTask }

func (h *ServiceTaskHandler) Validate(step *schema.StepDefinition) error {
	if step.ConfigString("serviceMethodId") == "" {
		return stepErr(schema.ErrCodeValidation, step, "service task requires config.serviceMethodId")
	}
	if h.api == nil {
		return stepErr(schema.ErrCodeGraph, step, "service tasks need an api proxy")
	}
	if (step.ConfigString("requestMappingId") != "" || step.ConfigString("responseMappingId") != "") && h.mappings == nil {
		return stepErr(schema.ErrCodeGraph, step, "service task mappings need a mapping evaluator")
	}
	if p, ok := step.Config["params"]; ok {
		if _, isMap := p.(map[string]any); !isMap {
			return stepErr(schema.ErrCodeValidation, step, "config.params must be an object")
		}
	}
	return nil
}

func (h *ServiceTaskHandler) Execute(ctx context.Context, exec *Execution) Result {
	step := exec.Step
	key := exec.RunStep.ExecutionKey

	if out, ok := h.cached(ctx, key); ok {
		logging.LogWith(ctx, h.logger).Info("service task idempotency hit", slog.String("execution_key", key))
		return Success(next(step), out)
	}

	params, err := h.requestParams(ctx, exec)
	if err != nil {
		return Failure(err)
	}

	methodID := step.ConfigString("serviceMethodId")
	resp, err := h.api.Invoke(ctx, methodID, params)
	if err != nil {
		return Failure(schema.NewErrorf(schema.ErrCodeExternalCall, "api call %s failed", methodID).WithStep(step.ID).WithCause(err))
	}
	if !resp.IsSuccess {
		return Failure(schema.NewErrorf(schema.ErrCodeExternalCall, "api call %s failed: %s (status %d)",
			methodID, resp.ErrorMessage, resp.StatusCode).
			WithStep(step.ID).
			WithDetails(map[string]any{"status_code": resp.StatusCode}))
	}

	out, err := h.responseOutput(ctx, exec, resp)
	if err != nil {
		return Failure(err)
	}
	h.remember(ctx, key, out)
	return Success(next(step), out)
}

func (h *ServiceTaskHandler) requestParams(ctx context.Context, exec *Execution) (map[string]any, error) {
	step := exec.Step
	params := map[string]any{}
	if p, ok := step.Config["params"].(map[string]any); ok {
		for k, v := range p {
			params[k] = v
		}
	}

	mappingID := step.ConfigString("requestMappingId")
	if mappingID == "" {
		return params, nil
	}
	mapped, err := h.runMapping(ctx, step, mappingID, exec.Context.Bytes())
	if err != nil {
		return nil, err
	}
	for k, v := range mapped {
		params[k] = v
	}
	return params, nil
}

func (h *ServiceTaskHandler) responseOutput(ctx context.Context, exec *Execution, resp *apiproxy.Response) (map[string]any, error) {
	step := exec.Step
	var body any
	if len(resp.ResponseBody) > 0 {
		if err := json.Unmarshal(resp.ResponseBody, &body); err != nil {
			body = string(resp.ResponseBody)
		}
	}

	mappingID := step.ConfigString("responseMappingId")
	if mappingID == "" {
		return map[string]any{
			"apis": map[string]any{
				step.ID: map[string]any{
					"response":    body,
					"status_code": resp.StatusCode,
				},
			},
		}, nil
	}

	input := exec.Context.Clone()
	if err := input.Set("response", body); err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "prepare response mapping input").WithStep(step.ID).WithCause(err)
	}
	return h.runMapping(ctx, step, mappingID, input.Bytes())
}

// runMapping executes a mapping that must produce an object (or null).
func (h *ServiceTaskHandler) runMapping(ctx context.Context, step *schema.StepDefinition, mappingID string, input []byte) (map[string]any, error) {
	res, err := h.mappings.Execute(ctx, mappingID, input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalCall, "mapping %s failed", mappingID).WithStep(step.ID).WithCause(err)
	}
	if !res.Success {
		return nil, schema.NewErrorf(schema.ErrCodeExternalCall, "mapping %s failed: %s", mappingID, res.Error).WithStep(step.ID)
	}
	out := map[string]any{}
	if len(res.OutputJSON) == 0 || string(res.OutputJSON) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(res.OutputJSON, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalCall, "mapping %s must produce an object", mappingID).WithStep(step.ID)
	}
	return out, nil
}

func (h *ServiceTaskHandler) cached(ctx context.Context, key string) (map[string]any, bool) {
	if h.idempotency == nil || key == "" {
		return nil, false
	}
	rec, err := h.idempotency.GetIdempotencyRecord(ctx, key)
	if err != nil || rec == nil {
		return nil, false
	}
	out := map[string]any{}
	if len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, &out); err != nil {
			return nil, false
		}
	}
	return out, true
}

func (h *ServiceTaskHandler) remember(ctx context.Context, key string, out map[string]any) {
	if h.idempotency == nil || key == "" {
		return
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return
	}
	rec := &store.IdempotencyRecord{Key: key, Result: raw, CreatedAt: h.clock.Now().UTC()}
	if err := h.idempotency.PutIdempotencyRecord(ctx, rec); err != nil {
		logging.LogWith(ctx, h.logger).Warn("service task: store idempotency record",
			slog.String("execution_key", key), slog.String("error", err.Error()))
	}
}
