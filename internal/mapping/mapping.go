// Package mapping turns a run's context into API request params and API
// responses back into context patches. Each mapping is a named jq program.
package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Result mirrors the evaluator contract: evaluation problems are reported in
// Success/Error rather than as a Go error.
type Result struct {
	Success    bool            `json:"success"`
	OutputJSON json.RawMessage `json:"output_json,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Evaluator executes a named mapping against a JSON document.
type Evaluator interface {
	Execute(ctx context.Context, mappingID string, contextJSON json.RawMessage) (*Result, error)
}

// JQEvaluator stores mappings as jq programs.
type JQEvaluator struct {
	engine *expressions.GoJQEngine

	mu       sync.RWMutex
	mappings map[string]string
}

var _ Evaluator = (*JQEvaluator)(nil)

func NewJQEvaluator(engine *expressions.GoJQEngine) *JQEvaluator {
	if engine == nil {
		engine = expressions.NewGoJQEngine()
	}
	return &JQEvaluator{engine: engine, mappings: make(map[string]string)}
}

// Register compiles program and stores it under id.
func (e *JQEvaluator) Register(id, program string) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "mapping: missing id")
	}
	if err := e.engine.Check(program); err != nil {
		return fmt.Errorf("mapping %q: %w", id, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mappings[id] = program
	return nil
}

func (e *JQEvaluator) Has(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.mappings[id]
	return ok
}

// Execute runs mapping id over contextJSON. An unknown id is a NOT_FOUND error.
func (e *JQEvaluator) Execute(ctx context.Context, mappingID string, contextJSON json.RawMessage) (*Result, error) {
	e.mu.RLock()
	program, ok := e.mappings[mappingID]
	e.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "mapping %q is not registered", mappingID)
	}

	input := map[string]any{}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &input); err != nil {
			return &Result{Error: fmt.Sprintf("mapping input is not a JSON object: %v", err)}, nil
		}
	}

	out, err := e.engine.Evaluate(ctx, program, input)
	if err != nil {
		return &Result{Error: err.Error()}, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return &Result{Error: fmt.Sprintf("encode mapping output: %v", err)}, nil
	}
	return &Result{Success: true, OutputJSON: b}, nil
}
