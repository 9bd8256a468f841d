package steps

import (
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Registry maps step types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.StepType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.StepType]Handler)}
}

// Register adds h. Registering a type twice is a CONFLICT.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for step type %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Get returns the handler for t. An unknown type is a GRAPH_ERROR.
func (r *Registry) Get(t schema.StepType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeGraph, "no handler registered for step type %q", t)
	}
	return h, nil
}

// ValidateStep checks that step has a handler and that the handler accepts its config.
func (r *Registry) ValidateStep(step *schema.StepDefinition) error {
	h, err := r.Get(step.Type)
	if err != nil {
		if se, ok := err.(*schema.Error); ok {
			return se.WithStep(step.ID)
		}
		return err
	}
	return h.Validate(step)
}

// Types lists registered step types, sorted.
func (r *Registry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
