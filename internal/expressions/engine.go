package expressions

import "context"

// Engine evaluates an expression against a data map.
// CEL decides Decision transitions, expr computes Calculation values and jq
// drives the request/response mappings of service tasks.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Variables every engine sees. Missing ones default to empty objects.
const (
	VarContext = "context"
	VarRun     = "run"
)

func withDefaults(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	for _, k := range []string{VarContext, VarRun} {
		if out[k] == nil {
			out[k] = map[string]any{}
		}
	}
	return out
}
