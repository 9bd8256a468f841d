package steps

import (
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/internal/apiproxy"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/mapping"
	"github.com/rendis/stepflow/internal/outbox"
	"github.com/rendis/stepflow/internal/store"
)

// SchemaChecker reports whether a payload schema compiles.
type SchemaChecker interface {
	CheckSchema(payloadSchema any) error
}

// Dependencies are the collaborators of the built-in handlers.
type Dependencies struct {
	CEL         *expressions.CELEngine
	Expr        *expressions.ExprEngine
	Outbox      outbox.Outbox
	Timers      store.TimerStore
	Idempotency store.IdempotencyStore
	API         apiproxy.Invoker
	Mappings    mapping.Evaluator
	Compensator Compensator
	Schemas     SchemaChecker
	Clock       clock.PassiveClock
	Logger      *slog.Logger
}

// RegisterBuiltins registers a handler for every built-in step type.
func RegisterBuiltins(r *Registry, deps Dependencies) error {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}
	if deps.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return err
		}
		deps.CEL = cel
	}

	handlers := []Handler{
		&StartHandler{},
		&EndHandler{},
		&CalculationHandler{expr: deps.Expr},
		&DecisionHandler{cel: deps.CEL},
		&FormHandler{schemas: deps.Schemas},
		&WaitForEventHandler{},
		&HumanTaskHandler{outbox: deps.Outbox},
		NewTimerHandler(deps.Timers, deps.Clock),
		&ServiceTaskHandler{api: deps.API, mappings: deps.Mappings, idempotency: deps.Idempotency, clock: deps.Clock, logger: deps.Logger},
		&CompensationHandler{compensator: deps.Compensator},
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
