package actions

import (
	"log/slog"
	"time"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/logging"
)

// BuiltinDeps are the collaborators of the built-in actions. Nil fields
// disable the actions that need them.
type BuiltinDeps struct {
	Expressions *expressions.Registry
	Events      EventPublisher
	Logger      *slog.Logger
}

// RegisterBuiltins registers the built-in actions in reg.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	all := []Action{
		&noopAction{now: time.Now},
		&workflowLogAction{logger: logging.OrDiscard(deps.Logger)},
		&workflowFailAction{},
	}
	if deps.Expressions != nil {
		all = append(all, &exprEvalAction{engines: deps.Expressions})
	}
	if deps.Events != nil {
		all = append(all, &eventPublishAction{bus: deps.Events})
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
