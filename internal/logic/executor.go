// Package logic runs user-supplied Go functions in a yaegi interpreter.
//
// A script declares
//
//	func Run(input map[string]any) (any, error)
//
// and may import only a small set of pure standard packages. Each call gets
// a fresh interpreter and a hard time budget.
package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultBudget bounds compile plus run time for one call.
const DefaultBudget = time.Second

const entryPoint = "Run"

// allowedPackages are the only imports a script may use.
var allowedPackages = []string{
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// Executor runs a named logic script against an input namespace.
type Executor interface {
	Execute(ctx context.Context, logicID string, input map[string]any) (any, error)
}

// ScriptSource resolves stored scripts. *metadata.Catalog satisfies it.
type ScriptSource interface {
	LogicScript(ctx context.Context, id string) (*schema.LogicScript, error)
}

// YaegiExecutor implements Executor with the yaegi interpreter. Scripts
// registered in-process shadow those from the source.
type YaegiExecutor struct {
	source  ScriptSource
	budget  time.Duration
	logger  *slog.Logger
	symbols interp.Exports

	mu      sync.RWMutex
	scripts map[string]string
}

// Option configures a YaegiExecutor.
type Option func(*YaegiExecutor)

// WithSource resolves IDs that were not registered in-process.
func WithSource(s ScriptSource) Option {
	return func(e *YaegiExecutor) { e.source = s }
}

// WithBudget overrides DefaultBudget.
func WithBudget(d time.Duration) Option {
	return func(e *YaegiExecutor) {
		if d > 0 {
			e.budget = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *YaegiExecutor) { e.logger = l }
}

// NewYaegiExecutor creates an executor.
func NewYaegiExecutor(opts ...Option) *YaegiExecutor {
	e := &YaegiExecutor{
		budget:  DefaultBudget,
		symbols: restrictedSymbols(),
		scripts: make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = logging.OrDiscard(e.logger)
	return e
}

// Register compiles src once to reject broken scripts early, then stores it
// under id.
func (e *YaegiExecutor) Register(id, src string) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "logic id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.budget)
	defer cancel()
	if _, err := e.compile(ctx, src); err != nil {
		return err
	}
	e.mu.Lock()
	e.scripts[id] = src
	e.mu.Unlock()
	return nil
}

// Unregister drops an in-process script.
func (e *YaegiExecutor) Unregister(id string) {
	e.mu.Lock()
	delete(e.scripts, id)
	e.mu.Unlock()
}

// Execute runs the script registered as logicID.
func (e *YaegiExecutor) Execute(ctx context.Context, logicID string, input map[string]any) (any, error) {
	src, err := e.resolve(ctx, logicID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, logicID, src, input)
}

// Eval runs an inline snippet that is not stored anywhere.
func (e *YaegiExecutor) Eval(ctx context.Context, src string, input map[string]any) (any, error) {
	return e.run(ctx, "snippet", src, input)
}

func (e *YaegiExecutor) resolve(ctx context.Context, id string) (string, error) {
	e.mu.RLock()
	src, ok := e.scripts[id]
	e.mu.RUnlock()
	if ok {
		return src, nil
	}
	if e.source != nil {
		script, err := e.source.LogicScript(ctx, id)
		if err == nil {
			return script.Source, nil
		}
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return "", err
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeNotFound, "logic %s not found", id)
}

type outcome struct {
	value any
	err   error
}

func (e *YaegiExecutor) run(ctx context.Context, id, src string, input map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	// A Run that never returns cannot be interrupted; its goroutine is
	// abandoned once the budget expires.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: schema.NewErrorf(schema.ErrCodeExecution, "logic %s panicked: %v", id, r)}
			}
		}()
		fn, err := e.compile(ctx, src)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		v, err := fn(schema.CloneMap(input))
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			var fe *schema.FlowError
			if !errors.As(out.err, &fe) {
				out.err = schema.NewErrorf(schema.ErrCodeExecution, "logic %s: %s", id, out.err.Error()).WithCause(out.err)
			}
			logging.LogWith(ctx, e.logger).Warn("logic failed",
				slog.String("logic_id", id), slog.String("error", out.err.Error()))
			return nil, out.err
		}
		return out.value, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logging.LogWith(ctx, e.logger).Warn("logic exceeded budget",
				slog.String("logic_id", id), slog.Duration("budget", e.budget))
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "logic %s exceeded %s budget", id, e.budget)
		}
		return nil, ctx.Err()
	}
}

func (e *YaegiExecutor) compile(ctx context.Context, src string) (func(map[string]any) (any, error), error) {
	i := interp.New(interp.Options{Stdout: io.Discard, Stderr: io.Discard})
	if err := i.Use(e.symbols); err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile logic: %s", err.Error())
	}
	v, err := i.EvalWithContext(ctx, entryPoint)
	if err != nil || !v.IsValid() {
		return nil, schema.NewError(schema.ErrCodeValidation, "logic must define func Run(input map[string]any) (any, error)")
	}
	fn, ok := v.Interface().(func(map[string]any) (any, error))
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "Run has type %s, want func(map[string]any) (any, error)", v.Type())
	}
	return fn, nil
}

func restrictedSymbols() interp.Exports {
	out := make(interp.Exports, len(allowedPackages))
	for _, pkg := range allowedPackages {
		key := pkg + "/" + path.Base(pkg)
		if syms, ok := stdlib.Symbols[key]; ok {
			out[key] = syms
		}
	}
	return out
}

var _ Executor = (*YaegiExecutor)(nil)
