package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/traefik/yaegi/interp"

	"github.com/vyx/signal-engine/pkg/errs"
	"github.com/vyx/signal-engine/pkg/types"
)

// DefaultTimeout bounds a single filter evaluation.
const DefaultTimeout = 5 * time.Second

// filterTemplate wraps a snippet body as the evaluate function. The snippet
// sees exactly one input value and the indicator namespace; imports of
// anything else fail to resolve because only the symbols in symbols.go are
// loaded into the interpreter.
const filterTemplate = `
package main

import (
	"github.com/vyx/signal-engine/pkg/indicators"
	"github.com/vyx/signal-engine/pkg/types"
)

func evaluate(data *types.MarketData) bool {
%s
}
`

// CompiledFilter is a validated filter snippet ready for execution. The
// wrapped program text is cached; each Execute call gets a fresh
// interpreter scope.
type CompiledFilter struct {
	source  string
	wrapped string
}

// Source returns the original snippet body.
func (f *CompiledFilter) Source() string {
	return f.source
}

// Executor compiles and runs trader filter snippets.
type Executor struct{}

// NewExecutor creates a new sandbox executor. The exported symbol table
// (see symbols.go) is built afresh for every interpreter the executor
// creates; the executor itself holds no state.
func NewExecutor() (*Executor, error) {
	// Fail fast if the interpreter cannot be constructed at all.
	i := interp.New(interp.Options{})
	if err := i.Use(sandboxSymbols()); err != nil {
		return nil, fmt.Errorf("failed to load sandbox symbols: %w", err)
	}
	return &Executor{}, nil
}

// Validate parses a snippet without executing it. Used by the editor-facing
// endpoint for fast feedback.
func (e *Executor) Validate(code string) error {
	i, err := e.newInterpreter()
	if err != nil {
		return err
	}

	if _, err := i.Eval(fmt.Sprintf(filterTemplate, code)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrFilterCompilation, err)
	}

	return nil
}

// Compile validates a snippet and returns a reusable CompiledFilter.
// Syntax errors are front-loaded here; evaluation state is per-call.
func (e *Executor) Compile(code string) (*CompiledFilter, error) {
	if err := e.Validate(code); err != nil {
		return nil, err
	}

	return &CompiledFilter{
		source:  code,
		wrapped: fmt.Sprintf(filterTemplate, code),
	}, nil
}

// Execute runs a compiled filter against market data, bounded by timeout.
// A run that panics is surfaced as an error; a run that outlives the timeout
// is abandoned and its eventual result discarded.
func (e *Executor) Execute(ctx context.Context, filter *CompiledFilter, data *types.MarketData, timeout time.Duration) (bool, error) {
	if filter == nil {
		return false, fmt.Errorf("%w: nil filter", errs.ErrFilterExecution)
	}
	if data == nil {
		return false, fmt.Errorf("%w: nil market data", errs.ErrFilterExecution)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan bool, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("%w: panic: %v", errs.ErrFilterExecution, r)
			}
		}()

		matched, err := e.run(filter, data)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- matched
	}()

	select {
	case matched := <-resultCh:
		return matched, nil
	case err := <-errCh:
		return false, err
	case <-ctx.Done():
		return false, fmt.Errorf("%w after %v", errs.ErrFilterTimeout, timeout)
	}
}

// run evaluates the filter in a fresh interpreter scope.
func (e *Executor) run(filter *CompiledFilter, data *types.MarketData) (bool, error) {
	i, err := e.newInterpreter()
	if err != nil {
		return false, err
	}

	if _, err := i.Eval(filter.wrapped); err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrFilterCompilation, err)
	}

	v, err := i.Eval("evaluate")
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrFilterExecution, err)
	}

	fn, ok := v.Interface().(func(*types.MarketData) bool)
	if !ok {
		return false, fmt.Errorf("%w: filter does not evaluate to func(*types.MarketData) bool", errs.ErrFilterExecution)
	}

	return fn(data), nil
}

// newInterpreter builds an interpreter with only the sandbox symbol surface.
func (e *Executor) newInterpreter() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(sandboxSymbols()); err != nil {
		return nil, fmt.Errorf("failed to load sandbox symbols: %w", err)
	}
	return i, nil
}
