package validation

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/meterplug/meterplug/pkg/schema"
)

// exprEvaluator runs expr-lang predicate programs over the same
// environment as celEvaluator. Compiled *vm.Program objects are cached
// and reused across goroutines.
type exprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExprEvaluator() *exprEvaluator {
	return &exprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// eval compiles (or retrieves from cache) an expr expression and runs
// it against data. All data keys are available as top-level variables.
func (e *exprEvaluator) eval(expression string, data map[string]any, errKind string) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.KindConfig, "empty expr rule")
	}

	prg, err := e.getOrCompile(expression, data)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(errKind,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
// The data map is used to infer the environment type for compilation.
func (e *exprEvaluator) getOrCompile(expression string, data map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(data),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.KindConfig,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}
