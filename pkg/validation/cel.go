package validation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/meterplug/meterplug/pkg/schema"
)

// celEvaluator runs CEL predicate programs. Compiled programs are
// cached and reused across goroutines.
type celEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// newCELEvaluator creates a sandboxed CEL environment exposing three
// top-level variables:
//   - config: map(string, dyn), the (mapped) configuration under validation
//   - row:    map(string, dyn), the input row under validation
//   - index:  int, the row position, 0 for config rules
func newCELEvaluator() (*celEvaluator, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("config", mapType),
		cel.Variable("row", mapType),
		cel.Variable("index", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &celEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// eval compiles (or retrieves from cache) a CEL expression and runs it
// against data. Compile errors are CONFIG_ERRORs since they mean the
// rule itself is broken; runtime failures carry errKind.
func (e *celEvaluator) eval(expression string, data map[string]any, errKind string) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.KindConfig, "empty CEL rule")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(data)
	if err != nil {
		return nil, schema.NewErrorf(errKind,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *celEvaluator) getOrCompile(expression string) (cel.Program, error) {
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

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.KindConfig,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.KindConfig,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}
