// Package transform reshapes merged output records with jq programs.
package transform

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/meterplug/meterplug/pkg/schema"
)

// Engine compiles and runs jq programs over records.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewEngine creates a new jq transform engine.
func NewEngine() *Engine {
	return &Engine{
		cache: make(map[string]*gojq.Code),
	}
}

// Apply runs a jq program against one record. The record is the input
// JSON object; integers are normalized to float64 first, matching jq's
// native number handling.
//
// jq programs can produce multiple outputs. A single object output
// replaces the record; any other output is stored under "result"; zero
// outputs keep the record unchanged; multiple outputs are collected
// into a slice under "result".
func (e *Engine) Apply(ctx context.Context, program string, record schema.Record) (schema.Record, error) {
	if program == "" {
		return record, nil
	}

	code, err := e.getOrCompile(program)
	if err != nil {
		return nil, err
	}

	data, ok := normalize(map[string]any(record)).(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.KindTransform, "record must be a JSON object")
	}

	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.KindTransform,
				"jq evaluation failed for %q: %s", program, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"program": program})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return record, nil
	case 1:
		if obj, isObj := results[0].(map[string]any); isObj {
			return schema.Record(obj), nil
		}
		return schema.Record{"result": results[0]}, nil
	default:
		return schema.Record{"result": results}, nil
	}
}

// ApplyAll runs a jq program over every record, returning the reshaped
// slice in the same order.
func (e *Engine) ApplyAll(ctx context.Context, program string, records []schema.Record) ([]schema.Record, error) {
	if program == "" {
		return records, nil
	}
	out := make([]schema.Record, len(records))
	for i, rec := range records {
		transformed, err := e.Apply(ctx, program, rec)
		if err != nil {
			return nil, err
		}
		out[i] = transformed
	}
	return out, nil
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *Engine) getOrCompile(program string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[program]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[program]; ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.KindTransform,
			"jq parse error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.KindTransform,
			"jq compile error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	e.cache[program] = code
	return code, nil
}

// normalize converts Go native types to jq-compatible ones. jq uses
// float64 for all numbers.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalize(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
