package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/meterplug/meterplug/pkg/schema"
)

// NoIndex marks a validation without a row position; no " at index N"
// suffix is added to issue messages.
const NoIndex = -1

// Gateway runs validation rules and turns failures into PluginErrors
// with one path-qualified message per issue. It is safe for concurrent
// use: compiled schemas and predicate programs are cached and reused
// across goroutines.
type Gateway struct {
	printer *message.Printer
	cel     *celEvaluator
	expr    *exprEvaluator

	// mu guards the schema cache for dynamic compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewGateway creates a Gateway with empty caches.
func NewGateway() (*Gateway, error) {
	cel, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Gateway{
		printer: message.NewPrinter(language.English),
		cel:     cel,
		expr:    newExprEvaluator(),
		cache:   make(map[string]*jsonschema.Schema),
	}, nil
}

// Validate runs rule against value. index is the row position for input
// validation, or NoIndex. errKind selects the error kind raised on
// failure; the empty string defaults to INPUT_VALIDATION_ERROR. On
// success the returned value is the validated one, with schema defaults
// filled in for absent properties when the rule is a SchemaRule.
func (g *Gateway) Validate(rule Rule, value any, index int, errKind string) (any, error) {
	if errKind == "" {
		errKind = schema.KindInputValidation
	}

	switch r := rule.(type) {
	case nil:
		return value, nil
	case SchemaRule:
		return g.validateSchema(r, value, index, errKind)
	case ConfigFuncRule:
		cfg, ok := value.(schema.ConfigMap)
		if !ok {
			return nil, schema.NewErrorf(errKind, "config rule applied to %T", value)
		}
		if err := r.Fn(cfg); err != nil {
			return nil, schema.NewError(errKind, err.Error()).WithCause(err)
		}
		return value, nil
	case InputFuncRule:
		return nil, schema.NewError(schema.KindConfig, "input rule requires ValidateRow")
	case CELRule:
		cfg, _ := value.(schema.ConfigMap)
		return g.predicate(r.Source, g.cel.eval, value, predicateData(cfg, nil, index), errKind)
	case ExprRule:
		cfg, _ := value.(schema.ConfigMap)
		return g.predicate(r.Source, g.expr.eval, value, predicateData(cfg, nil, index), errKind)
	default:
		return nil, schema.NewErrorf(schema.KindConfig, "unsupported validation rule %T", rule)
	}
}

// ValidateRow runs rule against one input row. config is the cleaned
// configuration provided to function and predicate rules as context;
// index is the row position.
func (g *Gateway) ValidateRow(rule Rule, row schema.Record, config schema.ConfigMap, index int, errKind string) (schema.Record, error) {
	if errKind == "" {
		errKind = schema.KindInputValidation
	}

	switch r := rule.(type) {
	case nil:
		return row, nil
	case SchemaRule:
		out, err := g.validateSchema(r, row, index, errKind)
		if err != nil {
			return nil, err
		}
		validated, _ := out.(schema.Record)
		return validated, nil
	case InputFuncRule:
		if err := r.Fn(row, config, index); err != nil {
			return nil, schema.NewError(errKind, err.Error()).WithCause(err)
		}
		return row, nil
	case CELRule:
		out, err := g.predicate(r.Source, g.cel.eval, row, predicateData(config, row, index), errKind)
		if err != nil {
			return nil, err
		}
		validated, _ := out.(schema.Record)
		return validated, nil
	case ExprRule:
		out, err := g.predicate(r.Source, g.expr.eval, row, predicateData(config, row, index), errKind)
		if err != nil {
			return nil, err
		}
		validated, _ := out.(schema.Record)
		return validated, nil
	default:
		return nil, schema.NewErrorf(schema.KindConfig, "unsupported validation rule %T", rule)
	}
}

type evalFunc func(expression string, data map[string]any, errKind string) (any, error)

func (g *Gateway) predicate(source string, eval evalFunc, value any, data map[string]any, errKind string) (any, error) {
	out, err := eval(source, data, errKind)
	if err != nil {
		return nil, err
	}
	if pass, ok := out.(bool); !ok || !pass {
		return nil, schema.NewErrorf(errKind, "rule %q did not evaluate to true", source)
	}
	return value, nil
}

func (g *Gateway) validateSchema(r SchemaRule, value any, index int, errKind string) (any, error) {
	compiled, err := g.getOrCompile(r.Source)
	if err != nil {
		return nil, schema.NewError(schema.KindConfig, "invalid validation schema").WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return nil, schema.NewError(errKind, "failed to serialize value for validation").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return nil, g.toPluginError(err, index, errKind)
	}

	return fillDefaults(value, compiled), nil
}

// getOrCompile returns a cached compiled schema or compiles and caches
// a new one.
func (g *Gateway) getOrCompile(source []byte) (*jsonschema.Schema, error) {
	key := string(source)

	g.mu.RLock()
	if cached, ok := g.cache[key]; ok {
		g.mu.RUnlock()
		return cached, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := g.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("meterplug://schema/%d", len(g.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	g.cache[key] = compiled
	return compiled, nil
}

// toPluginError converts a jsonschema.ValidationError into a
// PluginError carrying one formatted message per issue.
func (g *Gateway) toPluginError(err error, index int, errKind string) *schema.PluginError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(errKind, err.Error())
	}

	issues := g.collect(verr, index)
	if len(issues) == 0 {
		return schema.NewError(errKind, verr.Error())
	}

	return schema.NewError(errKind, strings.Join(issues, "; ")).
		WithDetails(map[string]any{"issues": issues})
}

// collect walks a ValidationError tree into leaf issue messages. Union
// failures (anyOf/oneOf) report only the first branch's first nested
// issue so the caller sees one actionable message instead of one per
// rejected branch.
func (g *Gateway) collect(e *jsonschema.ValidationError, index int) []string {
	switch e.ErrorKind.(type) {
	case *kind.AnyOf, *kind.OneOf:
		if len(e.Causes) > 0 {
			return []string{g.format(firstLeaf(e.Causes[0]), index)}
		}
	}

	if len(e.Causes) == 0 {
		return []string{g.format(e, index)}
	}

	var issues []string
	for _, cause := range e.Causes {
		issues = append(issues, g.collect(cause, index)...)
	}
	return issues
}

func firstLeaf(e *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e
}

// format renders one issue: dot/bracket path, lower-cased message,
// optional row index, machine-readable keyword code.
func (g *Gateway) format(e *jsonschema.ValidationError, index int) string {
	msg := strings.ToLower(e.ErrorKind.LocalizedString(g.printer))
	if path := flattenPath(e.InstanceLocation); path != "" {
		msg = path + ": " + msg
	}
	if index != NoIndex {
		msg += fmt.Sprintf(" at index %d", index)
	}
	if code := issueCode(e.ErrorKind); code != "" {
		msg += " (" + code + ")"
	}
	return msg
}

// flattenPath renders instance locations as foo.bar[2].
func flattenPath(loc []string) string {
	var b strings.Builder
	for _, seg := range loc {
		if isDigits(seg) {
			b.WriteString("[")
			b.WriteString(seg)
			b.WriteString("]")
			continue
		}
		if b.Len() > 0 {
			b.WriteString(".")
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func issueCode(k jsonschema.ErrorKind) string {
	path := k.KeywordPath()
	if len(path) == 0 {
		return ""
	}
	return strings.Join(path, ".")
}

// fillDefaults returns a copy of value with schema property defaults
// filled in for absent keys, recursing into nested object properties.
// Non-object values pass through unchanged.
func fillDefaults(value any, s *jsonschema.Schema) any {
	s = deref(s)
	if s == nil || len(s.Properties) == 0 {
		return value
	}

	m, restore := asObject(value)
	if m == nil {
		return value
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for name, prop := range s.Properties {
		cur, present := out[name]
		if !present {
			if d := deref(prop); d != nil && d.Default != nil {
				out[name] = *d.Default
			}
			continue
		}
		out[name] = fillDefaults(cur, prop)
	}
	return restore(out)
}

func deref(s *jsonschema.Schema) *jsonschema.Schema {
	for s != nil && s.Ref != nil {
		s = s.Ref
	}
	return s
}

// asObject unwraps the supported map shapes and returns a function that
// re-wraps the filled map in the original type.
func asObject(value any) (map[string]any, func(map[string]any) any) {
	switch v := value.(type) {
	case schema.ConfigMap:
		return v, func(m map[string]any) any { return schema.ConfigMap(m) }
	case schema.Record:
		return v, func(m map[string]any) any { return schema.Record(m) }
	case map[string]any:
		return v, func(m map[string]any) any { return m }
	default:
		return nil, nil
	}
}

// predicateData builds the environment shared by CEL and Expr rules.
// Missing keys default to empty maps to prevent runtime nil-ref errors.
func predicateData(config schema.ConfigMap, row schema.Record, index int) map[string]any {
	data := map[string]any{
		"config": map[string]any{},
		"row":    map[string]any{},
		"index":  0,
	}
	if config != nil {
		data["config"] = map[string]any(config)
	}
	if row != nil {
		data["row"] = map[string]any(row)
	}
	if index != NoIndex {
		data["index"] = index
	}
	return data
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so
// that numeric values become json.Number (required by the jsonschema
// library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
