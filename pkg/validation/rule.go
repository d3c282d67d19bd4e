// Package validation gates configuration maps and input rows before a
// plugin implementation runs. Rules are a closed set of variants
// dispatched by the Gateway: JSON Schema documents, plain Go callbacks,
// and CEL or Expr predicate programs.
package validation

import "github.com/meterplug/meterplug/pkg/schema"

// Rule is the closed set of validation rule variants. Exactly one
// concrete type backs each value; the Gateway dispatches on the type
// instead of probing the rule's shape at runtime.
type Rule interface {
	validationRule()
}

// SchemaRule validates a value against a JSON Schema (draft 2020-12)
// document given as raw JSON.
type SchemaRule struct {
	Source []byte
}

// ConfigFuncRule validates a configuration map with a Go callback.
type ConfigFuncRule struct {
	Fn func(cfg schema.ConfigMap) error
}

// InputFuncRule validates a single input row with a Go callback. The
// callback also receives the cleaned configuration and the row's
// position.
type InputFuncRule struct {
	Fn func(row schema.Record, config schema.ConfigMap, index int) error
}

// CELRule is a CEL predicate over the variables config, row and index.
// The program must evaluate to true for the value to pass.
type CELRule struct {
	Source string
}

// ExprRule is an expr-lang predicate over the same environment as
// CELRule. The program must evaluate to true for the value to pass.
type ExprRule struct {
	Source string
}

func (SchemaRule) validationRule()     {}
func (ConfigFuncRule) validationRule() {}
func (InputFuncRule) validationRule()  {}
func (CELRule) validationRule()        {}
func (ExprRule) validationRule()       {}
