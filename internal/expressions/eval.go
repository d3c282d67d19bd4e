package expressions

import (
	"math"
	"strconv"
	"strings"

	"github.com/meterplug/meterplug/pkg/schema"
)

// Evaluate resolves one field's value against a variable context.
// Behavior, in order:
//
//  1. the timestamp field is returned literally, never evaluated;
//  2. values that do not look like expressions (no marker and not a
//     closed numeric string) pass through unchanged;
//  3. with a non-empty allow list, fields outside it pass through;
//  4. closed numeric expressions evaluate without the context;
//  5. identifiers resolve from the context, recursing into context
//     values that are themselves expressions.
//
// The second return is false when the evaluation produced NaN: the
// field becomes absent rather than zero. The caller's context is never
// mutated.
func Evaluate(field string, value any, allow schema.AllowList, vars schema.Record) (any, bool, error) {
	return evaluate(field, value, allow, vars, map[string]bool{})
}

func evaluate(field string, value any, allow schema.AllowList, vars schema.Record, visiting map[string]bool) (any, bool, error) {
	if field == schema.TimestampField {
		if v, ok := vars[field]; ok {
			return v, true, nil
		}
		return value, true, nil
	}

	s, ok := value.(string)
	if !ok {
		return value, true, nil
	}

	hasMarker := strings.HasPrefix(s, Marker)
	body := strings.TrimPrefix(s, Marker)

	if !hasMarker && !IsClosedNumeric(s) {
		return value, true, nil
	}
	if len(allow) > 0 && !allow.Contains(field) {
		return value, true, nil
	}

	if IsClosedNumeric(body) {
		n, err := EvaluateClosedNumeric(body)
		if err != nil {
			return nil, false, attachField(err, field)
		}
		return finishNumber(n)
	}

	// Mutually referential fields would recurse forever; fail fast
	// instead.
	if visiting[field] {
		return nil, false, schema.NewErrorf(schema.KindWrongArithmeticExpression,
			"circular reference while resolving %q", field).WithField(field)
	}
	visiting[field] = true
	defer delete(visiting, field)

	toks, err := tokenize(body)
	if err != nil {
		return nil, false, attachField(err, field)
	}

	nums := make([]float64, 0, len(toks)/2+1)
	ops := make([]byte, 0, len(toks)/2)

	for _, tok := range toks {
		switch tok.kind {
		case tokenOperator:
			ops = append(ops, tok.text[0])

		case tokenNumber:
			n, convErr := strconv.ParseFloat(tok.text, 64)
			if convErr != nil {
				return nil, false, schema.NewErrorf(schema.KindWrongArithmeticExpression,
					"invalid number %q", tok.text).WithField(field)
			}
			nums = append(nums, n)

		case tokenIdent:
			n, resolveErr := resolveOperand(tok.text, field, allow, vars, visiting)
			if resolveErr != nil {
				return nil, false, resolveErr
			}
			nums = append(nums, n)
		}

		// A zero divisor is reported before evaluation so NaN or
		// Infinity can never leak into a result.
		if len(ops) > 0 && ops[len(ops)-1] == '/' && len(nums) == len(ops)+1 && nums[len(nums)-1] == 0 {
			return nil, false, schema.NewErrorf(schema.KindDivisionByZero,
				"division by zero in %q", s).WithField(field)
		}
	}

	n, err := evalChain(nums, ops)
	if err != nil {
		return nil, false, attachField(err, field)
	}
	return finishNumber(n)
}

// resolveOperand resolves an identifier operand to a number, recursing
// when the context value is itself an expression. Recursion extends the
// allow list with the resolved field, enabling transitive on-demand
// dependency resolution even for fields outside the original list.
func resolveOperand(name, field string, allow schema.AllowList, vars schema.Record, visiting map[string]bool) (float64, error) {
	raw, ok := vars[name]
	if !ok {
		return 0, schema.NewErrorf(schema.KindMissingVariable,
			"variable %q not found in context", name).WithField(field)
	}

	if rs, isStr := raw.(string); isStr && (strings.HasPrefix(rs, Marker) || IsClosedNumeric(rs)) {
		res, present, err := evaluate(name, raw, allow.Extend(name), vars, visiting)
		if err != nil {
			return 0, err
		}
		if !present {
			return 0, schema.NewErrorf(schema.KindMissingVariable,
				"variable %q evaluated to no value", name).WithField(field)
		}
		raw = res
	}

	n, ok := schema.ToNumber(raw)
	if !ok {
		return 0, schema.NewErrorf(schema.KindNonNumericVariable,
			"variable %q is not numeric", name).WithField(field)
	}
	return n, nil
}

// EvaluateClosedNumeric evaluates an expression containing only numeric
// literals and operators.
func EvaluateClosedNumeric(s string) (float64, error) {
	toks, err := tokenize(s)
	if err != nil {
		return 0, err
	}

	nums := make([]float64, 0, len(toks)/2+1)
	ops := make([]byte, 0, len(toks)/2)
	for _, tok := range toks {
		switch tok.kind {
		case tokenOperator:
			ops = append(ops, tok.text[0])
		case tokenNumber:
			n, convErr := strconv.ParseFloat(tok.text, 64)
			if convErr != nil {
				return 0, schema.NewErrorf(schema.KindWrongArithmeticExpression,
					"invalid number %q", tok.text)
			}
			nums = append(nums, n)
		case tokenIdent:
			return 0, schema.NewErrorf(schema.KindWrongArithmeticExpression,
				"identifier %q in closed numeric expression", tok.text)
		}
	}

	return evalChain(nums, ops)
}

// evalChain folds an operand/operator chain under conventional
// precedence: * and / first, then + and -, left to right within each
// pass. IEEE-754 double semantics throughout.
func evalChain(nums []float64, ops []byte) (float64, error) {
	if len(nums) != len(ops)+1 {
		return 0, schema.NewErrorf(schema.KindWrongArithmeticExpression,
			"malformed operand/operator chain")
	}

	// Pass 1: multiplication and division.
	vals := []float64{nums[0]}
	var rest []byte
	for i, op := range ops {
		rhs := nums[i+1]
		switch op {
		case '*':
			vals[len(vals)-1] *= rhs
		case '/':
			if rhs == 0 {
				return 0, schema.NewErrorf(schema.KindDivisionByZero, "division by zero")
			}
			vals[len(vals)-1] /= rhs
		default:
			vals = append(vals, rhs)
			rest = append(rest, op)
		}
	}

	// Pass 2: addition and subtraction.
	result := vals[0]
	for i, op := range rest {
		if op == '+' {
			result += vals[i+1]
		} else {
			result -= vals[i+1]
		}
	}
	return result, nil
}

// finishNumber applies the terminal IEEE-754 conversions: Infinity
// becomes a division-by-zero error, NaN becomes "no value".
func finishNumber(n float64) (any, bool, error) {
	if math.IsInf(n, 0) {
		return nil, false, schema.NewError(schema.KindDivisionByZero,
			"evaluation produced infinity")
	}
	if math.IsNaN(n) {
		return nil, false, nil
	}
	return n, true, nil
}

// EvaluateSimple is the cheap single-operator evaluator used by the
// pipeline's config pre-pass. Only NUMBER OP NUMBER is handled; the
// second return is false for any other shape.
func EvaluateSimple(s string) (float64, bool, error) {
	body := strings.TrimPrefix(s, Marker)
	toks, err := tokenize(body)
	if err != nil {
		return 0, false, nil
	}
	if len(toks) != 3 || toks[0].kind != tokenNumber || toks[1].kind != tokenOperator || toks[2].kind != tokenNumber {
		return 0, false, nil
	}

	lhs, _ := strconv.ParseFloat(toks[0].text, 64)
	rhs, _ := strconv.ParseFloat(toks[2].text, 64)
	n, err := evalChain([]float64{lhs, rhs}, []byte{toks[1].text[0]})
	if err != nil {
		return 0, false, err
	}
	if math.IsInf(n, 0) {
		return 0, false, schema.NewError(schema.KindDivisionByZero, "evaluation produced infinity")
	}
	return n, true, nil
}

// EvaluateOutputExpression evaluates a declared output expression
// against the raw value the implementation produced for it. The first
// identifier names the target field; every occurrence of it is
// substituted with the raw value before evaluation.
//
// Given the expression "=2*result" and the raw value 10, the result is
// the target "result" with value 20.
func EvaluateOutputExpression(expr string, raw any) (string, any, bool, error) {
	body := strings.TrimPrefix(expr, Marker)

	target, found := ExtractVariableName(body)
	if !found {
		return "", nil, false, schema.NewErrorf(schema.KindWrongArithmeticExpression,
			"output expression %q has no target variable", expr)
	}

	n, ok := schema.ToNumber(raw)
	if !ok {
		return "", nil, false, schema.NewErrorf(schema.KindNonNumericVariable,
			"output value for %q is not numeric", expr).WithField(target)
	}

	res, present, err := evaluate(target, Marker+body, nil, schema.Record{target: n}, map[string]bool{})
	if err != nil {
		return "", nil, false, err
	}
	return target, res, present, nil
}

func attachField(err error, field string) error {
	if pe, ok := err.(*schema.PluginError); ok && pe.Field == "" {
		return pe.WithField(field)
	}
	return err
}
