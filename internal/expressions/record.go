package expressions

import (
	"strings"

	"github.com/meterplug/meterplug/pkg/schema"
)

// EvaluateRecord produces a new record with every field independently
// evaluated under an empty allow list: any expression-shaped field is
// resolved against the record itself, everything else passes through.
// Fields whose evaluation yields NaN are dropped. The input record is
// not mutated.
func EvaluateRecord(r schema.Record) (schema.Record, error) {
	out := make(schema.Record, len(r))
	for field, value := range r {
		res, present, err := Evaluate(field, value, nil, r)
		if err != nil {
			return nil, err
		}
		if present {
			out[field] = res
		}
	}
	return out, nil
}

// EvaluateConfig evaluates every allow-listed field present in config
// against input as the variable context. Each candidate is first
// shape-checked; malformed expressions and marker mismatches fail with
// the offending field named. Fields outside the allow list are returned
// unchanged even when expression-shaped.
func EvaluateConfig(config schema.ConfigMap, input schema.Record, allow schema.AllowList) (schema.ConfigMap, error) {
	out := config.Clone()
	if out == nil {
		out = schema.ConfigMap{}
	}

	for _, field := range allow {
		value, ok := config[field]
		if !ok {
			continue
		}

		if s, isStr := value.(string); isStr {
			if err := checkShape(field, s); err != nil {
				return nil, err
			}
		}

		res, present, err := Evaluate(field, value, allow, input)
		if err != nil {
			return nil, err
		}
		if present {
			out[field] = res
		} else {
			delete(out, field)
		}
	}

	return out, nil
}

// checkShape validates that a string config value is syntactically
// acceptable: a marked expression must parse, and a parseable
// multi-operand expression must carry the marker. Closed numeric
// strings evaluate either way, and plain single-operand literals pass.
func checkShape(field, s string) error {
	if strings.HasPrefix(s, Marker) {
		if _, err := tokenize(strings.TrimPrefix(s, Marker)); err != nil {
			return attachField(err, field)
		}
		return nil
	}

	if IsClosedNumeric(s) {
		return nil
	}

	if toks, err := tokenize(s); err == nil && len(toks) > 1 {
		return schema.NewErrorf(schema.KindWrongArithmeticExpression,
			"expression %q is missing the %q marker", s, Marker).WithField(field)
	}
	return nil
}
