package schema

import (
	"encoding/json"
	"strconv"
)

// TimestampField is never arithmetic-evaluated, even when its value
// looks like an expression.
const TimestampField = "timestamp"

// Record is one timestep's flat field-name to value data. Values are
// numbers, strings, or date-like values.
type Record map[string]any

// ConfigMap holds a plugin's bound configuration. Values may be
// literals or "="-prefixed arithmetic expressions.
type ConfigMap map[string]any

// MappingTable translates a plugin's internal field names to the
// pipeline's external vocabulary (internal name -> external name).
type MappingTable map[string]string

// AllowList names the configuration fields eligible for expression
// evaluation. Fields outside it are never evaluated.
type AllowList []string

// Contains reports whether the allow list names the given field.
func (a AllowList) Contains(field string) bool {
	for _, f := range a {
		if f == field {
			return true
		}
	}
	return false
}

// Extend returns a new allow list with the given field appended.
// The receiver is not modified.
func (a AllowList) Extend(field string) AllowList {
	out := make(AllowList, 0, len(a)+1)
	out = append(out, a...)
	return append(out, field)
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of the config map.
func (c ConfigMap) Clone() ConfigMap {
	if c == nil {
		return nil
	}
	out := make(ConfigMap, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Clone returns a copy of the mapping table.
func (m MappingTable) Clone() MappingTable {
	if m == nil {
		return nil
	}
	out := make(MappingTable, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ToNumber reads a value as a float64. Accepts Go numeric types,
// json.Number, and numeric strings. The second return is false when
// the value cannot be read as a number.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
