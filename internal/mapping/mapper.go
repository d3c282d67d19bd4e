// Package mapping translates field names between a plugin's internal
// vocabulary and the external vocabulary of the records flowing through
// the pipeline. Configuration maps are rewritten recursively, input rows
// gain internal duplicates, and output rows are renamed back.
package mapping

import (
	"sort"
	"strings"

	"github.com/meterplug/meterplug/internal/expressions"
	"github.com/meterplug/meterplug/pkg/schema"
)

// MapInput copies, for every (internal, external) pair in table, the value
// stored under the external key onto the internal key. The external key is
// kept so the final merge still sees the original field; RemoveMappedInput
// strips the internal duplicates afterwards. The argument record is never
// mutated.
func MapInput(record schema.Record, table schema.MappingTable) schema.Record {
	out := record.Clone()
	if len(table) == 0 {
		return out
	}
	for internal, external := range table {
		if v, ok := out[external]; ok {
			out[internal] = v
		}
	}
	return out
}

// RemoveMappedInput drops the internal-name duplicates that a prior
// MapInput pass introduced, so a merged output row carries each input
// field once, under its external name.
func RemoveMappedInput(record schema.Record, table schema.MappingTable) schema.Record {
	out := record.Clone()
	for internal := range table {
		delete(out, internal)
	}
	return out
}

// MapOutput renames keys of record from the plugin's internal vocabulary
// back to their external names. Keys without a table entry pass through.
func MapOutput(record schema.Record, table schema.MappingTable) schema.Record {
	out := make(schema.Record, len(record))
	for k, v := range record {
		if external, ok := table[k]; ok {
			out[external] = v
			continue
		}
		out[k] = v
	}
	return out
}

// MapConfig rewrites external names inside v to the plugin's internal
// ones: keys are renamed, string values equal to an external name are
// replaced, and variables embedded in expression strings are rewritten in
// place. Nested objects and arrays are walked recursively. Neither v nor
// table is mutated; the second return value lists the internal names of
// the table entries that matched, sorted, so the caller can decide whether
// to retire them.
func MapConfig(v any, table schema.MappingTable) (any, []string) {
	if len(table) == 0 {
		return v, nil
	}
	consumed := make(map[string]bool)
	mapped := mapValue(v, table, consumed)
	if len(consumed) == 0 {
		return mapped, nil
	}
	keys := make([]string, 0, len(consumed))
	for k := range consumed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return mapped, keys
}

func mapValue(v any, table schema.MappingTable, consumed map[string]bool) any {
	switch t := v.(type) {
	case schema.ConfigMap:
		return schema.ConfigMap(mapObject(t, table, consumed))
	case schema.Record:
		return schema.Record(mapObject(t, table, consumed))
	case map[string]any:
		return mapObject(t, table, consumed)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = mapValue(e, table, consumed)
		}
		return out
	case string:
		return mapString(t, table, consumed)
	default:
		return v
	}
}

func mapObject(m map[string]any, table schema.MappingTable, consumed map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if internal, ok := internalFor(k, table); ok {
			key = internal
			consumed[internal] = true
		}
		out[key] = mapValue(v, table, consumed)
	}
	return out
}

func mapString(s string, table schema.MappingTable, consumed map[string]bool) any {
	if internal, ok := internalFor(s, table); ok {
		consumed[internal] = true
		return internal
	}
	// Expression values reference fields by name; rewrite the variable
	// inside the expression text instead of the whole string.
	name, ok := expressions.ExtractVariable(s).(string)
	if !ok || name == s {
		return s
	}
	if internal, ok := internalFor(name, table); ok {
		consumed[internal] = true
		return strings.Replace(s, name, internal, 1)
	}
	return s
}

func internalFor(external string, table schema.MappingTable) (string, bool) {
	for internal, ext := range table {
		if ext == external {
			return internal, true
		}
	}
	return "", false
}

// Table carries a mapping with the historical consumption behavior:
// ApplyConfig retires every entry it applies, so a Table shared across
// calls shrinks over time. Callers wanting stable repeated mapping take a
// Snapshot first and build a fresh Table per pass.
type Table struct {
	entries schema.MappingTable
}

// NewTable copies entries into a new consumable table.
func NewTable(entries schema.MappingTable) *Table {
	return &Table{entries: entries.Clone()}
}

// Snapshot returns an independent copy of the remaining entries.
func (t *Table) Snapshot() schema.MappingTable {
	return t.entries.Clone()
}

// Len reports how many entries have not been consumed yet.
func (t *Table) Len() int {
	return len(t.entries)
}

// ApplyConfig maps cfg through the remaining entries and retires the
// entries that matched.
func (t *Table) ApplyConfig(cfg schema.ConfigMap) schema.ConfigMap {
	mapped, consumed := MapConfig(cfg, t.entries)
	for _, k := range consumed {
		delete(t.entries, k)
	}
	out, _ := mapped.(schema.ConfigMap)
	return out
}
