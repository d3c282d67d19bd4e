// Package plugin implements the execution pipeline around externally
// supplied plugin implementations: configuration mapping, arithmetic
// pre-evaluation, validation, input/output vocabulary translation, and
// per-row output merging for flat measurement records.
package plugin

import (
	"context"

	"github.com/meterplug/meterplug/internal/store"
	"github.com/meterplug/meterplug/pkg/schema"
	"github.com/meterplug/meterplug/pkg/validation"
)

// mappingConfigKey is the key under which the implementation receives
// the mapping table inside its config.
const mappingConfigKey = "mapping"

// Implementation is the externally supplied compute callback. It
// receives the mapped input rows and the resolved configuration and
// returns one output row per input row.
type Implementation func(ctx context.Context, rows []schema.Record, config schema.ConfigMap) ([]schema.Record, error)

// Descriptor is the immutable bundle a plugin author declares. One
// descriptor yields many instances via a Factory; each instance can
// execute many times.
type Descriptor struct {
	Name           string
	Implementation Implementation

	// ConfigValidation and InputValidation are optional. A nil rule
	// passes the value through unchanged.
	ConfigValidation validation.Rule
	InputValidation  validation.Rule

	// AllowArithmeticExpressions names the config fields eligible for
	// expression evaluation. Empty disables the arithmetic pre-passes
	// and the output expression step.
	AllowArithmeticExpressions schema.AllowList

	// Metadata holds the per-field defaults merged with the caller's
	// override at instantiation.
	Metadata *schema.Metadata

	// OutputTransform is an optional jq program applied to each merged
	// output record at the end of a run.
	OutputTransform string
}

// RunRecorder persists run lifecycle data. It is satisfied by the
// libSQL run log store; a nil recorder disables persistence.
type RunRecorder interface {
	CreateRun(ctx context.Context, run *store.Run) error
	FinishRun(ctx context.Context, id string, state schema.InstanceState, rowCount int, errMsg string) error
	AppendEvent(ctx context.Context, event *store.Event) error
}
