package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterplug/meterplug/pkg/schema"
)

func TestEvaluateRecord(t *testing.T) {
	rec := schema.Record{"param1": 10, "param2": "=param1*2"}

	got, err := EvaluateRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, schema.Record{"param1": 10, "param2": 20.0}, got)

	// The caller's record is untouched.
	assert.Equal(t, "=param1*2", rec["param2"])
}

func TestEvaluateRecord_NonNumericVariable(t *testing.T) {
	rec := schema.Record{"param1": "=param2*2", "param2": "mock-param"}
	_, err := EvaluateRecord(rec)
	require.Error(t, err)
	assert.Equal(t, schema.KindNonNumericVariable, schema.KindOf(err))
}

func TestEvaluateRecord_RoundTrip(t *testing.T) {
	// Records with no expression-shaped fields come back equal.
	rec := schema.Record{
		"timestamp": "2026-01-01T00:00:00Z",
		"power":     42.5,
		"source":    "grid",
	}
	got, err := EvaluateRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestEvaluateConfig_AllowListed(t *testing.T) {
	cfg := schema.ConfigMap{"param1": "=10/param3", "untouched": "=10/param3"}
	input := schema.Record{"param3": 5}

	got, err := EvaluateConfig(cfg, input, schema.AllowList{"param1"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, got["param1"])
	assert.Equal(t, "=10/param3", got["untouched"], "fields outside the allow list stay verbatim")
}

func TestEvaluateConfig_DivisionByZero(t *testing.T) {
	cfg := schema.ConfigMap{"param1": "=10/param3"}
	input := schema.Record{"param3": 0}

	_, err := EvaluateConfig(cfg, input, schema.AllowList{"param1"})
	require.Error(t, err)
	assert.Equal(t, schema.KindDivisionByZero, schema.KindOf(err))
}

func TestEvaluateConfig_MalformedShape(t *testing.T) {
	cfg := schema.ConfigMap{"param1": "=param2^2"}
	_, err := EvaluateConfig(cfg, schema.Record{}, schema.AllowList{"param1"})
	require.Error(t, err)

	pe, ok := err.(*schema.PluginError)
	require.True(t, ok)
	assert.Equal(t, schema.KindWrongArithmeticExpression, pe.Kind)
	assert.Equal(t, "param1", pe.Field)
}

func TestEvaluateConfig_MarkerMismatch(t *testing.T) {
	// Parses as a full expression but carries no marker.
	cfg := schema.ConfigMap{"param1": "param2*2"}
	_, err := EvaluateConfig(cfg, schema.Record{"param2": 1}, schema.AllowList{"param1"})
	require.Error(t, err)
	assert.Equal(t, schema.KindWrongArithmeticExpression, schema.KindOf(err))
	assert.Contains(t, err.Error(), "marker")
}

func TestEvaluateConfig_PlainLiteralsPass(t *testing.T) {
	cfg := schema.ConfigMap{"param1": "household", "param2": 3}
	got, err := EvaluateConfig(cfg, schema.Record{}, schema.AllowList{"param1", "param2"})
	require.NoError(t, err)
	assert.Equal(t, "household", got["param1"])
	assert.Equal(t, 3, got["param2"])
}

func TestEvaluateConfig_ConfigNotMutated(t *testing.T) {
	cfg := schema.ConfigMap{"param1": "=2*param3"}
	_, err := EvaluateConfig(cfg, schema.Record{"param3": 2}, schema.AllowList{"param1"})
	require.NoError(t, err)
	assert.Equal(t, "=2*param3", cfg["param1"])
}
