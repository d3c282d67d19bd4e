package plugin

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterplug/meterplug/pkg/schema"
	"github.com/meterplug/meterplug/pkg/validation"
)

// passthrough returns the input rows unchanged.
func passthrough(_ context.Context, rows []schema.Record, _ schema.ConfigMap) ([]schema.Record, error) {
	return rows, nil
}

func newTestInstance(t *testing.T, desc Descriptor, config schema.ConfigMap, table schema.MappingTable, opts ...Option) *Instance {
	t.Helper()
	factory, err := NewFactory(desc, opts...)
	require.NoError(t, err)
	inst, err := factory.Instantiate(context.Background(), config, nil, table)
	require.NoError(t, err)
	return inst
}

func TestFactory_RejectsIncompleteDescriptor(t *testing.T) {
	_, err := NewFactory(Descriptor{Implementation: passthrough})
	require.Error(t, err)
	assert.Equal(t, schema.KindConfig, schema.KindOf(err))

	_, err = NewFactory(Descriptor{Name: "noop"})
	require.Error(t, err)
	assert.Equal(t, schema.KindConfig, schema.KindOf(err))
}

func TestFactory_InstantiateMergesMetadata(t *testing.T) {
	desc := Descriptor{
		Name:           "carbon",
		Implementation: passthrough,
		Metadata: &schema.Metadata{
			Inputs: map[string]schema.FieldMetadata{
				"power":  {Unit: "kW", Description: "drawn power"},
				"region": {Description: "grid region"},
			},
			Outputs: map[string]schema.FieldMetadata{
				"carbon": {Unit: "gCO2e"},
			},
		},
	}
	override := &schema.Metadata{
		Inputs: map[string]schema.FieldMetadata{
			"power": {Unit: "W"},
		},
	}

	factory, err := NewFactory(desc)
	require.NoError(t, err)
	inst, err := factory.Instantiate(context.Background(), nil, override, nil)
	require.NoError(t, err)

	merged := inst.Metadata()
	require.NotNil(t, merged)
	assert.Equal(t, "W", merged.Inputs["power"].Unit)
	assert.Equal(t, "grid region", merged.Inputs["region"].Description)
	assert.Equal(t, "gCO2e", merged.Outputs["carbon"].Unit)
	assert.Equal(t, schema.StateInstantiated, inst.State())
}

func TestInstance_ExecuteEmptyInput(t *testing.T) {
	rec := newFakeRecorder()
	inst := newTestInstance(t, Descriptor{Name: "noop", Implementation: passthrough}, nil, nil, WithRecorder(rec))

	out, err := inst.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, schema.StateInstantiated, inst.State())

	require.Len(t, rec.runs, 1)
	assert.Equal(t, schema.StateCompleted, rec.finished[rec.runs[0].ID])
	assert.Equal(t, 0, rec.rowCounts[rec.runs[0].ID])
}

func TestInstance_ExecuteMapsVocabulary(t *testing.T) {
	desc := Descriptor{
		Name: "doubler",
		Implementation: func(_ context.Context, rows []schema.Record, config schema.ConfigMap) ([]schema.Record, error) {
			out := make([]schema.Record, len(rows))
			for i, row := range rows {
				p, ok := schema.ToNumber(row["p"])
				if !ok {
					return nil, fmt.Errorf("row %d has no mapped power", i)
				}
				out[i] = schema.Record{"e": p * 2}
			}
			return out, nil
		},
	}
	table := schema.MappingTable{"p": "power", "e": "energy"}
	inst := newTestInstance(t, desc, nil, table)

	out, err := inst.Execute(context.Background(), []schema.Record{
		{"power": 10.0, "site": "berlin"},
		{"power": 25.0, "site": "madrid"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, schema.Record{"power": 10.0, "site": "berlin", "energy": 20.0}, out[0])
	assert.Equal(t, schema.Record{"power": 25.0, "site": "madrid", "energy": 50.0}, out[1])
}

func TestInstance_ConfigMappedToInternalNames(t *testing.T) {
	var seen schema.ConfigMap
	desc := Descriptor{
		Name: "inspect",
		Implementation: func(_ context.Context, rows []schema.Record, config schema.ConfigMap) ([]schema.Record, error) {
			seen = config
			return rows, nil
		},
	}
	config := schema.ConfigMap{"target": "power"}
	table := schema.MappingTable{"p": "power"}
	inst := newTestInstance(t, desc, config, table)

	_, err := inst.Execute(context.Background(), []schema.Record{{"power": 1.0}})
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "p", seen["target"])
	assert.Equal(t, table, seen["mapping"])
}

func TestInstance_MappingStableAcrossExecutes(t *testing.T) {
	// The config-mapping pass retires table entries; that consumption
	// must stay local to one run.
	targets := []string{}
	desc := Descriptor{
		Name: "inspect",
		Implementation: func(_ context.Context, rows []schema.Record, config schema.ConfigMap) ([]schema.Record, error) {
			targets = append(targets, config["target"].(string))
			return rows, nil
		},
	}
	inst := newTestInstance(t, desc, schema.ConfigMap{"target": "power"}, schema.MappingTable{"p": "power"})

	for i := 0; i < 3; i++ {
		_, err := inst.Execute(context.Background(), []schema.Record{{"power": 1.0}})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"p", "p", "p"}, targets)
}

func TestInstance_ConfigExpressionLastRowWins(t *testing.T) {
	var factor any
	desc := Descriptor{
		Name: "scaler",
		Implementation: func(_ context.Context, rows []schema.Record, config schema.ConfigMap) ([]schema.Record, error) {
			factor = config["factor"]
			return rows, nil
		},
		AllowArithmeticExpressions: schema.AllowList{"factor"},
	}
	inst := newTestInstance(t, desc, schema.ConfigMap{"factor": "=power * 2"}, nil)

	_, err := inst.Execute(context.Background(), []schema.Record{
		{"power": 10.0},
		{"power": 30.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 60.0, factor)
}

func TestInstance_ConfigExpressionMissingVariable(t *testing.T) {
	desc := Descriptor{
		Name:                       "scaler",
		Implementation:             passthrough,
		AllowArithmeticExpressions: schema.AllowList{"factor"},
	}
	inst := newTestInstance(t, desc, schema.ConfigMap{"factor": "=voltage * 2"}, nil)

	_, err := inst.Execute(context.Background(), []schema.Record{{"power": 10.0}})
	require.Error(t, err)
	assert.Equal(t, schema.KindMissingVariable, schema.KindOf(err))
	assert.Equal(t, schema.StateInstantiated, inst.State())
}

func TestInstance_FreeOutputExpression(t *testing.T) {
	desc := Descriptor{
		Name: "reporter",
		Implementation: func(_ context.Context, rows []schema.Record, _ schema.ConfigMap) ([]schema.Record, error) {
			out := make([]schema.Record, len(rows))
			for i, row := range rows {
				p, _ := schema.ToNumber(row["power"])
				out[i] = schema.Record{"=2*result": p}
			}
			return out, nil
		},
		AllowArithmeticExpressions: schema.AllowList{"factor"},
	}
	inst := newTestInstance(t, desc, nil, nil)

	out, err := inst.Execute(context.Background(), []schema.Record{
		{"power": 10.0},
		{"power": 7.0},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, 20.0, out[0]["result"])
	assert.Equal(t, 14.0, out[1]["result"])
	assert.NotContains(t, out[0], "=2*result")
}

func TestInstance_PlainOutputFieldsNotTreatedAsExpressions(t *testing.T) {
	// Only marker-prefixed output keys are evaluable; a new plain
	// field passes through even when expressions are enabled.
	desc := Descriptor{
		Name: "labeler",
		Implementation: func(_ context.Context, rows []schema.Record, _ schema.ConfigMap) ([]schema.Record, error) {
			out := make([]schema.Record, len(rows))
			for i := range rows {
				out[i] = schema.Record{"grade": "high"}
			}
			return out, nil
		},
		AllowArithmeticExpressions: schema.AllowList{"factor"},
	}
	inst := newTestInstance(t, desc, nil, nil)

	out, err := inst.Execute(context.Background(), []schema.Record{{"power": 1.0}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "high", out[0]["grade"])
}

func TestInstance_InputValidationSeesCleanConfigAndIndex(t *testing.T) {
	var configs []schema.ConfigMap
	var indexes []int
	desc := Descriptor{
		Name:           "checked",
		Implementation: passthrough,
		InputValidation: validation.InputFuncRule{
			Fn: func(row schema.Record, config schema.ConfigMap, index int) error {
				configs = append(configs, config)
				indexes = append(indexes, index)
				return nil
			},
		},
	}
	inst := newTestInstance(t, desc, schema.ConfigMap{"threshold": "=limit"}, nil)

	_, err := inst.Execute(context.Background(), []schema.Record{
		{"power": 1.0},
		{"power": 2.0},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, indexes)
	require.Len(t, configs, 2)
	assert.Equal(t, "limit", configs[0]["threshold"])
}

func TestInstance_InputValidationFailureNamesRow(t *testing.T) {
	desc := Descriptor{
		Name:           "checked",
		Implementation: passthrough,
		InputValidation: validation.InputFuncRule{
			Fn: func(row schema.Record, _ schema.ConfigMap, index int) error {
				if _, ok := row["power"]; !ok {
					return fmt.Errorf("row %d has no power", index)
				}
				return nil
			},
		},
	}
	inst := newTestInstance(t, desc, nil, nil)

	_, err := inst.Execute(context.Background(), []schema.Record{
		{"power": 1.0},
		{"site": "berlin"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.KindInputValidation, schema.KindOf(err))
	assert.Contains(t, err.Error(), "row 1")
}

func TestInstance_ConfigSchemaValidationKind(t *testing.T) {
	desc := Descriptor{
		Name:           "strict",
		Implementation: passthrough,
		ConfigValidation: validation.SchemaRule{Source: []byte(`{
			"type": "object",
			"required": ["factor"],
			"properties": {"factor": {"type": "number"}}
		}`)},
	}
	inst := newTestInstance(t, desc, schema.ConfigMap{}, nil)

	_, err := inst.Execute(context.Background(), []schema.Record{{"power": 1.0}})
	require.Error(t, err)
	assert.Equal(t, schema.KindManifestValidation, schema.KindOf(err))
}

func TestInstance_OutputRowShortfallKeepsInputRow(t *testing.T) {
	desc := Descriptor{
		Name: "partial",
		Implementation: func(_ context.Context, rows []schema.Record, _ schema.ConfigMap) ([]schema.Record, error) {
			return []schema.Record{{"flag": true}}, nil
		},
	}
	inst := newTestInstance(t, desc, nil, nil)

	out, err := inst.Execute(context.Background(), []schema.Record{
		{"power": 1.0},
		{"power": 2.0},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, schema.Record{"power": 1.0, "flag": true}, out[0])
	assert.Equal(t, schema.Record{"power": 2.0}, out[1])
}

func TestInstance_OutputTransform(t *testing.T) {
	desc := Descriptor{
		Name:            "tagged",
		Implementation:  passthrough,
		OutputTransform: `.source = "meter"`,
	}
	inst := newTestInstance(t, desc, nil, nil)

	out, err := inst.Execute(context.Background(), []schema.Record{{"power": 5.0}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "meter", out[0]["source"])
	assert.Equal(t, 5.0, out[0]["power"])
}

func TestInstance_ImplementationErrorFailsRunAndRearms(t *testing.T) {
	calls := 0
	desc := Descriptor{
		Name: "flaky",
		Implementation: func(_ context.Context, rows []schema.Record, _ schema.ConfigMap) ([]schema.Record, error) {
			calls++
			if calls == 1 {
				return nil, fmt.Errorf("downstream unavailable")
			}
			return rows, nil
		},
	}
	rec := newFakeRecorder()
	inst := newTestInstance(t, desc, nil, nil, WithRecorder(rec))
	ctx := context.Background()

	_, err := inst.Execute(ctx, []schema.Record{{"power": 1.0}})
	require.Error(t, err)
	assert.Equal(t, schema.StateInstantiated, inst.State())
	require.Len(t, rec.runs, 1)
	assert.Equal(t, schema.StateFailed, rec.finished[rec.runs[0].ID])

	out, err := inst.Execute(ctx, []schema.Record{{"power": 1.0}})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	require.Len(t, rec.runs, 2)
	assert.Equal(t, schema.StateCompleted, rec.finished[rec.runs[1].ID])
}

func TestInstance_RecordsPipelineEvents(t *testing.T) {
	rec := newFakeRecorder()
	inst := newTestInstance(t, Descriptor{Name: "noop", Implementation: passthrough}, nil, nil, WithRecorder(rec))

	_, err := inst.Execute(context.Background(), []schema.Record{{"power": 1.0}})
	require.NoError(t, err)

	// Skip the instance_created event from instantiation.
	types := rec.eventTypes()
	require.GreaterOrEqual(t, len(types), 1)
	assert.Equal(t, []string{
		schema.EventInstanceCreated,
		schema.EventRunStarted,
		schema.EventConfigMapped,
		schema.EventConfigValidated,
		schema.EventInputsValidated,
		schema.EventRunCompleted,
	}, types)
}

func TestInstance_InputRowsNotMutated(t *testing.T) {
	desc := Descriptor{
		Name: "mutator",
		Implementation: func(_ context.Context, rows []schema.Record, _ schema.ConfigMap) ([]schema.Record, error) {
			for _, row := range rows {
				row["scratch"] = true
			}
			return rows, nil
		},
	}
	inst := newTestInstance(t, desc, nil, schema.MappingTable{"p": "power"})

	input := schema.Record{"power": 3.0}
	_, err := inst.Execute(context.Background(), []schema.Record{input})
	require.NoError(t, err)
	assert.Equal(t, schema.Record{"power": 3.0}, input)
}
