package plugin

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/meterplug/meterplug/internal/expressions"
	"github.com/meterplug/meterplug/internal/logging"
	"github.com/meterplug/meterplug/internal/mapping"
	"github.com/meterplug/meterplug/internal/store"
	"github.com/meterplug/meterplug/internal/transform"
	"github.com/meterplug/meterplug/pkg/schema"
	"github.com/meterplug/meterplug/pkg/validation"
)

// Instance is one bound plugin ready to execute. Execute serializes
// concurrent callers; the pipeline itself performs no internal
// parallelism.
type Instance struct {
	id          string
	desc        Descriptor
	config      schema.ConfigMap
	mapping     schema.MappingTable
	metadata    *schema.Metadata
	gateway     *validation.Gateway
	transformer *transform.Engine
	logger      *slog.Logger
	recorder    RunRecorder
	fsm         *InstanceFSM

	mu    sync.Mutex
	state schema.InstanceState
}

// ID returns the instance identifier.
func (p *Instance) ID() string { return p.id }

// Name returns the descriptor name.
func (p *Instance) Name() string { return p.desc.Name }

// Metadata returns the merged field metadata bound at instantiation.
func (p *Instance) Metadata() *schema.Metadata { return p.metadata }

// State returns the current lifecycle state.
func (p *Instance) State() schema.InstanceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Instance) transition(ctx context.Context, runID string, to schema.InstanceState) error {
	if err := p.fsm.Transition(ctx, runID, p.state, to); err != nil {
		return err
	}
	p.state = to
	return nil
}

// Execute runs the full pipeline over the input rows and returns one
// merged record per input row, in input order. Errors are fatal to the
// call; the instance re-arms for the next Execute either way.
func (p *Instance) Execute(ctx context.Context, inputs []schema.Record) ([]schema.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	runID := uuid.NewString()
	ctx = logging.WithRun(ctx, p.desc.Name, runID)
	log := logging.LogWith(ctx, p.logger)

	if p.recorder != nil {
		run := &store.Run{ID: runID, Plugin: p.desc.Name, State: schema.StateExecuting}
		if err := p.recorder.CreateRun(ctx, run); err != nil {
			return nil, schema.NewErrorf(schema.KindStore, "create run: %s", err.Error()).WithCause(err)
		}
	}
	if err := p.transition(ctx, runID, schema.StateExecuting); err != nil {
		return nil, err
	}
	log.DebugContext(ctx, "run started", slog.Int("rows", len(inputs)))

	out, err := p.run(ctx, runID, inputs)
	if err != nil {
		_ = p.transition(ctx, runID, schema.StateFailed)
		if p.recorder != nil {
			_ = p.recorder.FinishRun(ctx, runID, schema.StateFailed, 0, err.Error())
		}
		_ = p.transition(ctx, runID, schema.StateInstantiated)
		log.ErrorContext(ctx, "run failed", slog.String("error", err.Error()))
		return nil, err
	}

	if err := p.transition(ctx, runID, schema.StateCompleted); err != nil {
		return nil, err
	}
	if p.recorder != nil {
		_ = p.recorder.FinishRun(ctx, runID, schema.StateCompleted, len(out), "")
	}
	if err := p.transition(ctx, runID, schema.StateInstantiated); err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "run completed", slog.Int("rows", len(out)))
	return out, nil
}

// run executes the strictly ordered pipeline over a fresh mapping
// snapshot, so the consuming config-mapping pass cannot leak state
// into the next call.
func (p *Instance) run(ctx context.Context, runID string, inputs []schema.Record) ([]schema.Record, error) {
	snapshot := p.mapping
	table := mapping.NewTable(snapshot)
	allow := p.desc.AllowArithmeticExpressions

	// 1. Map config through the consumable table.
	mappedCfg := table.ApplyConfig(p.config)
	p.record(ctx, runID, schema.EventConfigMapped, nil)

	// 2. Arithmetic pre-passes: a cheap single-operator sweep over the
	// config, then per-row record evaluation with the config evaluated
	// against each resolved row. The last row's config wins.
	evaluatedRows := inputs
	var evaluatedCfg schema.ConfigMap
	if len(allow) > 0 {
		pre := mappedCfg.Clone()
		if pre == nil {
			pre = schema.ConfigMap{}
		}
		for field, v := range pre {
			s, isStr := v.(string)
			if !isStr {
				continue
			}
			n, handled, err := expressions.EvaluateSimple(s)
			if err != nil {
				return nil, fieldError(err, field)
			}
			if handled {
				pre[field] = n
			}
		}
		mappedCfg = pre

		evaluatedRows = make([]schema.Record, len(inputs))
		for i, row := range inputs {
			resolved, err := expressions.EvaluateRecord(row)
			if err != nil {
				return nil, err
			}
			evaluatedRows[i] = resolved

			cfg, err := expressions.EvaluateConfig(mappedCfg, resolved, allow)
			if err != nil {
				return nil, err
			}
			evaluatedCfg = cfg
		}
		p.record(ctx, runID, schema.EventConfigEvaluated, map[string]any{"rows": len(inputs)})
	}

	// 3. Validate the config.
	cfgToValidate := mappedCfg
	if evaluatedCfg != nil {
		cfgToValidate = evaluatedCfg
	}
	validatedAny, err := p.gateway.Validate(p.desc.ConfigValidation, cfgToValidate, validation.NoIndex, schema.KindManifestValidation)
	if err != nil {
		return nil, err
	}
	validatedCfg, _ := validatedAny.(schema.ConfigMap)
	if validatedCfg == nil {
		validatedCfg = cfgToValidate
	}
	p.record(ctx, runID, schema.EventConfigValidated, nil)

	// 4. Clean config: expression values collapse to their variable
	// name or pre-computed number for the input validation context.
	ctxCfg := cleanConfig(validatedCfg)

	// 5. Validate each input row against the clean config.
	validatedRows := make([]schema.Record, len(evaluatedRows))
	for i, row := range evaluatedRows {
		validated, rowErr := p.gateway.ValidateRow(p.desc.InputValidation, row, ctxCfg, i, "")
		if rowErr != nil {
			return nil, rowErr
		}
		validatedRows[i] = validated
	}
	p.record(ctx, runID, schema.EventInputsValidated, map[string]any{"rows": len(validatedRows)})

	// 6. Map inputs into the plugin's vocabulary, merged over the
	// original rows.
	rowsForImpl := make([]schema.Record, len(validatedRows))
	for i, validated := range validatedRows {
		merged := inputs[i].Clone()
		if merged == nil {
			merged = schema.Record{}
		}
		for k, v := range mapping.MapInput(validated, snapshot) {
			merged[k] = v
		}
		rowsForImpl[i] = merged
	}

	// 7. Invoke the implementation.
	implCfg := validatedCfg.Clone()
	if implCfg == nil {
		implCfg = schema.ConfigMap{}
	}
	for k, v := range evaluatedCfg {
		implCfg[k] = v
	}
	implCfg[mappingConfigKey] = snapshot.Clone()

	outputs, err := p.desc.Implementation(ctx, rowsForImpl, implCfg)
	if err != nil {
		return nil, err
	}

	// 8. Resolve the free output expression.
	if len(allow) > 0 {
		if err := evaluateFreeOutput(rowsForImpl, outputs); err != nil {
			return nil, err
		}
		p.record(ctx, runID, schema.EventOutputEvaluated, nil)
	}

	// 9. Merge: strip the internal input duplicates, overlay the
	// mapped outputs, one record per input row in input order.
	merged := make([]schema.Record, len(inputs))
	for i := range inputs {
		var outRow schema.Record
		if i < len(outputs) {
			outRow = outputs[i]
		}
		base := mapping.RemoveMappedInput(rowsForImpl[i], snapshot)
		for k, v := range mapping.MapOutput(outRow, snapshot) {
			base[k] = v
		}
		merged[i] = base
	}

	if p.desc.OutputTransform != "" {
		merged, err = p.transformer.ApplyAll(ctx, p.desc.OutputTransform, merged)
		if err != nil {
			return nil, err
		}
	}

	return merged, nil
}

// record appends a pipeline step event; failures are logged, not fatal.
func (p *Instance) record(ctx context.Context, runID, eventType string, payload map[string]any) {
	if p.recorder == nil {
		return
	}
	event := &store.Event{RunID: runID, Type: eventType, Payload: payload}
	if err := p.recorder.AppendEvent(ctx, event); err != nil {
		logging.LogWith(ctx, p.logger).WarnContext(ctx, "append run event failed",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

// evaluateFreeOutput resolves the one marker-prefixed output field the
// implementation declared but the mapped input does not carry. The
// expression is evaluated per output row against that row's raw value
// and the free key is replaced by the target field.
func evaluateFreeOutput(rowsForImpl, outputs []schema.Record) error {
	if len(outputs) == 0 {
		return nil
	}

	var input schema.Record
	if len(rowsForImpl) > 0 {
		input = rowsForImpl[0]
	}

	free := ""
	for k := range outputs[0] {
		if !strings.HasPrefix(k, expressions.Marker) {
			continue
		}
		if _, exists := input[k]; exists {
			continue
		}
		free = k
		break
	}
	if free == "" {
		return nil
	}

	for _, row := range outputs {
		raw, exists := row[free]
		if !exists {
			continue
		}
		target, val, present, err := expressions.EvaluateOutputExpression(free, raw)
		if err != nil {
			return err
		}
		delete(row, free)
		if present {
			row[target] = val
		}
	}
	return nil
}

// cleanConfig replaces each string value with its extracted variable
// name or pre-computed number. The original config is returned when
// nothing changed.
func cleanConfig(cfg schema.ConfigMap) schema.ConfigMap {
	clean := cfg.Clone()
	if clean == nil {
		return nil
	}

	cleaned := false
	for field, v := range clean {
		s, isStr := v.(string)
		if !isStr {
			continue
		}
		switch ev := expressions.ExtractVariable(s).(type) {
		case string:
			if ev != s {
				clean[field] = ev
				cleaned = true
			}
		case float64:
			clean[field] = ev
			cleaned = true
		}
	}
	if !cleaned {
		return cfg
	}
	return clean
}

func fieldError(err error, field string) error {
	if pe, ok := err.(*schema.PluginError); ok && pe.Field == "" {
		return pe.WithField(field)
	}
	return err
}
