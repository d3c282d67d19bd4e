package plugin

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meterplug/meterplug/internal/transform"
	"github.com/meterplug/meterplug/pkg/schema"
	"github.com/meterplug/meterplug/pkg/validation"
)

// Factory turns one descriptor into bound instances.
type Factory struct {
	desc        Descriptor
	gateway     *validation.Gateway
	transformer *transform.Engine
	logger      *slog.Logger
	recorder    RunRecorder
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// WithRecorder enables run persistence through the given recorder.
func WithRecorder(recorder RunRecorder) Option {
	return func(f *Factory) { f.recorder = recorder }
}

// NewFactory validates the descriptor and prepares the shared engines.
func NewFactory(desc Descriptor, opts ...Option) (*Factory, error) {
	if desc.Name == "" {
		return nil, schema.NewError(schema.KindConfig, "descriptor has no name")
	}
	if desc.Implementation == nil {
		return nil, schema.NewError(schema.KindConfig, "descriptor has no implementation").WithField(desc.Name)
	}

	gateway, err := validation.NewGateway()
	if err != nil {
		return nil, schema.NewError(schema.KindConfig, "create validation gateway").WithCause(err)
	}

	f := &Factory{
		desc:        desc,
		gateway:     gateway,
		transformer: transform.NewEngine(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Descriptor returns the descriptor this factory was built from.
func (f *Factory) Descriptor() Descriptor { return f.desc }

// Instantiate binds configuration, caller field metadata, and a
// mapping table to the descriptor. The mapping is snapshotted: later
// caller mutations and repeated executes never observe a shrinking
// table. Metadata inputs are merged per field with the caller's
// override winning; outputs are taken wholesale from the override when
// present.
func (f *Factory) Instantiate(ctx context.Context, config schema.ConfigMap, parametersMetadata *schema.Metadata, table schema.MappingTable) (*Instance, error) {
	inst := &Instance{
		id:          uuid.NewString(),
		desc:        f.desc,
		config:      config.Clone(),
		mapping:     table.Clone(),
		metadata:    schema.MergeMetadata(f.desc.Metadata, parametersMetadata),
		gateway:     f.gateway,
		transformer: f.transformer,
		logger:      f.logger.With(slog.String("plugin", f.desc.Name)),
		recorder:    f.recorder,
		fsm:         NewInstanceFSM(f.recorder),
		state:       schema.StateDeclared,
	}
	if err := inst.transition(ctx, inst.id, schema.StateInstantiated); err != nil {
		return nil, err
	}
	inst.logger.DebugContext(ctx, "instance created", slog.String("instance_id", inst.id))
	return inst, nil
}
