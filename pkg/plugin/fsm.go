package plugin

import (
	"context"
	"sync"

	"github.com/meterplug/meterplug/internal/store"
	"github.com/meterplug/meterplug/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.InstanceState) error

type hookKey struct {
	from, to schema.InstanceState
}

// InstanceFSM validates plugin instance lifecycle transitions and
// emits the corresponding run events via the recorder.
type InstanceFSM struct {
	mu       sync.Mutex
	recorder RunRecorder
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewInstanceFSM creates an FSM that emits events via the given
// recorder. A nil recorder disables event emission.
func NewInstanceFSM(recorder RunRecorder) *InstanceFSM {
	return &InstanceFSM{
		recorder: recorder,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *InstanceFSM) OnBefore(from, to schema.InstanceState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *InstanceFSM) OnAfter(from, to schema.InstanceState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a state transition, emitting the
// corresponding run event. The caller is responsible for storing the
// new state.
func (f *InstanceFSM) Transition(ctx context.Context, runID string, from, to schema.InstanceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.KindInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	// Emit the corresponding event.
	if f.recorder != nil {
		if eventType := instanceEventType(from, to); eventType != "" {
			event := &store.Event{
				RunID: runID,
				Type:  eventType,
			}
			if err := f.recorder.AppendEvent(ctx, event); err != nil {
				return schema.NewErrorf(schema.KindStore, "emit run event: %s", err.Error()).WithCause(err)
			}
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidInstanceTransition(from, to schema.InstanceState) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func instanceEventType(from, to schema.InstanceState) string {
	switch {
	case from == schema.StateDeclared && to == schema.StateInstantiated:
		return schema.EventInstanceCreated
	case to == schema.StateExecuting:
		return schema.EventRunStarted
	case to == schema.StateCompleted:
		return schema.EventRunCompleted
	case to == schema.StateFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// ValidInstanceTransitions defines the allowed lifecycle transitions.
// A finished run re-arms the instance back to Instantiated; there is
// no direct path from a terminal state into Executing.
var ValidInstanceTransitions = map[schema.InstanceState][]schema.InstanceState{
	schema.StateDeclared:     {schema.StateInstantiated},
	schema.StateInstantiated: {schema.StateExecuting},
	schema.StateExecuting:    {schema.StateCompleted, schema.StateFailed},
	schema.StateCompleted:    {schema.StateInstantiated},
	schema.StateFailed:       {schema.StateInstantiated},
}
