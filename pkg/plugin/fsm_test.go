package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterplug/meterplug/internal/store"
	"github.com/meterplug/meterplug/pkg/schema"
)

// fakeRecorder captures run lifecycle calls in memory.
type fakeRecorder struct {
	mu        sync.Mutex
	runs      []*store.Run
	finished  map[string]schema.InstanceState
	rowCounts map[string]int
	events    []*store.Event
	failWith  error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		finished:  make(map[string]schema.InstanceState),
		rowCounts: make(map[string]int),
	}
}

func (r *fakeRecorder) CreateRun(_ context.Context, run *store.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.runs = append(r.runs, run)
	return nil
}

func (r *fakeRecorder) FinishRun(_ context.Context, id string, state schema.InstanceState, rowCount int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[id] = state
	r.rowCounts[id] = rowCount
	return nil
}

func (r *fakeRecorder) AppendEvent(_ context.Context, event *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.events = append(r.events, event)
	return nil
}

func (r *fakeRecorder) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

func TestInstanceFSM_ValidTransitions(t *testing.T) {
	fsm := NewInstanceFSM(nil)
	ctx := context.Background()

	steps := []struct {
		from, to schema.InstanceState
	}{
		{schema.StateDeclared, schema.StateInstantiated},
		{schema.StateInstantiated, schema.StateExecuting},
		{schema.StateExecuting, schema.StateCompleted},
		{schema.StateCompleted, schema.StateInstantiated},
		{schema.StateInstantiated, schema.StateExecuting},
		{schema.StateExecuting, schema.StateFailed},
		{schema.StateFailed, schema.StateInstantiated},
	}
	for _, s := range steps {
		assert.NoError(t, fsm.Transition(ctx, "run-1", s.from, s.to))
	}
}

func TestInstanceFSM_RejectsInvalidTransitions(t *testing.T) {
	fsm := NewInstanceFSM(nil)
	ctx := context.Background()

	invalid := []struct {
		from, to schema.InstanceState
	}{
		{schema.StateCompleted, schema.StateExecuting},
		{schema.StateFailed, schema.StateExecuting},
		{schema.StateDeclared, schema.StateExecuting},
		{schema.StateExecuting, schema.StateInstantiated},
		{schema.StateInstantiated, schema.StateCompleted},
	}
	for _, s := range invalid {
		err := fsm.Transition(ctx, "run-1", s.from, s.to)
		require.Error(t, err)
		assert.Equal(t, schema.KindInvalidTransition, schema.KindOf(err))
	}
}

func TestInstanceFSM_EmitsLifecycleEvents(t *testing.T) {
	rec := newFakeRecorder()
	fsm := NewInstanceFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.StateDeclared, schema.StateInstantiated))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.StateInstantiated, schema.StateExecuting))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.StateExecuting, schema.StateCompleted))
	// Re-arming is bookkeeping only, no event.
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.StateCompleted, schema.StateInstantiated))

	assert.Equal(t, []string{
		schema.EventInstanceCreated,
		schema.EventRunStarted,
		schema.EventRunCompleted,
	}, rec.eventTypes())
}

func TestInstanceFSM_HooksRunInOrder(t *testing.T) {
	fsm := NewInstanceFSM(nil)
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.StateInstantiated, schema.StateExecuting, func(from, to schema.InstanceState) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.StateInstantiated, schema.StateExecuting, func(from, to schema.InstanceState) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.StateInstantiated, schema.StateExecuting))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestInstanceFSM_BeforeHookAbortsTransition(t *testing.T) {
	rec := newFakeRecorder()
	fsm := NewInstanceFSM(rec)
	ctx := context.Background()

	boom := errors.New("hook rejected")
	fsm.OnBefore(schema.StateInstantiated, schema.StateExecuting, func(from, to schema.InstanceState) error {
		return boom
	})

	err := fsm.Transition(ctx, "run-1", schema.StateInstantiated, schema.StateExecuting)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.eventTypes())
}
