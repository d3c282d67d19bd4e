// Package store persists plugin runs and their lifecycle events in an
// embedded libSQL database.
package store

import (
	"context"
	"time"

	"github.com/meterplug/meterplug/pkg/schema"
)

// Run is the persisted representation of one execute call.
type Run struct {
	ID         string               `json:"id"`
	Plugin     string               `json:"plugin"`
	State      schema.InstanceState `json:"state"`
	RowCount   int                  `json:"row_count"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

// Event is an immutable entry in the append-only run event log.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequence"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Plugin string                `json:"plugin,omitempty"`
	State  *schema.InstanceState `json:"state,omitempty"`
	Since  *time.Time            `json:"since,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Offset int                   `json:"offset,omitempty"`
}

// Store defines the run log persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, state schema.InstanceState, rowCount int, errMsg string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
