package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/meterplug/meterplug/internal/store"
	"github.com/meterplug/meterplug/pkg/schema"
)

// handleExecute pushes rows through a registered plugin.
func (s *MeterplugServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("plugin")
	if err != nil {
		return mcp.NewToolResultError("plugin is required"), nil
	}
	rowsJSON, err := req.RequireString("rows")
	if err != nil {
		return mcp.NewToolResultError("rows is required"), nil
	}

	inst, ok := s.registry.Get(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown plugin: %s", name)), nil
	}

	var rows []schema.Record
	if err := json.Unmarshal([]byte(rowsJSON), &rows); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid rows: %v", err)), nil
	}

	out, execErr := inst.Execute(ctx, rows)
	if execErr != nil {
		s.logger.Error("plugin execution failed",
			slog.String("plugin", name),
			slog.String("error", execErr.Error()),
		)
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", execErr)), nil
	}

	return marshalResult(map[string]any{
		"plugin": name,
		"rows":   out,
	})
}

// handleDescribe returns a plugin's merged field metadata.
func (s *MeterplugServer) handleDescribe(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("plugin")
	if err != nil {
		return mcp.NewToolResultError("plugin is required"), nil
	}

	inst, ok := s.registry.Get(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown plugin: %s", name)), nil
	}

	return marshalResult(map[string]any{
		"plugin":   name,
		"state":    inst.State(),
		"metadata": inst.Metadata(),
	})
}

// handleList enumerates the registered plugins.
func (s *MeterplugServer) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"plugins": s.registry.Names(),
	})
}

// handleRuns queries the run log, either as a filtered run list or as
// the event trail of one run.
func (s *MeterplugServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run log not configured"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		run, runErr := s.store.GetRun(ctx, runID)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", runErr)), nil
		}
		events, evErr := s.store.GetEvents(ctx, runID, 0)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load events: %v", evErr)), nil
		}
		return marshalResult(map[string]any{
			"run":    run,
			"events": events,
		})
	}

	filter := store.RunFilter{
		Plugin: req.GetString("plugin", ""),
		Limit:  50,
	}
	if state := req.GetString("state", ""); state != "" {
		st := schema.InstanceState(state)
		filter.State = &st
	}

	runs, listErr := s.store.ListRuns(ctx, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", listErr)), nil
	}
	return marshalResult(map[string]any{
		"runs": runs,
	})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
