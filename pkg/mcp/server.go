// Package mcp exposes instantiated plugins as MCP tools over stdio, so
// an agent can push measurement rows through a pipeline and read the
// merged records back as JSON.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/meterplug/meterplug/internal/store"
	"github.com/meterplug/meterplug/pkg/plugin"
)

// Registry is a named set of plugin instances available as tools.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*plugin.Instance
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*plugin.Instance)}
}

// Register adds an instance under its descriptor name. A later
// registration with the same name replaces the earlier one.
func (r *Registry) Register(inst *plugin.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.Name()] = inst
}

// Get returns the instance registered under name.
func (r *Registry) Get(name string) (*plugin.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MeterplugServerDeps holds the dependencies for creating a MeterplugServer.
type MeterplugServerDeps struct {
	Registry *Registry
	Store    store.Store
	Logger   *slog.Logger
}

// MeterplugServer wraps an MCP server with plugin tool handlers.
type MeterplugServer struct {
	registry  *Registry
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewMeterplugServer creates a new MeterplugServer with all 4 tools registered.
func NewMeterplugServer(deps MeterplugServerDeps) *MeterplugServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	s := &MeterplugServer{
		registry: registry,
		store:    deps.Store,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"meterplug",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Meterplug runs measurement records through plugin pipelines. Use meterplug.execute to push rows through a plugin, meterplug.describe to read a plugin's field metadata, meterplug.list to enumerate plugins, and meterplug.runs to inspect past executions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *MeterplugServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *MeterplugServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *MeterplugServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: describeTool(), Handler: s.handleDescribe},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("meterplug.execute",
		mcp.WithDescription("Execute a plugin over measurement rows and return the merged records"),
		mcp.WithString("plugin", mcp.Required(), mcp.Description("Name of the registered plugin to execute")),
		mcp.WithString("rows", mcp.Required(), mcp.Description("Input rows as a JSON array of flat objects")),
	)
}

func describeTool() mcp.Tool {
	return mcp.NewTool("meterplug.describe",
		mcp.WithDescription("Get a plugin's input and output field metadata"),
		mcp.WithString("plugin", mcp.Required(), mcp.Description("Name of the registered plugin")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("meterplug.list",
		mcp.WithDescription("List the registered plugins"),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("meterplug.runs",
		mcp.WithDescription("Query past plugin executions from the run log"),
		mcp.WithString("plugin", mcp.Description("Filter by plugin name")),
		mcp.WithString("state", mcp.Description("Filter by run state (completed, failed, executing)")),
		mcp.WithString("run_id", mcp.Description("Return the events of one run instead of a run list")),
	)
}
