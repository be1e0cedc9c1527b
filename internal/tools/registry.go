package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/perchlabs/agentd/internal/observability"
	"github.com/perchlabs/agentd/pkg/models"
)

// Registry holds the tools available to an agent and dispatches calls.
//
// Dispatch never returns an error for tool-level failures: unknown names,
// invalid arguments, and erroring tools all come back as error Results so
// the conversation loop can feed them to the model and keep going.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With("component", "tools")
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  slog.Default().With("component", "tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool, compiling its parameter schema. Registering a name
// twice silently replaces the earlier tool.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tools: tool has empty name")
	}

	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		var err error
		compiled, err = jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("tools: invalid schema for %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Debug("tool replaced", "tool", name)
	}
	r.tools[name] = tool
	r.schemas[name] = compiled
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// HasAny reports whether any tool is registered.
func (r *Registry) HasAny() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools) > 0
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-ready definitions for every tool, in name
// order so requests are deterministic.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, models.ToolDefinition{
			Type: "function",
			Function: models.ToolFunction{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Schema(),
			},
		})
	}
	return defs
}

// Dispatch validates args against the tool's schema and executes it. Every
// failure mode produces a Result the model can read.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) *Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		observability.ToolDispatches.WithLabelValues(name, "unknown").Inc()
		return Errorf("unknown tool %q; available tools: %v", name, r.Names())
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if schema != nil {
		var doc any
		if err := json.Unmarshal(args, &doc); err != nil {
			observability.ToolDispatches.WithLabelValues(name, "invalid_args").Inc()
			return Errorf("tool %s: arguments are not valid JSON: %v", name, err)
		}
		if err := schema.Validate(doc); err != nil {
			observability.ToolDispatches.WithLabelValues(name, "invalid_args").Inc()
			return Errorf("tool %s: invalid arguments: %v", name, err)
		}
	}

	result, err := r.execute(ctx, tool, args)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		observability.ToolDispatches.WithLabelValues(name, "error").Inc()
		return Errorf("tool %s failed: %v", name, err)
	}
	if result == nil {
		result = &Result{Content: "(no output)"}
	}

	outcome := "ok"
	if result.IsError {
		outcome = "tool_error"
	}
	observability.ToolDispatches.WithLabelValues(name, outcome).Inc()
	return result
}

// execute runs the tool, converting a panicking handler into an error so a
// bad tool cannot take the daemon down with it.
func (r *Registry) execute(ctx context.Context, tool Tool, args json.RawMessage) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", tool.Name(), "panic", rec, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return tool.Execute(ctx, args)
}
