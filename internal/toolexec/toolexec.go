// Package toolexec resolves a tool name to its implementation — an MCP
// server or a built-in — validates arguments against the declared schema,
// and runs exactly one call.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agenticopsorg/aof/internal/mcp"
	"github.com/agenticopsorg/aof/pkg/models"
)

// MCPClient is the subset of mcp.Client that tool execution depends on.
// Defined locally so fakes in tests don't need a real transport.
type MCPClient interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolCallResult, error)
}

// BuiltinFunc implements a non-MCP tool kind directly in-process.
type BuiltinFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Executor is the ToolExecutor contract implementation.
type Executor struct {
	mu       sync.RWMutex
	catalog  []models.ToolSpec
	schemas  map[string]*jsonschema.Schema
	clients  map[string]MCPClient // keyed by ToolSpec.TransportBinding
	builtins map[string]BuiltinFunc
}

// New creates an Executor with no tools registered.
func New() *Executor {
	return &Executor{
		schemas:  make(map[string]*jsonschema.Schema),
		clients:  make(map[string]MCPClient),
		builtins: make(map[string]BuiltinFunc),
	}
}

// RegisterMCPClient binds an MCPClient instance under the name ToolSpecs
// reference via TransportBinding.
func (e *Executor) RegisterMCPClient(binding string, client MCPClient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[binding] = client
}

// RegisterBuiltin binds a built-in tool implementation under the kind name
// ToolSpecs reference via BuiltinKind.
func (e *Executor) RegisterBuiltin(kind string, fn BuiltinFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builtins[kind] = fn
}

// RegisterTool adds a tool to the catalog, compiling its input schema once
// so validation at dispatch time never recompiles it.
func (e *Executor) RegisterTool(spec models.ToolSpec) error {
	var compiled *jsonschema.Schema
	if len(spec.InputSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		url := "mem://" + spec.Name + ".schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(spec.InputSchema)); err != nil {
			return fmt.Errorf("add schema resource for %q: %w", spec.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("compile schema for %q: %w", spec.Name, err)
		}
		compiled = schema
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog = append(e.catalog, spec)
	if compiled != nil {
		e.schemas[spec.Name] = compiled
	}
	return nil
}

// ListTools returns the registered tool catalog.
func (e *Executor) ListTools() []models.ToolSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ToolSpec, len(e.catalog))
	copy(out, e.catalog)
	return out
}

// ExecuteTool runs one named tool invocation. It always returns a
// ToolResult; infrastructure failures (tool not found, schema violation,
// underlying client error) are encoded as Success=false with a descriptive
// Error rather than a Go error.
func (e *Executor) ExecuteTool(ctx context.Context, name string, input json.RawMessage) models.ToolResult {
	e.mu.RLock()
	var spec *models.ToolSpec
	for i := range e.catalog {
		if e.catalog[i].Name == name {
			spec = &e.catalog[i]
			break
		}
	}
	schema := e.schemas[name]
	e.mu.RUnlock()

	if spec == nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("tool %q not found", name)}
	}

	if schema != nil {
		var v any
		if len(input) == 0 {
			v = map[string]any{}
		} else if err := json.Unmarshal(input, &v); err != nil {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("invalid arguments JSON: %v", err)}
		}
		if err := schema.Validate(v); err != nil {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("schema validation failed: %v", err)}
		}
	}

	if spec.IsBuiltin() {
		return e.runBuiltin(ctx, *spec, input)
	}
	return e.runMCP(ctx, *spec, input)
}

func (e *Executor) runBuiltin(ctx context.Context, spec models.ToolSpec, input json.RawMessage) models.ToolResult {
	e.mu.RLock()
	fn, ok := e.builtins[spec.BuiltinKind]
	e.mu.RUnlock()
	if !ok {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("no builtin registered for kind %q", spec.BuiltinKind)}
	}

	data, err := fn(ctx, input)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}
	}
	return models.ToolResult{Success: true, Data: data}
}

func (e *Executor) runMCP(ctx context.Context, spec models.ToolSpec, input json.RawMessage) models.ToolResult {
	e.mu.RLock()
	client, ok := e.clients[spec.TransportBinding]
	e.mu.RUnlock()
	if !ok {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("no MCP client registered for transport binding %q", spec.TransportBinding)}
	}

	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("invalid arguments JSON: %v", err)}
		}
	}

	result, err := client.CallTool(ctx, spec.Name, args)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}
	}

	data, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("marshal MCP result: %v", marshalErr)}
	}
	if result.IsError {
		return models.ToolResult{Success: false, Error: string(data)}
	}
	return models.ToolResult{Success: true, Data: data}
}
