package models

import "encoding/json"

// AgentDefinition is read-only configuration for one agent. Instances are
// registered once per process and referenced by name from every invocation.
type AgentDefinition struct {
	// Name uniquely identifies this agent within the process.
	Name string `yaml:"name" json:"name"`

	// SystemPrompt is prepended to every model request for this agent.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// ModelReference is an opaque "provider:model-id" string resolved by the
	// caller's ModelClient registry (e.g. "anthropic:claude-sonnet-4-5").
	ModelReference string `yaml:"model_reference" json:"model_reference"`

	// SamplingParameters controls generation (temperature, max tokens, ...).
	SamplingParameters SamplingParameters `yaml:"sampling_parameters" json:"sampling_parameters"`

	// MaxIterations is the hard bound on loop turns for one invocation.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// ToolCatalog is the list of tools available to this agent.
	ToolCatalog []ToolSpec `yaml:"tool_catalog" json:"tool_catalog"`

	// MemoryAttached enables conversation restore/persist via MemoryStore.
	MemoryAttached bool `yaml:"memory_attached" json:"memory_attached"`
}

// SamplingParameters carries the knobs passed through to the model on every
// call for an agent.
type SamplingParameters struct {
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TopP        float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
}

// ToolSpec describes one tool in an agent's catalog.
type ToolSpec struct {
	// Name is unique within the catalog.
	Name string `yaml:"name" json:"name"`

	Description string `yaml:"description" json:"description"`

	// InputSchema is the JSON Schema the arguments must satisfy.
	InputSchema json.RawMessage `yaml:"input_schema" json:"input_schema"`

	// TransportBinding names the MCPClient instance that hosts this tool.
	// Mutually exclusive with BuiltinKind.
	TransportBinding string `yaml:"transport_binding,omitempty" json:"transport_binding,omitempty"`

	// BuiltinKind identifies a non-MCP tool implementation (e.g. "shell",
	// "http_request"). Mutually exclusive with TransportBinding.
	BuiltinKind string `yaml:"builtin_kind,omitempty" json:"builtin_kind,omitempty"`
}

// IsBuiltin reports whether this tool is resolved directly rather than via
// an MCPClient.
func (t ToolSpec) IsBuiltin() bool {
	return t.BuiltinKind != ""
}

// StopReason is why the model returned control for a turn.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopMaxTokens     StopReason = "max_tokens"
	StopToolUse       StopReason = "tool_use"
	StopStopSequence  StopReason = "stop_sequence"
	StopContentFilter StopReason = "content_filter"
	StopMaxIterations StopReason = "max_iterations"
	StopError         StopReason = "error"
)

// ExecutionMetadata accumulates counters across one invocation's iterations.
type ExecutionMetadata struct {
	Iteration       int        `json:"iteration"`
	InputTokens     int        `json:"input_tokens"`
	OutputTokens    int        `json:"output_tokens"`
	ToolCallsTotal  int        `json:"tool_calls_total"`
	ToolCallsFailed int        `json:"tool_calls_failed"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
	ModelIdentifier string     `json:"model_identifier"`
	StopReason      StopReason `json:"stop_reason"`
}

// AgentContext is the mutable per-invocation state owned exclusively by the
// executor driving it.
type AgentContext struct {
	// Input is the user text that started this invocation.
	Input string `json:"input"`

	// Messages is the ordered, authoritative history for this run.
	Messages []Message `json:"messages"`

	// Metadata tracks per-invocation counters.
	Metadata ExecutionMetadata `json:"metadata"`

	// SharedState is opaque caller scratch space.
	SharedState map[string]json.RawMessage `json:"shared_state,omitempty"`
}
