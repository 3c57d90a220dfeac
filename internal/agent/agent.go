// Package agent implements the AgentExecutor contract: it runs one
// AgentInvocation to a terminal state, restoring and pruning conversation
// history, driving the model in a bounded iteration loop, dispatching tool
// calls with retry and backoff, and emitting StreamEvents in the order
// callers depend on.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agenticopsorg/aof/internal/memory"
	"github.com/agenticopsorg/aof/internal/modelclient"
	"github.com/agenticopsorg/aof/internal/observability"
	"github.com/agenticopsorg/aof/internal/toolexec"
	"github.com/agenticopsorg/aof/pkg/models"
)

// defaultMaxIterations applies when an AgentDefinition leaves MaxIterations
// unset or non-positive.
const defaultMaxIterations = 10

// ModelResolver maps an AgentDefinition's ModelReference ("provider:model-id")
// to a concrete ModelClient. A single resolver is shared across every agent
// a Runner drives, so registering a provider once makes it available to any
// agent definition that names it.
type ModelResolver interface {
	Resolve(modelReference string) (modelclient.ModelClient, error)
}

// ModelRegistry is the simplest ModelResolver: a static map populated at
// process startup from configured provider credentials.
type ModelRegistry struct {
	mu      sync.RWMutex
	clients map[string]modelclient.ModelClient
}

// NewModelRegistry creates an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{clients: make(map[string]modelclient.ModelClient)}
}

// Register binds a ModelClient under the reference AgentDefinitions use.
func (r *ModelRegistry) Register(modelReference string, client modelclient.ModelClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[modelReference] = client
}

// Resolve implements ModelResolver.
func (r *ModelRegistry) Resolve(modelReference string) (modelclient.ModelClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[modelReference]
	if !ok {
		return nil, fmt.Errorf("no model client registered for %q", modelReference)
	}
	return client, nil
}

// Config carries optional ambient dependencies for a Runner. A nil Logger
// falls back to slog.Default(); a nil Metrics skips metric recording
// entirely (callers construct *observability.Metrics once per process,
// since it registers Prometheus collectors on the default registry).
type Config struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// TurnRecord is the per-iteration metadata persisted to
// agent:{name}:turn:{k} when an agent has memory attached.
type TurnRecord struct {
	Iteration       int               `json:"iteration"`
	MessageCount    int               `json:"message_count"`
	StopReason      models.StopReason `json:"stop_reason"`
	InputTokens     int               `json:"input_tokens"`
	OutputTokens    int               `json:"output_tokens"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
}

// Runner holds every AgentDefinition registered in this process and drives
// invocations against them. It implements orchestrator.Invoker.
type Runner struct {
	models memory.Store // see note below; never nil when MemoryAttached is used
	tools  *toolexec.Executor
	resolv ModelResolver

	logger  *observability.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	agents map[string]models.AgentDefinition
}

// NewRunner creates a Runner. mem may be nil if no registered agent sets
// MemoryAttached.
func NewRunner(resolver ModelResolver, tools *toolexec.Executor, mem memory.Store, cfg Config) *Runner {
	return &Runner{
		models:  mem,
		tools:   tools,
		resolv:  resolver,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		agents:  make(map[string]models.AgentDefinition),
	}
}

// RegisterAgent makes def available to Invoke under def.Name, overwriting
// any prior registration of the same name.
func (r *Runner) RegisterAgent(def models.AgentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[def.Name] = def
}

func (r *Runner) lookupAgent(name string) (models.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	return def, ok
}

// Invoke runs one AgentInvocation to a terminal state, satisfying
// orchestrator.Invoker. It restores memory, appends the current input,
// drives the bounded iteration loop, and returns the final Assistant
// content or an error.
func (r *Runner) Invoke(ctx context.Context, agentName, input string, cancel <-chan struct{}, events chan<- models.StreamEvent) (string, error) {
	def, ok := r.lookupAgent(agentName)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrAgentNotFound, agentName)
		emitFinal(events, models.NewErrorEvent(err.Error()))
		return "", err
	}

	client, err := r.resolv.Resolve(def.ModelReference)
	if err != nil {
		wrapped := &modelCallError{agentName: agentName, cause: err}
		emitFinal(events, models.NewErrorEvent(wrapped.Error()))
		return "", wrapped
	}

	maxIterations := def.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	inv := &invocation{
		runner:        r,
		def:           def,
		client:        client,
		maxIterations: maxIterations,
		cancel:        cancel,
		events:        events,
	}
	return inv.run(ctx, input)
}

// invocation drives one AgentContext, owning it exclusively for the
// duration of the call; it is never shared across goroutines except the
// tool-dispatch fan-out, which writes to disjoint result slots.
type invocation struct {
	runner        *Runner
	def           models.AgentDefinition
	client        modelclient.ModelClient
	maxIterations int
	cancel        <-chan struct{}
	events        chan<- models.StreamEvent

	actx models.AgentContext
}

func (inv *invocation) run(ctx context.Context, input string) (string, error) {
	if err := inv.restoreMemory(ctx); err != nil {
		wrapped := fmt.Errorf("agent %q: restore memory: %w", inv.def.Name, err)
		emitFinal(inv.events, models.NewErrorEvent(wrapped.Error()))
		return "", wrapped
	}

	inv.actx.Input = input

	// Always append the current input, even when history was restored.
	// Skipping this causes the model to respond without seeing the new
	// question — a known historical bug and a required regression case.
	inv.actx.Messages = append(inv.actx.Messages, models.Message{
		Role:      models.RoleUser,
		Content:   input,
		CreatedAt: time.Now(),
	})

	inv.actx.Metadata.ModelIdentifier = inv.client.ModelIdentifier()

	for k := 1; k <= inv.maxIterations; k++ {
		if isCancelled(inv.cancel) {
			return inv.abortCancelled()
		}

		emitEvent(inv.events, models.NewIterationStart(k, inv.maxIterations), inv.cancel)

		stopReason, toolCalls, err := inv.runIteration(ctx, k)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return inv.abortCancelled()
			}
			wrapped := &modelCallError{agentName: inv.def.Name, cause: err}
			emitFinal(inv.events, models.NewErrorEvent(wrapped.Error()))
			return "", wrapped
		}

		emitEvent(inv.events, models.NewIterationComplete(k, stopReason), inv.cancel)

		if stopReason != models.StopToolUse {
			content := lastAssistantContent(inv.actx.Messages)
			emitFinal(inv.events, models.NewDone(content, k, inv.actx.Metadata.ExecutionTimeMS, inv.actx.Metadata.InputTokens, inv.actx.Metadata.OutputTokens))
			return content, nil
		}

		if len(toolCalls) > 0 {
			if isCancelled(inv.cancel) {
				return inv.abortCancelled()
			}
			results, cancelled := inv.runner.dispatchTools(ctx, inv.def.Name, toolCalls, inv.cancel, inv.events)
			if cancelled {
				return inv.abortCancelled()
			}
			for _, res := range results {
				inv.actx.Messages = append(inv.actx.Messages, models.Message{
					Role:       models.RoleTool,
					ToolCallID: res.ID,
					Content:    toolResultContent(res),
					CreatedAt:  time.Now(),
				})
				inv.actx.Metadata.ToolCallsTotal++
				if !res.Success {
					inv.actx.Metadata.ToolCallsFailed++
				}
			}
		}
	}

	inv.actx.Metadata.StopReason = models.StopMaxIterations
	emitFinal(inv.events, models.NewErrorEvent("maximum iterations reached"))
	return "", fmt.Errorf("agent %q: %w", inv.def.Name, ErrMaxIterations)
}

func (inv *invocation) abortCancelled() (string, error) {
	emitFinal(inv.events, models.NewErrorEvent("cancelled"))
	return "", fmt.Errorf("agent %q: %w", inv.def.Name, ErrCancelled)
}

// runIteration performs one model call: builds the Request, streams the
// response, appends the resulting Assistant Message, updates metadata, and
// persists the turn if memory is attached. It returns the stop reason and
// the tool calls the model requested (empty unless stopReason is ToolUse).
func (inv *invocation) runIteration(ctx context.Context, k int) (models.StopReason, []models.ToolCall, error) {
	start := time.Now()

	req := modelclient.Request{
		Model:       inv.def.ModelReference,
		System:      inv.def.SystemPrompt,
		Messages:    inv.actx.Messages,
		Tools:       inv.def.ToolCatalog,
		Temperature: inv.def.SamplingParameters.Temperature,
		MaxTokens:   inv.def.SamplingParameters.MaxTokens,
		TopP:        inv.def.SamplingParameters.TopP,
		Stream:      true,
	}

	stream, err := inv.client.GenerateStream(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var content strings.Builder
	acc := newToolCallAccumulator()
	var stopReason models.StopReason
	var usage modelclient.Usage

streamLoop:
	for {
		select {
		case <-inv.cancel:
			return "", nil, ErrCancelled
		case chunk, ok := <-stream:
			if !ok {
				break streamLoop
			}
			switch chunk.Kind {
			case modelclient.ChunkContentDelta:
				content.WriteString(chunk.Text)
				if !emitEvent(inv.events, models.NewTextDelta(chunk.Text), inv.cancel) {
					return "", nil, ErrCancelled
				}
			case modelclient.ChunkToolCallDelta:
				acc.add(chunk.ToolCallID, chunk.ToolCallName, chunk.ToolCallArgumentsFragment)
			case modelclient.ChunkDone:
				stopReason = chunk.StopReason
				usage = chunk.Usage
			}
		}
	}

	toolCalls := acc.toolCalls()
	if stopReason == "" {
		if len(toolCalls) > 0 {
			stopReason = models.StopToolUse
		} else {
			stopReason = models.StopEndTurn
		}
	}

	inv.actx.Messages = append(inv.actx.Messages, models.Message{
		Role:      models.RoleAssistant,
		Content:   content.String(),
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	})

	inv.actx.Metadata.Iteration = k
	inv.actx.Metadata.InputTokens += usage.InputTokens
	inv.actx.Metadata.OutputTokens += usage.OutputTokens
	inv.actx.Metadata.ExecutionTimeMS += time.Since(start).Milliseconds()
	inv.actx.Metadata.StopReason = stopReason

	if err := inv.persistTurn(ctx, k, stopReason); err != nil {
		return "", nil, err
	}

	return stopReason, toolCalls, nil
}

func (inv *invocation) restoreMemory(ctx context.Context) error {
	if !inv.def.MemoryAttached {
		return nil
	}
	if inv.runner.models == nil {
		return fmt.Errorf("agent has memory_attached but no MemoryStore is configured")
	}

	var stored []models.Message
	found, err := inv.runner.models.Retrieve(ctx, conversationKey(inv.def.Name), &stored)
	if err != nil {
		return err
	}
	if found {
		inv.actx.Messages = pruneHistory(stored)
	}
	return nil
}

func (inv *invocation) persistTurn(ctx context.Context, k int, stopReason models.StopReason) error {
	if !inv.def.MemoryAttached {
		return nil
	}
	if inv.runner.models == nil {
		return fmt.Errorf("agent has memory_attached but no MemoryStore is configured")
	}

	pruned := pruneHistory(inv.actx.Messages)
	inv.actx.Messages = pruned

	if err := inv.runner.models.Store(ctx, conversationKey(inv.def.Name), pruned, 0); err != nil {
		return err
	}

	record := TurnRecord{
		Iteration:       k,
		MessageCount:    len(pruned),
		StopReason:      stopReason,
		InputTokens:     inv.actx.Metadata.InputTokens,
		OutputTokens:    inv.actx.Metadata.OutputTokens,
		ExecutionTimeMS: inv.actx.Metadata.ExecutionTimeMS,
	}
	return inv.runner.models.Store(ctx, turnKey(inv.def.Name, k), record, 0)
}

func conversationKey(agentName string) string { return fmt.Sprintf("agent:%s:conversation", agentName) }
func turnKey(agentName string, k int) string   { return fmt.Sprintf("agent:%s:turn:%d", agentName, k) }

func lastAssistantContent(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}

func toolResultContent(r models.ToolResult) string {
	if r.Success {
		if len(r.Data) == 0 {
			return "{}"
		}
		return string(r.Data)
	}
	return r.Error
}

// isCancelled reports whether cancel has already fired, without blocking.
func isCancelled(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// emitEvent sends ev on events, honoring cancel as an escape hatch so a
// slow or abandoned consumer can never wedge the executor mid-stream. It
// returns false if cancel fired before the send completed. Never use this
// for the terminal event of an invocation: if cancel already fired, that is
// precisely why a terminal event is being sent, and racing the send against
// the same signal would let it be silently dropped. Use emitFinal there.
func emitEvent(events chan<- models.StreamEvent, ev models.StreamEvent, cancel <-chan struct{}) bool {
	select {
	case events <- ev:
		return true
	case <-cancel:
		return false
	}
}

// emitFinal unconditionally sends an invocation's terminal event (Done or
// Error). Callers rely on exactly one of these per invocation; it must not
// be interruptible by the same cancel signal that may have caused it.
func emitFinal(events chan<- models.StreamEvent, ev models.StreamEvent) {
	events <- ev
}

// toolCallAccumulator reconstructs complete ToolCalls from a GenerateStream
// sequence of ChunkToolCallDelta fragments, preserving the order each call
// ID was first seen — providers that buffer and emit a tool call whole (in
// a single delta) are handled identically, since a single fragment is just
// the degenerate case of "accumulate until Done".
type toolCallAccumulator struct {
	order   []string
	names   map[string]string
	args    map[string]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		names: make(map[string]string),
		args:  make(map[string]*strings.Builder),
	}
}

func (a *toolCallAccumulator) add(id, name, fragment string) {
	if id == "" {
		return
	}
	if _, seen := a.args[id]; !seen {
		a.order = append(a.order, id)
		a.args[id] = &strings.Builder{}
	}
	if name != "" {
		a.names[id] = name
	}
	a.args[id].WriteString(fragment)
}

func (a *toolCallAccumulator) toolCalls() []models.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]models.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		raw := a.args[id].String()
		if raw == "" {
			raw = "{}"
		}
		out = append(out, models.ToolCall{
			ID:        id,
			Name:      a.names[id],
			Arguments: []byte(raw),
		})
	}
	return out
}
