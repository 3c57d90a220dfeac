package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agenticopsorg/aof/internal/memory"
	"github.com/agenticopsorg/aof/internal/toolexec"
	"github.com/agenticopsorg/aof/pkg/models"
)

func collectEvents(t *testing.T, run func(events chan<- models.StreamEvent) (string, error)) ([]models.StreamEvent, string, error) {
	t.Helper()
	events := make(chan models.StreamEvent)
	var collected []models.StreamEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			collected = append(collected, ev)
		}
	}()

	result, err := run(events)
	close(events)
	<-done
	return collected, result, err
}

func newTestRunner(client *fakeModelClient, mem memory.Store) *Runner {
	return NewRunner(staticResolver{client: client}, toolexec.New(), mem, Config{})
}

// S1: single-turn chat, no tools.
func TestInvokeSingleTurnNoTools(t *testing.T) {
	client := &fakeModelClient{id: "test:greeter", turns: []scriptedTurn{
		{content: "hi", stopReason: models.StopEndTurn},
	}}
	r := newTestRunner(client, nil)
	r.RegisterAgent(models.AgentDefinition{Name: "greeter", MaxIterations: 5})

	evs, result, err := collectEvents(t, func(events chan<- models.StreamEvent) (string, error) {
		return r.Invoke(context.Background(), "greeter", "hello", nil, events)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "hi" {
		t.Errorf("result = %q, want %q", result, "hi")
	}

	wantTypes := []models.StreamEventType{
		models.StreamEventIterationStart,
		models.StreamEventTextDelta,
		models.StreamEventIterationComplete,
		models.StreamEventDone,
	}
	assertEventTypes(t, evs, wantTypes)

	if evs[0].IterationStart.Iteration != 1 || evs[0].IterationStart.MaxIterations != 5 {
		t.Errorf("iteration start = %+v", evs[0].IterationStart)
	}
	if evs[3].Done.Content != "hi" || evs[3].Done.TotalIterations != 1 {
		t.Errorf("done payload = %+v", evs[3].Done)
	}
}

// Regression test: even when memory restore finds prior history, the
// current input must still be appended — omitting this step is a known
// historical bug.
func TestInvokeAlwaysAppendsInputEvenAfterRestore(t *testing.T) {
	mem := memory.NewMemStore()
	mem.Store(context.Background(), "agent:greeter:conversation", []models.Message{
		{Role: models.RoleUser, Content: "Q1"},
		{Role: models.RoleAssistant, Content: "A1"},
	}, 0)

	client := &fakeModelClient{id: "test:greeter", turns: []scriptedTurn{
		{content: "A2", stopReason: models.StopEndTurn},
	}}
	r := newTestRunner(client, mem)
	r.RegisterAgent(models.AgentDefinition{Name: "greeter", MaxIterations: 5, MemoryAttached: true})

	_, _, err := collectEvents(t, func(events chan<- models.StreamEvent) (string, error) {
		return r.Invoke(context.Background(), "greeter", "Q2", nil, events)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := client.seen[0]
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages sent to the model (Q1, A1, Q2), got %d: %+v", len(req.Messages), req.Messages)
	}
	if req.Messages[2].Role != models.RoleUser || req.Messages[2].Content != "Q2" {
		t.Fatalf("expected the current input to be appended last, got %+v", req.Messages[2])
	}
}

// S4: memory restore across invocations.
func TestInvokeMemoryRestoreAcrossInvocations(t *testing.T) {
	mem := memory.NewMemStore()
	def := models.AgentDefinition{Name: "greeter", MaxIterations: 5, MemoryAttached: true}

	clientA := &fakeModelClient{id: "test:greeter", turns: []scriptedTurn{{content: "A1", stopReason: models.StopEndTurn}}}
	rA := newTestRunner(clientA, mem)
	rA.RegisterAgent(def)
	if _, _, err := collectEvents(t, func(events chan<- models.StreamEvent) (string, error) {
		return rA.Invoke(context.Background(), "greeter", "Q1", nil, events)
	}); err != nil {
		t.Fatalf("invocation A failed: %v", err)
	}

	var stored []models.Message
	found, err := mem.Retrieve(context.Background(), "agent:greeter:conversation", &stored)
	if err != nil || !found {
		t.Fatalf("expected conversation to be persisted: found=%v err=%v", found, err)
	}
	if len(stored) != 2 || stored[0].Content != "Q1" || stored[1].Content != "A1" {
		t.Fatalf("unexpected persisted conversation: %+v", stored)
	}

	clientB := &fakeModelClient{id: "test:greeter", turns: []scriptedTurn{{content: "A2", stopReason: models.StopEndTurn}}}
	rB := newTestRunner(clientB, mem)
	rB.RegisterAgent(def)
	if _, _, err := collectEvents(t, func(events chan<- models.StreamEvent) (string, error) {
		return rB.Invoke(context.Background(), "greeter", "Q2", nil, events)
	}); err != nil {
		t.Fatalf("invocation B failed: %v", err)
	}

	reqB := clientB.seen[0]
	if len(reqB.Messages) != 3 {
		t.Fatalf("expected B's first call to see [Q1, A1, Q2], got %+v", reqB.Messages)
	}

	found, err = mem.Retrieve(context.Background(), "agent:greeter:conversation", &stored)
	if err != nil || !found {
		t.Fatalf("expected conversation to be persisted after B: found=%v err=%v", found, err)
	}
	if len(stored) != 4 || stored[2].Content != "Q2" || stored[3].Content != "A2" {
		t.Fatalf("unexpected persisted conversation after B: %+v", stored)
	}
}

// S2: single tool call.
func TestInvokeSingleToolCall(t *testing.T) {
	client := &fakeModelClient{id: "test:sh", turns: []scriptedTurn{
		{toolCalls: []models.ToolCall{{ID: "t1", Name: "echo", Arguments: rawArgs(map[string]any{"x": "y"})}}, stopReason: models.StopToolUse},
		{content: "ok", stopReason: models.StopEndTurn},
	}}

	tools := toolexec.New()
	if err := tools.RegisterTool(models.ToolSpec{Name: "echo", BuiltinKind: "echo"}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	tools.RegisterBuiltin("echo", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"out":"y"}`), nil
	})

	r := NewRunner(staticResolver{client: client}, tools, nil, Config{})
	r.RegisterAgent(models.AgentDefinition{
		Name: "sh", MaxIterations: 5,
		ToolCatalog: []models.ToolSpec{{Name: "echo", BuiltinKind: "echo"}},
	})

	evs, result, err := collectEvents(t, func(events chan<- models.StreamEvent) (string, error) {
		return r.Invoke(context.Background(), "sh", "run echo", nil, events)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want %q", result, "ok")
	}

	var sawStart, sawComplete, sawDone bool
	for _, ev := range evs {
		switch ev.Type {
		case models.StreamEventToolCallStart:
			if ev.ToolCallStart.ToolName == "echo" && ev.ToolCallStart.ToolID == "t1" {
				sawStart = true
			}
		case models.StreamEventToolCallComplete:
			if ev.ToolCallComplete.Success && ev.ToolCallComplete.ToolID == "t1" {
				sawComplete = true
			}
		case models.StreamEventDone:
			if ev.Done.Content == "ok" && ev.Done.TotalIterations == 2 {
				sawDone = true
			}
		}
	}
	if !sawStart || !sawComplete || !sawDone {
		t.Fatalf("missing expected events: start=%v complete=%v done=%v; events=%+v", sawStart, sawComplete, sawDone, evs)
	}
}

// B1: max_iterations=1 with a model that always requests a tool call
// terminates with MaxIterations after executing iteration 1's tools, never
// reaching iteration 2.
func TestInvokeMaxIterationsAfterToolDispatch(t *testing.T) {
	client := &fakeModelClient{id: "test:loop", turns: []scriptedTurn{
		{toolCalls: []models.ToolCall{{ID: "t1", Name: "echo", Arguments: rawArgs(map[string]any{})}}, stopReason: models.StopToolUse},
	}}

	tools := toolexec.New()
	tools.RegisterTool(models.ToolSpec{Name: "echo", BuiltinKind: "echo"})
	tools.RegisterBuiltin("echo", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	r := NewRunner(staticResolver{client: client}, tools, nil, Config{})
	r.RegisterAgent(models.AgentDefinition{Name: "loop", MaxIterations: 1, ToolCatalog: []models.ToolSpec{{Name: "echo", BuiltinKind: "echo"}}})

	evs, _, err := collectEvents(t, func(events chan<- models.StreamEvent) (string, error) {
		return r.Invoke(context.Background(), "loop", "go", nil, events)
	})
	if err == nil {
		t.Fatal("expected a max-iterations error")
	}

	var iterationStarts, toolCompletes int
	var sawError bool
	for _, ev := range evs {
		switch ev.Type {
		case models.StreamEventIterationStart:
			iterationStarts++
		case models.StreamEventToolCallComplete:
			toolCompletes++
		case models.StreamEventError:
			sawError = true
		}
	}
	if iterationStarts != 1 {
		t.Errorf("iteration starts = %d, want 1 (never reaches iteration 2)", iterationStarts)
	}
	if toolCompletes != 1 {
		t.Errorf("tool completes = %d, want 1 (iteration 1's tool still runs)", toolCompletes)
	}
	if !sawError {
		t.Error("expected an Error event for max iterations")
	}
}

func TestInvokeUnknownAgent(t *testing.T) {
	r := NewRunner(staticResolver{}, toolexec.New(), nil, Config{})
	_, _, err := collectEvents(t, func(events chan<- models.StreamEvent) (string, error) {
		return r.Invoke(context.Background(), "missing", "hi", nil, events)
	})
	if err == nil {
		t.Fatal("expected an error for an unregistered agent")
	}
}

func TestInvokeCancelledBeforeStart(t *testing.T) {
	client := &fakeModelClient{id: "test:greeter", turns: []scriptedTurn{{content: "hi", stopReason: models.StopEndTurn}}}
	r := newTestRunner(client, nil)
	r.RegisterAgent(models.AgentDefinition{Name: "greeter", MaxIterations: 5})

	cancel := make(chan struct{})
	close(cancel)

	evs, _, err := collectEvents(t, func(events chan<- models.StreamEvent) (string, error) {
		return r.Invoke(context.Background(), "greeter", "hello", cancel, events)
	})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	found := false
	for _, ev := range evs {
		if ev.Type == models.StreamEventError && ev.Error.Message == "cancelled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an Error{cancelled} event, got %+v", evs)
	}
}

// Cancellation mid-stream must abort cooperatively: the partially received
// content is discarded, no Done event is ever produced, and the invocation
// returns ErrCancelled — context.messages stays unmodified, not torn
// mid-append.
func TestInvokeCancelledMidStream(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeModelClient{id: "test:greeter", turns: []scriptedTurn{
		{content: "partial", stopReason: models.StopEndTurn, gate: gate},
	}}
	r := newTestRunner(client, nil)
	r.RegisterAgent(models.AgentDefinition{Name: "greeter", MaxIterations: 5})

	cancel := make(chan struct{})
	events := make(chan models.StreamEvent, 16)
	var collected []models.StreamEvent
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for ev := range events {
			collected = append(collected, ev)
			if ev.Type == models.StreamEventTextDelta {
				close(cancel)
			}
		}
	}()

	_, err := r.Invoke(context.Background(), "greeter", "hello", cancel, events)
	close(gate)
	close(events)
	<-drainDone

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}
	for _, ev := range collected {
		if ev.Type == models.StreamEventDone {
			t.Fatal("a cancelled invocation must never emit Done")
		}
	}
	var sawCancelError bool
	for _, ev := range collected {
		if ev.Type == models.StreamEventError && ev.Error.Message == "cancelled" {
			sawCancelError = true
		}
	}
	if !sawCancelError {
		t.Fatalf("expected an Error{cancelled} event, got %+v", collected)
	}
}

// S6: cancel fires mid tool-dispatch (the first tool call is still running
// when cancel closes). The cancelled call must emit no ToolCallComplete —
// only the invocation's single Error("cancelled") — and context.messages
// must be left with no partial Tool entry for it.
func TestInvokeCancelledDuringToolDispatch(t *testing.T) {
	toolStarted := make(chan struct{})
	tools := toolexec.New()
	if err := tools.RegisterTool(models.ToolSpec{Name: "slow", BuiltinKind: "slow"}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	tools.RegisterBuiltin("slow", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		close(toolStarted)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	client := &fakeModelClient{id: "test:worker", turns: []scriptedTurn{
		{
			toolCalls:  []models.ToolCall{{ID: "call-1", Name: "slow", Arguments: rawArgs(map[string]any{})}},
			stopReason: models.StopToolUse,
		},
	}}
	def := models.AgentDefinition{Name: "worker", MaxIterations: 5}
	r := NewRunner(staticResolver{client: client}, tools, nil, Config{})
	r.RegisterAgent(def)

	cancel := make(chan struct{})
	events := make(chan models.StreamEvent, 16)
	var collected []models.StreamEvent
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for ev := range events {
			collected = append(collected, ev)
		}
	}()
	go func() {
		<-toolStarted
		close(cancel)
	}()

	inv := &invocation{
		runner:        r,
		def:           def,
		client:        client,
		maxIterations: def.MaxIterations,
		cancel:        cancel,
		events:        events,
	}
	_, err := inv.run(context.Background(), "do it")
	close(events)
	<-drainDone

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}
	for _, ev := range collected {
		if ev.Type == models.StreamEventToolCallComplete {
			t.Fatalf("a cancelled tool call must never emit ToolCallComplete, got %+v", ev.ToolCallComplete)
		}
	}
	var sawCancelError bool
	for _, ev := range collected {
		if ev.Type == models.StreamEventError && ev.Error.Message == "cancelled" {
			sawCancelError = true
		}
	}
	if !sawCancelError {
		t.Fatalf("expected an Error{cancelled} event, got %+v", collected)
	}
	for _, msg := range inv.actx.Messages {
		if msg.Role == models.RoleTool {
			t.Fatalf("context.messages must contain no partial Tool entry after cancellation, got %+v", msg)
		}
	}
}

func assertEventTypes(t *testing.T, evs []models.StreamEvent, want []models.StreamEventType) {
	t.Helper()
	if len(evs) != len(want) {
		t.Fatalf("event count = %d, want %d: %+v", len(evs), len(want), evs)
	}
	for i, w := range want {
		if evs[i].Type != w {
			t.Errorf("event[%d].Type = %v, want %v", i, evs[i].Type, w)
		}
	}
}
