package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agenticopsorg/aof/internal/backoff"
	"github.com/agenticopsorg/aof/internal/modelclient"
	"github.com/agenticopsorg/aof/pkg/models"
)

const (
	// maxParallelTools bounds concurrent dispatch when an iteration
	// requests more than one tool call.
	maxParallelTools = 10

	// maxToolAttempts is the per-call attempt budget before a retryable
	// failure is recorded as terminal.
	maxToolAttempts = 3

	// toolTimeoutPerAttempt is the hard wall-clock bound on a single
	// ToolExecutor.ExecuteTool call.
	toolTimeoutPerAttempt = 30 * time.Second

	// warnExecutionTimeMS flags a tool call slow enough to warrant a
	// warning log line even when it ultimately succeeded.
	warnExecutionTimeMS = 5000
)

// toolBackoffPolicy gives the exponential, jitter-free sleep between
// retryable attempts via internal/backoff.ComputeBackoff: 1s, 2s, 4s for
// attempts 1, 2, 3 respectively (the third clamps at MaxMs rather than
// doubling again, which lands on exactly 4s).
var toolBackoffPolicy = backoff.BackoffPolicy{InitialMs: 1000, MaxMs: 4000, Factor: 2, Jitter: 0}

func toolBackoffDelay(attempt int) time.Duration {
	return backoff.ComputeBackoff(toolBackoffPolicy, attempt)
}

// dispatchTools runs every call in one iteration, preserving the model's
// original call order in the returned slice regardless of how the calls
// completed. A single call bypasses the semaphore/goroutine machinery
// entirely; more than one fans out under maxParallelTools. The second return
// value reports whether any call was cut short by cancellation rather than
// reaching a terminal (success or failed) outcome; callers must not treat
// the accompanying results as authoritative tool output when it is true.
func (r *Runner) dispatchTools(ctx context.Context, agentName string, calls []models.ToolCall, cancel <-chan struct{}, events chan<- models.StreamEvent) ([]models.ToolResult, bool) {
	if len(calls) == 0 {
		return nil, false
	}
	if len(calls) == 1 {
		result, cancelled := r.dispatchOne(ctx, agentName, calls[0], cancel, events)
		return []models.ToolResult{result}, cancelled
	}

	results := make([]models.ToolResult, len(calls))
	cancelledFlags := make([]bool, len(calls))
	sem := make(chan struct{}, maxParallelTools)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-cancel:
				results[idx] = models.ToolResult{ID: call.ID, Success: false, Error: "cancelled"}
				cancelledFlags[idx] = true
				return
			}
			results[idx], cancelledFlags[idx] = r.dispatchOne(ctx, agentName, call, cancel, events)
		}(i, call)
	}

	wg.Wait()

	anyCancelled := false
	for _, c := range cancelledFlags {
		if c {
			anyCancelled = true
			break
		}
	}
	return results, anyCancelled
}

// dispatchOne runs the full per-call lifecycle: ToolCallStart, the attempt
// loop with timeout/backoff/retry classification, ToolCallComplete, and a
// structured metric log line. The second return value reports whether the
// call was cut short by cancellation; when true, no ToolCallComplete event
// is emitted for this id — the invocation's single Error("cancelled") event
// is the only signal the caller sees for it.
func (r *Runner) dispatchOne(ctx context.Context, agentName string, call models.ToolCall, cancel <-chan struct{}, events chan<- models.StreamEvent) (models.ToolResult, bool) {
	start := time.Now()
	emitEvent(events, models.NewToolCallStart(call.Name, call.ID, string(call.Arguments)), cancel)

	result := models.ToolResult{ID: call.ID}
	attempts := 0
	cancelled := false

attemptLoop:
	for attempt := 1; attempt <= maxToolAttempts; attempt++ {
		attempts = attempt

		if isCancelled(cancel) {
			cancelled = true
			break attemptLoop
		}

		attemptResult, wasCancelled := r.runOneAttempt(ctx, call, cancel)
		if wasCancelled {
			cancelled = true
			break attemptLoop
		}
		attemptResult.ID = call.ID

		if err := attemptResult.Validate(); err != nil {
			attemptResult.Success = false
			attemptResult.Error = err.Error()
			result = attemptResult
			break attemptLoop
		}

		result = attemptResult
		if attemptResult.Success {
			break attemptLoop
		}
		if !isRetryable(attemptResult.Error) || attempt == maxToolAttempts {
			break attemptLoop
		}
		if !sleepOrCancel(toolBackoffDelay(attempt), cancel) {
			cancelled = true
			break attemptLoop
		}
	}

	elapsed := time.Since(start)

	if cancelled {
		result = models.ToolResult{ID: call.ID, Success: false, Error: "cancelled", ExecutionTimeMS: elapsed.Milliseconds(), Attempts: attempts}
		r.logToolMetric(agentName, call.Name, result, elapsed)
		return result, true
	}

	result.ExecutionTimeMS = elapsed.Milliseconds()
	result.Attempts = attempts

	emitEvent(events, models.NewToolCallComplete(call.Name, call.ID, result.Success, result.ExecutionTimeMS, result.Error), cancel)
	r.logToolMetric(agentName, call.Name, result, elapsed)
	return result, false
}

// runOneAttempt executes exactly one ToolExecutor.ExecuteTool call under
// the per-attempt timeout, racing it against the cancel signal. The bool
// return reports whether cancellation, not a normal result, ended the
// attempt.
func (r *Runner) runOneAttempt(ctx context.Context, call models.ToolCall, cancel <-chan struct{}) (models.ToolResult, bool) {
	attemptCtx, stop := context.WithTimeout(ctx, toolTimeoutPerAttempt)
	defer stop()

	resultCh := make(chan models.ToolResult, 1)
	go func() {
		resultCh <- r.tools.ExecuteTool(attemptCtx, call.Name, call.Arguments)
	}()

	select {
	case res := <-resultCh:
		return res, false
	case <-attemptCtx.Done():
		return models.ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool execution timed out after %s", toolTimeoutPerAttempt),
		}, false
	case <-cancel:
		return models.ToolResult{}, true
	}
}

// sleepOrCancel waits d, or returns false early if cancel fires first.
// internal/backoff.SleepWithContext is deliberately not used here: the
// orchestrator never cancels the context it passes down (see Invoke),
// communicating cancellation exclusively through this channel instead.
func sleepOrCancel(d time.Duration, cancel <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancel:
		return false
	}
}

// isRetryable classifies a ToolResult's error text through the same
// taxonomy ModelClient errors use (§7): rate-limit, timeout, network, and
// server-transient failures are retried; everything else — including tool
// classification failures like schema validation or "not found" — is
// terminal on first occurrence.
func isRetryable(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	return modelclient.ClassifyError(errors.New(errMsg)).Retryable()
}

// logToolMetric records the §4.5.1 structured metric line for one tool
// call, warning when attempts exceeded one or execution crossed 5s.
func (r *Runner) logToolMetric(agentName, toolName string, result models.ToolResult, elapsed time.Duration) {
	fields := []any{
		"agent_name", agentName,
		"tool_name", toolName,
		"attempts", result.Attempts,
		"success", result.Success,
		"execution_time_ms", result.ExecutionTimeMS,
	}
	warn := result.Attempts > 1 || result.ExecutionTimeMS > warnExecutionTimeMS

	ctx := context.Background()
	switch {
	case r.logger != nil && warn:
		r.logger.Warn(ctx, "tool execution", fields...)
	case r.logger != nil:
		r.logger.Info(ctx, "tool execution", fields...)
	case warn:
		slog.Warn("tool execution", fields...)
	default:
		slog.Info("tool execution", fields...)
	}

	if r.metrics != nil {
		status := "success"
		if !result.Success {
			status = "error"
		}
		r.metrics.RecordToolExecution(toolName, status, elapsed.Seconds())
	}
}
