// Package orchestrator accepts agent invocations as Tasks, enforces a
// global concurrency cap, and tracks Task lifecycle through to completion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticopsorg/aof/pkg/models"
)

// ErrRejectedByQuota is returned by Submit when the invoking external user
// already has PerUserLimit Running tasks.
var ErrRejectedByQuota = errors.New("orchestrator: rejected by per-user quota")

// ErrNotCancellable is returned by Cancel for a Task that has already
// reached a terminal status.
var ErrNotCancellable = errors.New("orchestrator: task not cancellable")

// ErrNotFound is returned by Status for an unknown task id.
var ErrNotFound = errors.New("orchestrator: task not found")

// Invoker runs one AgentInvocation to a terminal state. It is the
// AgentExecutor contract as consumed by the orchestrator: given the
// agent name, the input, a cancel signal, and a stream sink, it drives
// one execution and returns the final content or an error.
type Invoker interface {
	Invoke(ctx context.Context, agentName, input string, cancel <-chan struct{}, events chan<- models.StreamEvent) (string, error)
}

// cancelSignal is a one-shot signal an executor awaits alongside every
// long suspension point.
type cancelSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newCancelSignal() *cancelSignal {
	return &cancelSignal{ch: make(chan struct{})}
}

func (c *cancelSignal) fire() {
	c.once.Do(func() { close(c.ch) })
}

// Invocation is the caller-supplied request to Submit.
type Invocation struct {
	AgentName      string
	Input          string
	Priority       int
	ExternalUserID string
	StreamSink     chan<- models.StreamEvent
}

// Config controls concurrency limits.
type Config struct {
	// MaxConcurrent bounds Running tasks process-wide. Typical: 5 for a
	// GUI-driven deployment, 10 for headless batch use.
	MaxConcurrent int
	// PerUserLimit bounds Running tasks per ExternalUserID. Zero disables
	// the per-user cap. Default applied by New is 3.
	PerUserLimit int
	Logger       *slog.Logger
}

// Stats summarizes Task counts by status plus available concurrency.
type Stats struct {
	Pending          int
	Running          int
	Completed        int
	Failed           int
	Cancelled        int
	AvailablePermits int
}

// Orchestrator implements the §4.6 contract: submit/status/list/cancel/
// stats/clear_finished over a semaphore-bounded worker pool.
type Orchestrator struct {
	invoker Invoker
	config  Config
	logger  *slog.Logger

	sem chan struct{}

	mu          sync.Mutex
	tasks       map[string]*models.Task
	cancels     map[string]*cancelSignal
	runningByID map[string]int // ExternalUserID -> count of Running tasks
}

// New creates an Orchestrator driving invoker. A MaxConcurrent of zero or
// less defaults to 5; a negative PerUserLimit disables the per-user cap.
func New(invoker Invoker, config Config) *Orchestrator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	if config.PerUserLimit == 0 {
		config.PerUserLimit = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}

	return &Orchestrator{
		invoker:     invoker,
		config:      config,
		logger:      logger,
		sem:         make(chan struct{}, config.MaxConcurrent),
		tasks:       make(map[string]*models.Task),
		cancels:     make(map[string]*cancelSignal),
		runningByID: make(map[string]int),
	}
}

// Submit registers a Pending Task and spawns a worker goroutine that waits
// for a concurrency permit (FIFO by submission order among waiters on the
// same semaphore) before transitioning to Running and invoking the agent.
func (o *Orchestrator) Submit(ctx context.Context, inv Invocation) (string, error) {
	if inv.ExternalUserID != "" && o.config.PerUserLimit > 0 {
		o.mu.Lock()
		if o.runningByID[inv.ExternalUserID] >= o.config.PerUserLimit {
			o.mu.Unlock()
			return "", ErrRejectedByQuota
		}
		o.mu.Unlock()
	}

	task := &models.Task{
		TaskID:         uuid.NewString(),
		AgentName:      inv.AgentName,
		Input:          inv.Input,
		Status:         models.TaskPending,
		Priority:       inv.Priority,
		ExternalUserID: inv.ExternalUserID,
		SubmittedAt:    time.Now(),
	}
	signal := newCancelSignal()

	o.mu.Lock()
	o.tasks[task.TaskID] = task
	o.cancels[task.TaskID] = signal
	o.mu.Unlock()

	go o.run(task.TaskID, inv, signal)

	return task.TaskID, nil
}

func (o *Orchestrator) run(taskID string, inv Invocation, signal *cancelSignal) {
	select {
	case o.sem <- struct{}{}:
	case <-signal.ch:
		o.finish(taskID, models.TaskCancelled, "", "cancelled before start")
		return
	}
	defer func() { <-o.sem }()

	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	if task.Status != models.TaskPending {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	task.Status = models.TaskRunning
	task.StartedAt = &now
	if inv.ExternalUserID != "" {
		o.runningByID[inv.ExternalUserID]++
	}
	o.mu.Unlock()

	defer func() {
		if inv.ExternalUserID != "" {
			o.mu.Lock()
			o.runningByID[inv.ExternalUserID]--
			o.mu.Unlock()
		}
	}()

	result, err := o.invokeSafely(taskID, inv, signal)
	if err != nil {
		select {
		case <-signal.ch:
			o.finish(taskID, models.TaskCancelled, "", err.Error())
		default:
			o.finish(taskID, models.TaskFailed, "", err.Error())
		}
		return
	}
	o.finish(taskID, models.TaskCompleted, result, "")
}

// invokeSafely converts a panic in the invoker into an error, per the
// "Orchestrator converts any uncaught executor panic into Failed" rule.
func (o *Orchestrator) invokeSafely(taskID string, inv Invocation, signal *cancelSignal) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("agent invocation panicked", "task_id", taskID, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx := context.Background()
	var sink chan<- models.StreamEvent = inv.StreamSink
	if sink == nil {
		discard := make(chan models.StreamEvent, 16)
		go func() {
			for range discard {
			}
		}()
		sink = discard
	}
	return o.invoker.Invoke(ctx, inv.AgentName, inv.Input, signal.ch, sink)
}

func (o *Orchestrator) finish(taskID string, status models.TaskStatus, result, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return
	}
	now := time.Now()
	task.Status = status
	task.FinishedAt = &now
	task.Result = result
	task.Error = errMsg
	o.logger.Info("task finished", "task_id", taskID, "status", status)
}

// Status returns a copy of the Task record, or ErrNotFound.
func (o *Orchestrator) Status(taskID string) (*models.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// List returns a snapshot of all Task records, ordered by SubmittedAt.
func (o *Orchestrator) List() []*models.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Cancel fires the cancel signal for a Pending or Running task. It returns
// ErrNotCancellable if the task has already reached a terminal status.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return ErrNotFound
	}
	if task.Status.Terminal() {
		o.mu.Unlock()
		return ErrNotCancellable
	}
	signal := o.cancels[taskID]
	o.mu.Unlock()

	if signal != nil {
		signal.fire()
	}
	return nil
}

// Stats returns current counts by status plus available semaphore permits.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Stats{AvailablePermits: cap(o.sem) - len(o.sem)}
	for _, t := range o.tasks {
		switch t.Status {
		case models.TaskPending:
			s.Pending++
		case models.TaskRunning:
			s.Running++
		case models.TaskCompleted:
			s.Completed++
		case models.TaskFailed:
			s.Failed++
		case models.TaskCancelled:
			s.Cancelled++
		}
	}
	return s
}

// ClearFinished removes Completed/Failed/Cancelled Task records and
// returns how many were removed.
func (o *Orchestrator) ClearFinished() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for id, t := range o.tasks {
		if t.Status.Terminal() {
			delete(o.tasks, id)
			delete(o.cancels, id)
			removed++
		}
	}
	return removed
}
