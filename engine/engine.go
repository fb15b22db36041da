package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/store"
)

// Config bundles every engine knob.
type Config struct {
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	// DeadLetterLimit caps the default page size of dead-letter reads.
	DeadLetterLimit int `json:"dead_letter_limit"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Scheduler:       DefaultSchedulerConfig(),
		Dispatcher:      DefaultDispatcherConfig(),
		DeadLetterLimit: DefaultDeadLetterLimit,
	}
}

// Engine is the composed execution engine: scheduler, breaker
// registry, dead-letter queue, priority queue, dispatcher, and
// lifecycle controls behind one front door.
type Engine struct {
	Scheduler  *Scheduler
	Lifecycle  *Lifecycle
	Queue      *PriorityQueue
	Breakers   *BreakerRegistry
	DeadLetter *DeadLetterQueue
	dispatcher *Dispatcher
}

// New assembles an engine over the store and runtime. plans may be nil
// to disable plan caching.
func New(st *store.Store, runtime AgentRuntime, plans PlanCache, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	breakers := NewBreakerRegistry(config.Scheduler.Breaker, logger)
	dlq := NewDeadLetterQueue(logger)
	queue := NewPriorityQueue()

	scheduler := NewScheduler(st, runtime, breakers, dlq, plans, config.Scheduler, logger)
	dispatcher := NewDispatcher(queue, scheduler, config.Dispatcher, logger)
	lifecycle := NewLifecycle(st, scheduler, queue, logger)

	return &Engine{
		Scheduler:  scheduler,
		Lifecycle:  lifecycle,
		Queue:      queue,
		Breakers:   breakers,
		DeadLetter: dlq,
		dispatcher: dispatcher,
	}
}

// Start launches the dispatcher loop.
func (e *Engine) Start(ctx context.Context) {
	e.dispatcher.Start(ctx)
}

// Stop drains the dispatcher and waits for in-flight runs.
func (e *Engine) Stop() {
	e.dispatcher.Stop()
}

// Submit creates an execution and enqueues it for dispatch. The
// returned row is already running; planning failures come back as a
// failed row, consistent with CreateExecution.
func (e *Engine) Submit(ctx context.Context, req CreateRequest) (*store.WorkflowExecution, error) {
	exec, err := e.Scheduler.CreateExecution(ctx, req)
	if err != nil {
		return nil, err
	}
	if exec.Status == store.StatusRunning {
		e.Queue.Push(exec.ID, exec.Priority, nil)
	}
	return exec, nil
}

// RunInline creates an execution and runs it to a terminal state on the
// caller's goroutine, bypassing the queue. Used by synchronous callers
// and tests.
func (e *Engine) RunInline(ctx context.Context, req CreateRequest) (*store.WorkflowExecution, error) {
	exec, err := e.Scheduler.CreateExecution(ctx, req)
	if err != nil {
		return nil, err
	}
	if exec.Status != store.StatusRunning {
		return exec, nil
	}
	_ = e.Scheduler.Run(ctx, exec.ID)
	return e.Scheduler.store.GetExecution(ctx, exec.ID)
}
