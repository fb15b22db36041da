package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/flowengine/internal/pool"
)

// DispatcherConfig sizes the run worker pool and paces the queue poll
// loop.
type DispatcherConfig struct {
	Workers   int        `json:"workers"`
	QueueSize int        `json:"queue_size"`
	PollRate  rate.Limit `json:"poll_rate"` // queue polls per second
}

// DefaultDispatcherConfig returns the dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   8,
		QueueSize: 256,
		PollRate:  rate.Limit(50),
	}
}

// Dispatcher drains the priority queue and hands each submission to a
// worker that runs it through the scheduler. Higher-priority
// submissions always dispatch first; ties dispatch in submission
// order.
type Dispatcher struct {
	queue     *PriorityQueue
	scheduler *Scheduler
	workers   *pool.GoroutinePool
	limiter   *rate.Limiter
	logger    *zap.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDispatcher wires a dispatcher over the queue and scheduler.
func NewDispatcher(queue *PriorityQueue, scheduler *Scheduler, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: config.Workers,
		QueueSize:  config.QueueSize,
	})
	return &Dispatcher{
		queue:     queue,
		scheduler: scheduler,
		workers:   workers,
		limiter:   rate.NewLimiter(config.PollRate, 1),
		logger:    logger.With(zap.String("component", "dispatcher")),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the poll loop. It returns immediately; runs proceed on
// the worker pool until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	d.logger.Info("dispatcher started")

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		entry := d.queue.Pop()
		if entry == nil {
			continue
		}

		executionID := entry.ExecutionID
		err := d.workers.Submit(ctx, func(taskCtx context.Context) error {
			if runErr := d.scheduler.Run(taskCtx, executionID); runErr != nil {
				d.logger.Warn("run finished with failure",
					zap.String("execution_id", executionID),
					zap.Error(runErr))
			}
			return nil
		})
		if err != nil {
			// Pool saturated or closing; put the entry back with its
			// original submission time so it is not lost and keeps its
			// place among same-priority peers.
			d.queue.Requeue(*entry)
			if err == pool.ErrPoolClosed {
				return
			}
			d.logger.Warn("worker pool saturated, requeued",
				zap.String("execution_id", executionID))
		}
	}
}

// Stop halts polling and waits for in-flight runs to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		<-d.done
		d.workers.Close()
		d.logger.Info("dispatcher stopped")
	})
}
