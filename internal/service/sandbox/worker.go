package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
)

// WorkerQueue is the queue surface the pool drains. The unexported methods
// keep the dequeue contract inside this package; MemoryQueue and RedisQueue
// implement it.
type WorkerQueue interface {
	services.SandboxQueue

	dequeue(ctx context.Context) (*exam.Task, error)
	complete(ctx context.Context, taskID string, result *exam.ExecutionResult, execErr error) error
}

// executeTimeout caps one executor call. The evaluator's per-phase budget is
// tighter; this is the backstop against a hung executor pinning a worker.
const executeTimeout = 60 * time.Second

// Pool drains the queue with a fixed number of workers, invoking the
// external executor once per task and writing results back.
type Pool struct {
	queue    WorkerQueue
	executor services.SandboxExecutor
	workers  int
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewPool creates a worker pool. Workers defaults to 2 when not positive.
func NewPool(queue WorkerQueue, executor services.SandboxExecutor, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		queue:    queue,
		executor: executor,
		workers:  workers,
		logger:   logger,
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	for {
		task, err := p.queue.dequeue(ctx)
		if err != nil {
			// Context cancelled; shut the worker down.
			return
		}

		execCtx, cancel := context.WithTimeout(ctx, executeTimeout)
		result, execErr := p.executor.Execute(execCtx, task)
		cancel()

		if execErr != nil {
			p.logger.Warn("sandbox execution failed",
				"worker", worker,
				"task_id", task.ID,
				"error", execErr,
			)
		}

		// Completion must land even when ctx is already cancelled, or the
		// poller would wait out its full budget for nothing.
		completeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.queue.complete(completeCtx, task.ID, result, execErr); err != nil {
			p.logger.Error("record task result failed",
				"worker", worker,
				"task_id", task.ID,
				"error", err,
			)
		}
		cancel()
	}
}
