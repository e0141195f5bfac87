// Package sandbox runs submitted code through an external executor: a FIFO
// task queue (in-memory or Redis), a worker pool draining it, and the
// two-phase code evaluator that polls for results.
package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
)

// DefaultQueueCapacity bounds how many tasks may wait in memory.
const DefaultQueueCapacity = 64

type queueEntry struct {
	task   *exam.Task
	status exam.TaskStatus
	result *exam.ExecutionResult
}

// MemoryQueue is the in-process FIFO used by default. A buffered channel
// carries dequeue order; the entry map carries status and results.
type MemoryQueue struct {
	mu      sync.RWMutex
	entries map[string]*queueEntry
	pending chan string
}

// NewMemoryQueue creates an in-memory queue with the given capacity,
// DefaultQueueCapacity when zero.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &MemoryQueue{
		entries: make(map[string]*queueEntry),
		pending: make(chan string, capacity),
	}
}

// Enqueue adds a task in PENDING state and returns its id.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *exam.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	q.entries[task.ID] = &queueEntry{task: task, status: exam.TaskPending}
	q.mu.Unlock()

	select {
	case q.pending <- task.ID:
		return task.ID, nil
	default:
		q.mu.Lock()
		delete(q.entries, task.ID)
		q.mu.Unlock()
		return "", domain.NewCoreError(domain.CodeTransient, "sandbox queue full", nil)
	}
}

// Status reports a task's lifecycle state.
func (q *MemoryQueue) Status(ctx context.Context, taskID string) (exam.TaskStatus, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	entry, ok := q.entries[taskID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return entry.status, nil
}

// Result returns the stored result, nil while the task is still in flight.
func (q *MemoryQueue) Result(ctx context.Context, taskID string) (*exam.ExecutionResult, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	entry, ok := q.entries[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return entry.result, nil
}

// dequeue blocks until a task is available, marks it RUNNING, and hands it to
// the calling worker.
func (q *MemoryQueue) dequeue(ctx context.Context) (*exam.Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case id := <-q.pending:
			q.mu.Lock()
			entry, ok := q.entries[id]
			if !ok {
				// Entry vanished between enqueue and dequeue; skip it.
				q.mu.Unlock()
				continue
			}
			entry.status = exam.TaskRunning
			task := entry.task
			q.mu.Unlock()
			return task, nil
		}
	}
}

// complete records the worker's outcome: DONE with a result, or FAILED with
// a synthesized result carrying the error.
func (q *MemoryQueue) complete(ctx context.Context, taskID string, result *exam.ExecutionResult, execErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[taskID]
	if !ok {
		return domain.ErrNotFound
	}

	if execErr != nil {
		entry.status = exam.TaskFailed
		entry.result = failureResult(result, execErr)
		return nil
	}

	entry.status = exam.TaskDone
	entry.result = result
	return nil
}

// failureResult keeps whatever the executor produced and ensures the error
// text survives for the poller.
func failureResult(result *exam.ExecutionResult, execErr error) *exam.ExecutionResult {
	if result == nil {
		result = &exam.ExecutionResult{Status: exam.ExecRuntimeError, ExitCode: -1}
	}
	if result.Error == "" {
		result.Error = execErr.Error()
	}
	return result
}
