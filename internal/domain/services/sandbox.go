package services

import (
	"context"

	"proctor/internal/domain/models/exam"
)

// SandboxQueue is the process-wide FIFO of execution tasks. Workers dequeue,
// invoke the external executor, and write results back keyed by task id.
// Pollers read Status, then Result once the status is terminal.
type SandboxQueue interface {
	// Enqueue adds a task and returns its id. The task starts PENDING.
	Enqueue(ctx context.Context, task *exam.Task) (string, error)

	// Status reports the task's lifecycle state. ErrNotFound for unknown ids.
	Status(ctx context.Context, taskID string) (exam.TaskStatus, error)

	// Result returns the execution result, nil until the task reaches a
	// terminal status. FAILED tasks may carry a result explaining the failure.
	Result(ctx context.Context, taskID string) (*exam.ExecutionResult, error)
}

// SandboxExecutor is the adapter over the external code-execution service.
// Workers call it once per task.
type SandboxExecutor interface {
	Execute(ctx context.Context, task *exam.Task) (*exam.ExecutionResult, error)
}
