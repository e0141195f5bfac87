package exam

import (
	"time"
)

// TaskStatus is the queue-side lifecycle of an execution task.
// PENDING → RUNNING → (DONE | FAILED).
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
	TaskDone    TaskStatus = "DONE"
	TaskFailed  TaskStatus = "FAILED"
)

// Terminal reports whether the status admits no further transition.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// ExecStatus classifies how a sandbox run ended.
type ExecStatus string

const (
	ExecSuccess      ExecStatus = "SUCCESS"
	ExecTimeout      ExecStatus = "TIMEOUT"
	ExecRuntimeError ExecStatus = "RUNTIME_ERROR"
	ExecCompileError ExecStatus = "COMPILE_ERROR"
)

// Task is one unit of sandboxed execution. Code is passed through as-is.
type Task struct {
	ID              string            `json:"id"`
	Code            string            `json:"code"`
	Language        string            `json:"language"`
	TestCases       []TestCase        `json:"test_cases"`
	CPUTimeLimitSec float64           `json:"cpu_time_limit_sec"`
	MemoryLimitMB   int               `json:"memory_limit_mb"`
	Meta            map[string]string `json:"meta,omitempty"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
}

// ExecutionResult is the outcome written back by a worker, keyed by task id.
type ExecutionResult struct {
	Status           ExecStatus `json:"status"`
	Output           string     `json:"output"`
	Error            string     `json:"error,omitempty"`
	ExecutionTimeSec float64    `json:"execution_time_sec"`
	MemoryUsedBytes  int64      `json:"memory_used_bytes"`
	ExitCode         int        `json:"exit_code"`
}
