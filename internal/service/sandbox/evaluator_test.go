package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
	"proctor/internal/domain/services"
)

// scriptedRun is what the fake queue reports for the n-th enqueued task.
type scriptedRun struct {
	result *exam.ExecutionResult
	failed bool // task ends FAILED instead of DONE
	stuck  bool // task never reaches a terminal status
}

// scriptQueue resolves tasks instantly from a fixed script, in enqueue order.
type scriptQueue struct {
	mu     sync.Mutex
	script []scriptedRun
	tasks  []*exam.Task
	runs   map[string]scriptedRun
}

func newScriptQueue(script ...scriptedRun) *scriptQueue {
	return &scriptQueue{script: script, runs: make(map[string]scriptedRun)}
}

func (q *scriptQueue) Enqueue(ctx context.Context, task *exam.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := len(q.tasks)
	q.tasks = append(q.tasks, task)
	run := scriptedRun{failed: true, result: &exam.ExecutionResult{Error: "unscripted task"}}
	if i < len(q.script) {
		run = q.script[i]
	}
	id := "task-" + string(rune('a'+i))
	q.runs[id] = run
	return id, nil
}

func (q *scriptQueue) Status(ctx context.Context, taskID string) (exam.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.runs[taskID]
	if !ok {
		return "", domain.ErrNotFound
	}
	switch {
	case run.stuck:
		return exam.TaskPending, nil
	case run.failed:
		return exam.TaskFailed, nil
	default:
		return exam.TaskDone, nil
	}
}

func (q *scriptQueue) Result(ctx context.Context, taskID string) (*exam.ExecutionResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.runs[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return run.result, nil
}

func newTestEvaluator(q services.SandboxQueue, limit int) *codeEvaluator {
	e := NewCodeEvaluator(q, limit, slog.New(slog.NewTextHandler(io.Discard, nil))).(*codeEvaluator)
	e.poll = time.Millisecond
	e.phaseCap = 2 * time.Second
	return e
}

func gradedProblem(cases ...exam.TestCase) *exam.ProblemSpec {
	return &exam.ProblemSpec{
		ProblemID:     "PROB-TSP-01",
		Title:         "Shortest Round Trip",
		TimeLimitSec:  2.0,
		MemoryLimitMB: 256,
		TestCases:     cases,
	}
}

func TestEvaluatePerfectRun(t *testing.T) {
	queue := newScriptQueue(
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "10\n", ExecutionTimeSec: 0.5, MemoryUsedBytes: 32 << 20}},
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecSuccess, ExecutionTimeSec: 0.8, MemoryUsedBytes: 64 << 20}},
	)
	e := newTestEvaluator(queue, 1)

	result, err := e.Evaluate(context.Background(), "print(solve())", "python", gradedProblem(exam.TestCase{Input: "3\n", Expected: "10"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.CorrectnessScore != 100 {
		t.Errorf("correctness = %v, want 100", result.CorrectnessScore)
	}
	if result.PerformanceScore != 100 {
		t.Errorf("performance = %v, want 100", result.PerformanceScore)
	}
	if result.SkipReason != "" {
		t.Errorf("skip reason = %q, want empty", result.SkipReason)
	}
	if len(result.TestOutcomes) != 1 || !result.TestOutcomes[0].Passed {
		t.Errorf("outcomes = %+v, want one passing", result.TestOutcomes)
	}
	if result.ExecutionTimeSec != 0.8 || result.MemoryUsedBytes != 64<<20 {
		t.Errorf("measurements = %v sec / %d bytes, want the measuring run's", result.ExecutionTimeSec, result.MemoryUsedBytes)
	}

	if len(queue.tasks) != 2 {
		t.Fatalf("enqueued %d tasks, want 2", len(queue.tasks))
	}
	if got := queue.tasks[0].Meta["phase"]; got != "correctness" {
		t.Errorf("first task phase = %q", got)
	}
	if len(queue.tasks[0].TestCases) != 1 {
		t.Errorf("first task carries %d test cases, want 1", len(queue.tasks[0].TestCases))
	}
	if got := queue.tasks[1].Meta["phase"]; got != "performance" {
		t.Errorf("second task phase = %q", got)
	}
	if len(queue.tasks[1].TestCases) != 0 {
		t.Errorf("measuring run carries %d test cases, want none", len(queue.tasks[1].TestCases))
	}
}

func TestEvaluateWrongOutputSkipsPerformance(t *testing.T) {
	queue := newScriptQueue(
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "9"}},
	)
	e := newTestEvaluator(queue, 1)

	result, err := e.Evaluate(context.Background(), "print(9)", "python", gradedProblem(exam.TestCase{Input: "3\n", Expected: "10"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.CorrectnessScore != 0 || result.PerformanceScore != 0 {
		t.Errorf("scores = %v/%v, want 0/0", result.CorrectnessScore, result.PerformanceScore)
	}
	if result.SkipReason != "performance skipped: correctness below 100" {
		t.Errorf("skip reason = %q", result.SkipReason)
	}
	if len(result.TestOutcomes) != 1 || result.TestOutcomes[0].Passed {
		t.Errorf("outcomes = %+v, want one failing", result.TestOutcomes)
	}
	if len(queue.tasks) != 1 {
		t.Errorf("enqueued %d tasks, want the measuring run skipped", len(queue.tasks))
	}
}

func TestEvaluateStopsAtFirstFailingCase(t *testing.T) {
	queue := newScriptQueue(
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "1"}},
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "wrong"}},
	)
	e := newTestEvaluator(queue, 3)

	result, err := e.Evaluate(context.Background(), "code", "go", gradedProblem(
		exam.TestCase{Input: "a", Expected: "1"},
		exam.TestCase{Input: "b", Expected: "2"},
		exam.TestCase{Input: "c", Expected: "3"},
	))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(result.TestOutcomes) != 2 {
		t.Errorf("outcomes = %d, want 2 (stop at first failure)", len(result.TestOutcomes))
	}
	if len(queue.tasks) != 2 {
		t.Errorf("enqueued %d tasks, want 2", len(queue.tasks))
	}
	if result.CorrectnessScore != 0 {
		t.Errorf("correctness = %v, want 0", result.CorrectnessScore)
	}
}

func TestEvaluateTimeoutStatusFailsCase(t *testing.T) {
	queue := newScriptQueue(
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecTimeout}},
	)
	e := newTestEvaluator(queue, 1)

	result, err := e.Evaluate(context.Background(), "while True: pass", "python", gradedProblem(exam.TestCase{Input: "", Expected: "10"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.CorrectnessScore != 0 {
		t.Errorf("correctness = %v, want 0", result.CorrectnessScore)
	}
	if len(result.TestOutcomes) != 1 || result.TestOutcomes[0].Passed {
		t.Errorf("outcomes = %+v", result.TestOutcomes)
	}
	if result.TestOutcomes[0].Status != string(exam.ExecTimeout) {
		t.Errorf("outcome status = %q", result.TestOutcomes[0].Status)
	}
}

func TestEvaluateFailedTaskDegrades(t *testing.T) {
	queue := newScriptQueue(
		scriptedRun{failed: true, result: &exam.ExecutionResult{Status: exam.ExecRuntimeError, Error: "executor unreachable"}},
	)
	e := newTestEvaluator(queue, 1)

	result, err := e.Evaluate(context.Background(), "code", "python", gradedProblem(exam.TestCase{Input: "", Expected: "10"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.CorrectnessScore != 0 || result.PerformanceScore != 0 {
		t.Errorf("scores = %v/%v, want degraded zeros", result.CorrectnessScore, result.PerformanceScore)
	}
	if !strings.Contains(result.SkipReason, "correctness phase failed") ||
		!strings.Contains(result.SkipReason, "executor unreachable") {
		t.Errorf("skip reason = %q", result.SkipReason)
	}
}

func TestEvaluatePerformanceOverLimit(t *testing.T) {
	queue := newScriptQueue(
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "10"}},
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecSuccess, ExecutionTimeSec: 3.0, MemoryUsedBytes: 100 << 20}},
	)
	e := newTestEvaluator(queue, 1)

	result, err := e.Evaluate(context.Background(), "code", "python", gradedProblem(exam.TestCase{Input: "", Expected: "10"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.CorrectnessScore != 100 {
		t.Errorf("correctness = %v, want 100", result.CorrectnessScore)
	}
	// Time 3.0s exceeds the 2.0s limit; memory 100MB sits under 256MB.
	if result.PerformanceScore != 50 {
		t.Errorf("performance = %v, want 50", result.PerformanceScore)
	}
}

func TestEvaluatePerformanceRunNotSuccess(t *testing.T) {
	queue := newScriptQueue(
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "10", ExecutionTimeSec: 0.4, MemoryUsedBytes: 10 << 20}},
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecTimeout, ExecutionTimeSec: 2.5}},
	)
	e := newTestEvaluator(queue, 1)

	result, err := e.Evaluate(context.Background(), "code", "python", gradedProblem(exam.TestCase{Input: "", Expected: "10"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.CorrectnessScore != 100 {
		t.Errorf("correctness = %v, want 100", result.CorrectnessScore)
	}
	if result.PerformanceScore != 0 {
		t.Errorf("performance = %v, want 0", result.PerformanceScore)
	}
	if result.SkipReason != "performance run ended TIMEOUT" {
		t.Errorf("skip reason = %q", result.SkipReason)
	}
}

func TestEvaluatePerformancePhaseFailureKeepsMeasurements(t *testing.T) {
	queue := newScriptQueue(
		scriptedRun{result: &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "10", ExecutionTimeSec: 0.4, MemoryUsedBytes: 10 << 20}},
		scriptedRun{failed: true, result: &exam.ExecutionResult{Error: "worker crashed"}},
	)
	e := newTestEvaluator(queue, 1)

	result, err := e.Evaluate(context.Background(), "code", "python", gradedProblem(exam.TestCase{Input: "", Expected: "10"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.CorrectnessScore != 100 {
		t.Errorf("correctness = %v, want 100", result.CorrectnessScore)
	}
	if result.PerformanceScore != 0 {
		t.Errorf("performance = %v, want 0", result.PerformanceScore)
	}
	if !strings.Contains(result.SkipReason, "performance phase failed") {
		t.Errorf("skip reason = %q", result.SkipReason)
	}
	if result.ExecutionTimeSec != 0.4 || result.MemoryUsedBytes != 10<<20 {
		t.Errorf("measurements = %v sec / %d bytes, want the correctness run's kept", result.ExecutionTimeSec, result.MemoryUsedBytes)
	}
}

func TestEvaluateStuckTaskHitsPhaseCap(t *testing.T) {
	queue := newScriptQueue(scriptedRun{stuck: true})
	e := newTestEvaluator(queue, 1)
	e.poll = 5 * time.Millisecond
	e.phaseCap = 30 * time.Millisecond

	result, err := e.Evaluate(context.Background(), "code", "python", gradedProblem(exam.TestCase{Input: "", Expected: "10"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.CorrectnessScore != 0 || result.PerformanceScore != 0 {
		t.Errorf("scores = %v/%v, want 0/0", result.CorrectnessScore, result.PerformanceScore)
	}
	if !strings.Contains(result.SkipReason, "sandbox wait aborted") {
		t.Errorf("skip reason = %q", result.SkipReason)
	}
}

func TestEvaluateCallerCancelPropagates(t *testing.T) {
	queue := newScriptQueue(scriptedRun{stuck: true})
	e := newTestEvaluator(queue, 1)
	e.phaseCap = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result, err := e.Evaluate(ctx, "code", "python", gradedProblem(exam.TestCase{Input: "", Expected: "10"}))
	if err == nil {
		t.Fatal("want error on caller cancellation")
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("err = %v, want the timeout kind", err)
	}
}
