package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
)

func TestMemoryQueueLifecycle(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &exam.Task{Code: "print(1)", Language: "python"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	status, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != exam.TaskPending {
		t.Errorf("status = %q, want PENDING", status)
	}

	task, err := q.dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.ID != id {
		t.Errorf("dequeued %q, want %q", task.ID, id)
	}

	status, _ = q.Status(ctx, id)
	if status != exam.TaskRunning {
		t.Errorf("status = %q, want RUNNING", status)
	}

	want := &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "1\n"}
	if err := q.complete(ctx, id, want, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	status, _ = q.Status(ctx, id)
	if status != exam.TaskDone {
		t.Errorf("status = %q, want DONE", status)
	}

	result, err := q.Result(ctx, id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.Output != "1\n" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, &exam.Task{Code: "a"})
	second, _ := q.Enqueue(ctx, &exam.Task{Code: "b"})

	got1, _ := q.dequeue(ctx)
	got2, _ := q.dequeue(ctx)
	if got1.ID != first || got2.ID != second {
		t.Errorf("dequeue order = %q, %q; want %q, %q", got1.ID, got2.ID, first, second)
	}
}

func TestMemoryQueueFailure(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, &exam.Task{Code: "boom"})
	if _, err := q.dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := q.complete(ctx, id, nil, errors.New("executor crashed")); err != nil {
		t.Fatalf("complete: %v", err)
	}

	status, _ := q.Status(ctx, id)
	if status != exam.TaskFailed {
		t.Errorf("status = %q, want FAILED", status)
	}

	result, err := q.Result(ctx, id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result == nil || result.Error != "executor crashed" {
		t.Errorf("result = %+v, want error text preserved", result)
	}
}

func TestMemoryQueueUnknownTask(t *testing.T) {
	q := NewMemoryQueue(4)

	if _, err := q.Status(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Status err = %v, want not-found", err)
	}
	if _, err := q.Result(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Result err = %v, want not-found", err)
	}
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, &exam.Task{Code: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := q.Enqueue(ctx, &exam.Task{Code: "b"})
	if !errors.Is(err, domain.ErrTransient) {
		t.Errorf("err = %v, want transient queue-full", err)
	}
}

func TestMemoryQueueDequeueCancellation(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.dequeue(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

// echoExecutor returns a canned result for any task.
type echoExecutor struct {
	result *exam.ExecutionResult
	err    error
}

func (e *echoExecutor) Execute(ctx context.Context, task *exam.Task) (*exam.ExecutionResult, error) {
	return e.result, e.err
}

func TestPoolDrainsQueue(t *testing.T) {
	q := NewMemoryQueue(4)
	executor := &echoExecutor{result: &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "ok"}}
	pool := NewPool(q, executor, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	id, err := q.Enqueue(ctx, &exam.Task{Code: "x", Language: "python"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		status, err := q.Status(ctx, id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Terminal() {
			if status != exam.TaskDone {
				t.Fatalf("status = %q, want DONE", status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	result, err := q.Result(ctx, id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.Output != "ok" {
		t.Errorf("output = %q", result.Output)
	}

	cancel()
	pool.Wait()
}

func TestRedisQueueLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &exam.Task{Code: "print(2)", Language: "python"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	status, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != exam.TaskPending {
		t.Errorf("status = %q, want PENDING", status)
	}

	task, err := q.dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.ID != id || task.Code != "print(2)" {
		t.Errorf("dequeued task = %+v", task)
	}

	status, _ = q.Status(ctx, id)
	if status != exam.TaskRunning {
		t.Errorf("status = %q, want RUNNING", status)
	}

	if err := q.complete(ctx, id, &exam.ExecutionResult{Status: exam.ExecSuccess, Output: "2\n"}, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	result, err := q.Result(ctx, id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result == nil || result.Output != "2\n" {
		t.Errorf("result = %+v", result)
	}
}

func TestRedisQueueResultPendingIsNil(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, &exam.Task{Code: "x"})

	result, err := q.Result(ctx, id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil while pending", result)
	}

	if _, err := q.Result(ctx, "unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want not-found for unknown id", err)
	}
}
