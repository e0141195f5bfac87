package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"proctor/internal/domain"
	"proctor/internal/domain/models/exam"
)

// taskTTL bounds how long task records outlive their enqueue. Results are
// read within seconds; an hour covers stuck consumers.
const taskTTL = time.Hour

// dequeueBlock is the BRPOP timeout per wait iteration, short enough to
// notice context cancellation.
const dequeueBlock = time.Second

// RedisQueue is the Redis-list FIFO used when executions must survive a
// process restart or be shared between replicas (USE_REDIS_QUEUE).
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a queue on the given client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func taskKey(id string) string   { return "sandbox:task:" + id }
func statusKey(id string) string { return "sandbox:status:" + id }
func resultKey(id string) string { return "sandbox:result:" + id }

// listKey is the FIFO itself: LPUSH on enqueue, BRPOP on dequeue.
const listKey = "sandbox:queue"

// Enqueue stores the task and pushes its id onto the list.
func (q *RedisQueue) Enqueue(ctx context.Context, task *exam.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, taskKey(task.ID), data, taskTTL)
	pipe.Set(ctx, statusKey(task.ID), string(exam.TaskPending), taskTTL)
	pipe.LPush(ctx, listKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	return task.ID, nil
}

// Status reports a task's lifecycle state.
func (q *RedisQueue) Status(ctx context.Context, taskID string) (exam.TaskStatus, error) {
	val, err := q.client.Get(ctx, statusKey(taskID)).Result()
	if err == redis.Nil {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get task status: %w", err)
	}
	return exam.TaskStatus(val), nil
}

// Result returns the stored result, nil while the task is still in flight.
func (q *RedisQueue) Result(ctx context.Context, taskID string) (*exam.ExecutionResult, error) {
	data, err := q.client.Get(ctx, resultKey(taskID)).Bytes()
	if err == redis.Nil {
		// Distinguish "no result yet" from "unknown task".
		if _, serr := q.Status(ctx, taskID); serr != nil {
			return nil, serr
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task result: %w", err)
	}

	var result exam.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal task result: %w", err)
	}
	return &result, nil
}

// dequeue blocks on the list, marks the popped task RUNNING, and returns it.
func (q *RedisQueue) dequeue(ctx context.Context) (*exam.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vals, err := q.client.BRPop(ctx, dequeueBlock, listKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pop task: %w", err)
		}

		id := vals[1]
		data, err := q.client.Get(ctx, taskKey(id)).Bytes()
		if err == redis.Nil {
			// Task record expired while queued; drop the id.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}

		var task exam.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
		}

		if err := q.client.Set(ctx, statusKey(id), string(exam.TaskRunning), taskTTL).Err(); err != nil {
			return nil, fmt.Errorf("mark task running: %w", err)
		}
		return &task, nil
	}
}

// complete records the worker's outcome.
func (q *RedisQueue) complete(ctx context.Context, taskID string, result *exam.ExecutionResult, execErr error) error {
	status := exam.TaskDone
	if execErr != nil {
		status = exam.TaskFailed
		result = failureResult(result, execErr)
	}

	pipe := q.client.Pipeline()
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		pipe.Set(ctx, resultKey(taskID), data, taskTTL)
	}
	pipe.Set(ctx, statusKey(taskID), string(status), taskTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}
