// Package queue is the Redis-backed dispatch queue for assigned subtasks and
// the snapshot store for tasks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/task"
)

const (
	jobsKey     = "swarm:jobs"
	dispatchKey = "swarm:dispatch"
	tasksKey    = "swarm:tasks"
)

type Queue struct {
	client *redis.Client
}

func NewQueue(ctx context.Context, redisAddr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// score orders jobs by enqueue second, then by priority within the second.
func score(j *Job) float64 {
	invertedPriority := float64(task.PriorityCritical - j.Priority)
	return float64(j.EnqueuedAt.Unix())*1000 + invertedPriority
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	jobJSON, err := job.ToJSON()
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobsKey, job.ID, jobJSON)
		pipe.ZAdd(ctx, dispatchKey, redis.Z{Score: score(job), Member: job.ID})
		return nil
	})
	return err
}

// Dequeue pops the next due job. It returns nil, nil when nothing is due or
// another worker won the race for the head of the queue.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := time.Now().Unix()
	maxScore := float64(now)*1000 + float64(task.PriorityCritical-task.PriorityLow)

	results, err := q.client.ZRangeByScore(ctx, dispatchKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", maxScore),
		Count: 1,
	}).Result()
	if err != nil || len(results) == 0 {
		return nil, err
	}

	jobID := results[0]
	removed, err := q.client.ZRem(ctx, dispatchKey, jobID).Result()
	if err != nil || removed == 0 {
		return nil, err
	}

	jobJSON, err := q.client.HGet(ctx, jobsKey, jobID).Result()
	if err != nil {
		return nil, err
	}
	q.client.HDel(ctx, jobsKey, jobID)

	return JobFromJSON(jobJSON)
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, dispatchKey).Result()
}

// SaveTask stores the latest snapshot of a task, overwriting the previous
// one.
func (q *Queue) SaveTask(ctx context.Context, t *task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, tasksKey, t.ID, taskJSON).Err()
}

func (q *Queue) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	taskJSON, err := q.client.HGet(ctx, tasksKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.Wrap(domain.CodeNotFound, task.ErrTaskNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return task.TaskFromJSON(taskJSON)
}

func (q *Queue) GetAllTasks(ctx context.Context) ([]*task.Task, error) {
	taskMap, err := q.client.HGetAll(ctx, tasksKey).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(taskMap))
	for _, taskJSON := range taskMap {
		t, err := task.TaskFromJSON(taskJSON)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
