// Package queue is the Redis-backed FIFO handoff between the API and the
// workers. Jobs carry only the run id; everything else lives in the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strongdm/aos/internal/config"
)

const defaultKey = "aos:runs"

// Job is one queued run execution.
type Job struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// TimeoutSec is the outer kill-switch the worker applies to the run.
	TimeoutSec int `json:"timeout_sec"`
}

// Queue wraps a Redis list.
type Queue struct {
	client *redis.Client
	key    string
}

// New connects and verifies the connection.
func New(addr, password string, db int) (*Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Queue{client: client, key: defaultKey}, nil
}

func (q *Queue) Close() error { return q.client.Close() }

func (q *Queue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue appends a job keyed by the run id and returns the job id.
func (q *Queue) Enqueue(ctx context.Context, runID string) (string, error) {
	job := Job{
		ID:         "job:" + runID,
		RunID:      runID,
		EnqueuedAt: time.Now().UTC(),
		TimeoutSec: int(config.QueueJobTimeout.Seconds()),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	if err := q.client.RPush(ctx, q.key, body).Err(); err != nil {
		return "", fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	return job.ID, nil
}

// Dequeue blocks up to wait for the next job, FIFO. It returns (nil, nil)
// when the wait elapses with nothing to do.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	res, err := q.client.BLPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of %d elements", len(res))
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// Len reports the queue depth, for metrics.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
