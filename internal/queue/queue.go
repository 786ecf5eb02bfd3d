package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Render jobs live in a single Redis list: producers RPUSH, consumers BLPOP.
const (
	QueueRender   = "queue:render_avatar"
	JobTypeRender = "render_avatar"

	connectTimeout = 5 * time.Second
)

type Queue struct {
	client *redis.Client
}

// Job is a queue message. The render row holds the actual request.
type Job struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	RenderID  uuid.UUID `json:"render_id"`
	CreatedAt time.Time `json:"created_at"`
}

// New connects to redisURL and verifies the connection with a ping.
func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue stamps job with the current time and appends it to queueName.
func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := q.client.RPush(ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to push job %s to %s: %w", job.ID, queueName, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. It returns (nil, nil)
// when the queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	// BLPOP replies with [key, value]
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", queueName, err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(result))
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// EnqueueRender queues renderID for the worker.
func (q *Queue) EnqueueRender(ctx context.Context, renderID, jobID uuid.UUID) error {
	return q.Enqueue(ctx, QueueRender, &Job{
		ID:       jobID,
		Type:     JobTypeRender,
		RenderID: renderID,
	})
}

// DequeueRender waits up to timeout for the next render job. Messages of
// another type or without a render id are dropped with an error.
func (q *Queue) DequeueRender(ctx context.Context, timeout time.Duration) (*Job, error) {
	job, err := q.Dequeue(ctx, QueueRender, timeout)
	if err != nil || job == nil {
		return job, err
	}
	if err := validateRenderJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

func validateRenderJob(job *Job) error {
	if job.Type != JobTypeRender {
		return fmt.Errorf("dropped job %s: unexpected type %q", job.ID, job.Type)
	}
	if job.RenderID == uuid.Nil {
		return fmt.Errorf("dropped job %s: missing render id", job.ID)
	}
	return nil
}
