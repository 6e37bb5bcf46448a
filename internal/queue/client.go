package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) QueueName() string {
	return c.queue
}

func (c *Client) EnqueueComposite(ctx context.Context, payload CompositePayload) (*asynq.TaskInfo, error) {
	task, err := NewCompositeTask(payload)
	if err != nil {
		return nil, err
	}

	// Re-renders never call the removal service, so they are cheap to retry.
	maxRetry := 3
	if payload.Rerender {
		maxRetry = 5
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(3*time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
