package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, taskTimeout time.Duration) *Client {
	if taskTimeout <= 0 {
		taskTimeout = 3 * time.Minute
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: taskTimeout,
	}
}

func (c *Client) EnqueueRenderThumbnail(ctx context.Context, payload RenderThumbnailPayload) (*asynq.TaskInfo, error) {
	task, err := NewRenderThumbnailTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(c.timeout),
		asynq.TaskID(payload.JobID),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
