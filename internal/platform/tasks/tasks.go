package tasks

import (
	"airscrapy/internal/platform/redis"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeRun = "dag:run"
)

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

// Enqueue submits task and returns the id asynq assigned to it.
func (t *Client) Enqueue(task *asynq.Task, opts ...asynq.Option) (string, error) {
	info, err := t.c.Enqueue(task, opts...)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (t *Client) Close() error { return t.c.Close() }
