package task

//go:generate mockgen -destination=mock/enqueuer.go -package=mock . Enqueuer

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/logger"
)

// Enqueuer hands tasks to the worker process.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// defaults apply before per-call options, so callers can override them.
var defaults = []asynq.Option{
	asynq.MaxRetry(5),
	asynq.Timeout(10 * time.Minute),
	asynq.Retention(24 * time.Hour),
}

type asynqEnqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &asynqEnqueuer{client: client}
}

func (e *asynqEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, append(defaults[:len(defaults):len(defaults)], opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}

	logger.FromContext(ctx).Debug("task enqueued",
		zap.String("task_type", task.Type()),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue))
	return info, nil
}
