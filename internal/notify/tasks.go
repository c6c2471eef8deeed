package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task types
const (
	TypeDeliverNotification = "notification:deliver"
)

func NewDeliverNotificationTask(e Event) (*asynq.Task, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeliverNotification, data), nil
}

// Enqueuer is the subset of *asynq.Client the sink needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink hands events to the worker queue for webhook delivery.
type AsynqSink struct {
	client Enqueuer
	queue  string
}

func NewAsynqSink(client Enqueuer, queue string) *AsynqSink {
	if queue == "" {
		queue = "notifications"
	}
	return &AsynqSink{client: client, queue: queue}
}

func (s *AsynqSink) Name() string { return "asynq" }

func (s *AsynqSink) Send(ctx context.Context, e Event) error {
	task, err := NewDeliverNotificationTask(e)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task, asynq.Queue(s.queue), asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue %s: %w", e.Kind, err)
	}
	return nil
}
