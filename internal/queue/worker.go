package queue

import (
	"context"
	"time"

	"harvestline/internal/ctxlog"
	"harvestline/internal/domain"
)

// Handler processes one message. Its error is logged; the message is not
// redelivered since the activity record already holds the outcome.
type Handler func(ctx context.Context, job domain.Job) error

// Worker polls one queue.
type Worker struct {
	Name         string
	Queue        Queue
	QueueName    string
	Handler      Handler
	PollInterval time.Duration
}

// Run processes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ctx = ctxlog.With(ctx, "worker", w.Name, "queue", w.QueueName)
	log := ctxlog.FromContext(ctx)
	log.Info("worker started")
	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return nil
		case <-timer.C:
		}
		if _, err := w.drain(ctx); err != nil && ctx.Err() == nil {
			log.Error("queue poll failed", "error", err)
		}
		timer.Reset(interval)
	}
}

// Drain processes messages until the queue is empty and returns how many it
// handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	return w.drain(ctxlog.With(ctx, "worker", w.Name, "queue", w.QueueName))
}

func (w *Worker) drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		job, ok, err := w.Queue.Pop(ctx, w.QueueName)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
		if err := w.Handler(ctx, job); err != nil {
			ctxlog.FromContext(ctx).Warn("job failed", "job", job.ID, "activity_id", job.ActivityID, "error", err)
		}
	}
	return n, ctx.Err()
}
