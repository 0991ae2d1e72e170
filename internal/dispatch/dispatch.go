// Package dispatch enqueues agent runs and executes them from queues.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
	"harvestline/internal/ctxlog"
	"harvestline/internal/domain"
	"harvestline/internal/queue"
)

// Dispatcher connects activities to queues.
type Dispatcher struct {
	Activities   *activity.Service
	Queue        queue.Queue
	DefaultQueue string
}

// QueueFor picks the explicit queue, then the agent's own, then the default.
func (d *Dispatcher) QueueFor(def agent.Definition, explicit string) string {
	switch {
	case explicit != "":
		return explicit
	case def.Queue != "":
		return def.Queue
	default:
		return d.DefaultQueue
	}
}

// Enqueue records a pending activity for agentName and pushes its id.
func (d *Dispatcher) Enqueue(ctx context.Context, agentName, queueName string, opts json.RawMessage) (*activity.Activity, domain.Job, error) {
	def, err := d.Activities.Registry.Lookup(agentName)
	if err != nil {
		return nil, domain.Job{}, err
	}
	a, err := d.Activities.Create(ctx, agentName, opts)
	if err != nil {
		return nil, domain.Job{}, err
	}
	q := d.QueueFor(def, queueName)
	job, err := d.Queue.Push(ctx, q, a.ID)
	if err != nil {
		return a, domain.Job{}, fmt.Errorf("enqueue activity %d: %w", a.ID, err)
	}
	ctxlog.FromContext(ctx).Info("activity enqueued", "activity", a.URI(), "agent", agentName, "queue", q, "job", job.ID)
	return a, job, nil
}

// Requeue pushes an existing activity again, making the queue rerun it.
func (d *Dispatcher) Requeue(ctx context.Context, id int64, queueName string) (*activity.Activity, domain.Job, error) {
	a, err := d.Activities.Find(ctx, id)
	if err != nil {
		return nil, domain.Job{}, err
	}
	def, err := a.Definition()
	if err != nil {
		return nil, domain.Job{}, err
	}
	q := d.QueueFor(def, queueName)
	job, err := d.Queue.Push(ctx, q, a.ID)
	if err != nil {
		return a, domain.Job{}, fmt.Errorf("requeue activity %d: %w", a.ID, err)
	}
	ctxlog.FromContext(ctx).Info("activity requeued", "activity", a.URI(), "queue", q, "job", job.ID)
	return a, job, nil
}

// Handle runs the activity a message points at.
func (d *Dispatcher) Handle(ctx context.Context, job domain.Job) error {
	return d.Run(ctxlog.With(ctx, "job", job.ID), job.ActivityID)
}

// Run loads activity id and executes its agent inside the activity window.
func (d *Dispatcher) Run(ctx context.Context, id int64) error {
	a, err := d.Activities.Find(ctx, id)
	if err != nil {
		return err
	}
	return a.Run(ctx, func(ctx context.Context, ag agent.Agent, uri string) error {
		return ag.Run(ctx, uri)
	})
}

// Pool runs Workers pollers per queue until the context ends.
type Pool struct {
	Dispatcher   *Dispatcher
	Queues       []string
	Workers      int
	PollInterval time.Duration
}

func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	n := max(p.Workers, 1)
	for _, q := range p.Queues {
		for i := range n {
			w := &queue.Worker{
				Name:         fmt.Sprintf("%s-%d", q, i+1),
				Queue:        p.Dispatcher.Queue,
				QueueName:    q,
				Handler:      p.Dispatcher.Handle,
				PollInterval: p.PollInterval,
			}
			g.Go(func() error { return w.Run(ctx) })
		}
	}
	return g.Wait()
}
