package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
	"harvestline/internal/ctxlog"
)

const IndexerName = "indexer"

type IndexerOptions struct {
	activity.GeneratorOptions
	BatchSize int `json:"batch_size,omitempty"`
}

func (o IndexerOptions) Validate() error {
	if o.BatchSize < 0 {
		return errors.New("batch_size cannot be negative")
	}
	return o.GeneratorOptions.Validate()
}

// Indexer sends the aggregations of an earlier activity to the index sink
// in batches and commits once at the end.
type Indexer struct {
	activity.Consumer
	Options IndexerOptions
	Sink    IndexSink
}

func (d Deps) IndexerDefinition() agent.Definition {
	return agent.Definition{
		Name:    IndexerName,
		Queue:   "pipeline",
		Summary: "Index aggregations",
		New: func(raw json.RawMessage) (agent.Agent, error) {
			opts, err := agent.DecodeOptions[IndexerOptions](raw)
			if err != nil {
				return nil, err
			}
			if opts.BatchSize == 0 {
				opts.BatchSize = 100
			}
			if d.Sink == nil {
				return nil, fmt.Errorf("%w: no index sink configured", agent.ErrInvalidOptions)
			}
			return &Indexer{Consumer: activity.Consumer{Activities: d.Activities}, Options: opts, Sink: d.Sink}, nil
		},
	}
}

func (ix *Indexer) Run(ctx context.Context, _ string) error {
	batch := make([]json.RawMessage, 0, ix.Options.BatchSize)
	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		if err := ix.Sink.BulkAdd(ctx, batch); err != nil {
			return fmt.Errorf("index batch of %d: %w", len(batch), err)
		}
		ctxlog.FromContext(ctx).Debug("indexed batch", "size", len(batch))
		batch = make([]json.RawMessage, 0, ix.Options.BatchSize)
		return nil
	}
	_, err := consume(ctx, &ix.Consumer, ix.Options.GeneratorOptions, func(ctx context.Context, e agent.Entity) error {
		agg, ok := e.(*Aggregation)
		if !ok {
			return fmt.Errorf("%s is not an aggregation", e.URI())
		}
		batch = append(batch, agg.Document())
		if len(batch) >= ix.Options.BatchSize {
			if err := flush(ctx); err != nil {
				return fatal{err}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(ctx); err != nil {
		return err
	}
	return ix.Sink.Commit(ctx)
}
