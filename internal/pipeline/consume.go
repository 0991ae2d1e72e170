package pipeline

import (
	"context"
	"errors"
	"fmt"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
	"harvestline/internal/ctxlog"
)

// Stats summarises one consumer run.
type Stats struct {
	Processed int
	Skipped   int
}

// fatal marks an fn error that ends the whole run rather than one entity.
type fatal struct{ err error }

func (f fatal) Error() string { return f.err.Error() }

func (f fatal) Unwrap() error { return f.err }

// consume resolves the generator activity and calls fn for each entity it
// generated. Entities that fail to load or that fn rejects are logged and
// skipped; a failing lineage lookup ends the run.
func consume(ctx context.Context, c *activity.Consumer, opts activity.GeneratorOptions, fn func(context.Context, agent.Entity) error) (Stats, error) {
	var stats Stats
	if err := c.AssignGeneratorActivity(ctx, opts); err != nil {
		return stats, fmt.Errorf("resolve generator: %w", err)
	}
	gen := c.GeneratorActivity()
	log := ctxlog.FromContext(ctx).With("generator", gen.URI())
	for e, err := range gen.Entities(ctx, false) {
		if err != nil {
			var ee *agent.EntityError
			if errors.As(err, &ee) && ctx.Err() == nil {
				stats.Skipped++
				log.Warn("skipping entity", "uri", ee.URI, "error", ee.Err)
				continue
			}
			return stats, err
		}
		if err := fn(ctx, e); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			var f fatal
			if errors.As(err, &f) {
				return stats, f.err
			}
			stats.Skipped++
			log.Warn("skipping entity", "uri", e.URI(), "error", err)
			continue
		}
		stats.Processed++
	}
	log.Info("entities consumed", "processed", stats.Processed, "skipped", stats.Skipped)
	return stats, nil
}
