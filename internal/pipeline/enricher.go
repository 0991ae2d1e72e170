package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
)

const EnricherName = "enricher"

type EnricherOptions struct {
	activity.GeneratorOptions
	Enrichments []string `json:"enrichments"`
}

func (o EnricherOptions) Validate() error {
	if len(o.Enrichments) == 0 {
		return errors.New("enrichments cannot be empty")
	}
	return o.GeneratorOptions.Validate()
}

// Enricher runs a chain of enrichments over the aggregations of an earlier
// activity and saves them as its own output.
type Enricher struct {
	activity.Consumer
	Options EnricherOptions
	Chain   []Enrichment
}

func (d Deps) EnricherDefinition() agent.Definition {
	return agent.Definition{
		Name:     EnricherName,
		Queue:    "pipeline",
		Summary:  "Enrich mapped aggregations",
		Behavior: d.behavior(),
		New: func(raw json.RawMessage) (agent.Agent, error) {
			opts, err := agent.DecodeOptions[EnricherOptions](raw)
			if err != nil {
				return nil, err
			}
			chain := make([]Enrichment, 0, len(opts.Enrichments))
			for _, n := range opts.Enrichments {
				e, ok := d.Enrichments[n]
				if !ok {
					return nil, fmt.Errorf("%w: unknown enrichment %q (have %s)", agent.ErrInvalidOptions, n, names(d.Enrichments))
				}
				chain = append(chain, e)
			}
			return &Enricher{Consumer: activity.Consumer{Activities: d.Activities}, Options: opts, Chain: chain}, nil
		},
	}
}

func (en *Enricher) Run(ctx context.Context, activityURI string) error {
	_, err := consume(ctx, &en.Consumer, en.Options.GeneratorOptions, func(ctx context.Context, e agent.Entity) error {
		agg, ok := e.(*Aggregation)
		if !ok {
			return fmt.Errorf("%s is not an aggregation", e.URI())
		}
		g := agg.Graph
		for i, step := range en.Chain {
			next, err := step.Enrich(ctx, agg.Subject(), g)
			if err != nil {
				return fmt.Errorf("enrichment %s: %w", en.Options.Enrichments[i], err)
			}
			g = next
		}
		agg.Replace(g)
		agg.AddGeneratedBy(activityURI)
		return agg.Persist(ctx)
	})
	return err
}
