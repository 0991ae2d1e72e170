package pipeline

import (
	"context"
	"encoding/json"
	"iter"

	"harvestline/internal/agent"
	"harvestline/internal/fetch"
	"harvestline/internal/ldp"
)

// Aggregation is a mapped item as stored.
type Aggregation struct {
	*ldp.RDFSource
}

// Document is the index form of the aggregation.
func (a *Aggregation) Document() json.RawMessage { return Document(a.Subject(), a.Graph) }

// AggregationBehavior loads the aggregations an activity generated.
type AggregationBehavior struct {
	Client    *ldp.Client
	Lookahead int
}

func (b AggregationBehavior) Entities(ctx context.Context, src agent.EntitySource, includeInvalidated bool) iter.Seq2[agent.Entity, error] {
	load := func(ctx context.Context, uri string) (agent.Entity, error) {
		s := b.Client.RDFSource(uri)
		if err := s.Load(ctx, false); err != nil {
			return nil, &agent.EntityError{URI: uri, Err: err}
		}
		return &Aggregation{RDFSource: s}, nil
	}
	return fetch.Prefetch(ctx, src.EntityURIs(ctx, includeInvalidated), b.Lookahead, load)
}
