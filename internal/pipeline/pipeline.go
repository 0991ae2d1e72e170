// Package pipeline holds the agents that consume harvested records: mapping
// them into aggregations, enriching those, and handing them to an index.
// The mapping, enrichment and index stages themselves are collaborators
// behind small interfaces.
package pipeline

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
	"harvestline/internal/harvest"
	"harvestline/internal/ldp"
	"harvestline/internal/rdf"
)

// Mapping turns one source record into the graph of an aggregation about
// subject.
type Mapping interface {
	Process(ctx context.Context, rec harvest.Record, subject rdf.Term) (*rdf.Graph, error)
}

// Enrichment rewrites an aggregation graph.
type Enrichment interface {
	Enrich(ctx context.Context, subject rdf.Term, g *rdf.Graph) (*rdf.Graph, error)
}

// IndexSink receives aggregation documents.
type IndexSink interface {
	Add(ctx context.Context, doc json.RawMessage) error
	BulkAdd(ctx context.Context, docs []json.RawMessage) error
	Commit(ctx context.Context) error
}

// Deps are what the pipeline agents are built from.
type Deps struct {
	Activities  *activity.Service
	Client      *ldp.Client
	Mappings    map[string]Mapping
	Enrichments map[string]Enrichment
	Sink        IndexSink
	// Lookahead bounds concurrent entity loads.
	Lookahead int
}

// Definitions returns the mapper, enricher and indexer agents.
func (d Deps) Definitions() []agent.Definition {
	return []agent.Definition{d.MapperDefinition(), d.EnricherDefinition(), d.IndexerDefinition()}
}

func (d Deps) behavior() AggregationBehavior {
	return AggregationBehavior{Client: d.Client, Lookahead: d.Lookahead}
}

// ItemURI is where the aggregation derived from source lives. It reuses the
// source's local name so that remapping the same record overwrites it.
func ItemURI(namespace, source string) string {
	return strings.TrimRight(namespace, "/") + "/items/" + path.Base(source)
}

// Document renders the statements about subject as a flat JSON object keyed
// by predicate IRI. Predicates with one value map to a scalar.
func Document(subject rdf.Term, g *rdf.Graph) json.RawMessage {
	values := map[string][]string{}
	for _, t := range g.Match(subject, rdf.Term{}, rdf.Term{}) {
		values[t.Predicate.Value] = append(values[t.Predicate.Value], t.Object.Value)
	}
	doc := make(map[string]any, len(values)+1)
	for p, vs := range values {
		if len(vs) == 1 {
			doc[p] = vs[0]
		} else {
			doc[p] = vs
		}
	}
	doc["id"] = subject.Value
	out, _ := json.Marshal(doc)
	return out
}
