package ldp

import (
	"context"
	"errors"
	"fmt"

	"harvestline/internal/lineage"
	"harvestline/internal/rdf"
)

// RDFSource is a resource whose body is an RDF graph about its own URI.
type RDFSource struct {
	*Resource
	Graph *rdf.Graph
}

func (c *Client) RDFSource(uri string) *RDFSource {
	return &RDFSource{Resource: c.Resource(uri), Graph: rdf.NewGraph()}
}

// Subject is the resource URI as an RDF term.
func (s *RDFSource) Subject() rdf.Term { return rdf.IRI(s.URI()) }

// Load fetches and decodes the graph, replacing the in-memory one.
func (s *RDFSource) Load(ctx context.Context, force bool) error {
	body, err := s.Get(ctx, force)
	if err != nil {
		return err
	}
	g, err := rdf.Unmarshal(body)
	if err != nil {
		return fmt.Errorf("decode %s: %w", s.URI(), err)
	}
	s.Graph = g
	return nil
}

// LoadExisting is Load for a resource that may not exist yet. It reports
// false, leaving an empty graph, when the store has no such resource.
func (s *RDFSource) LoadExisting(ctx context.Context) (bool, error) {
	if err := s.Load(ctx, true); err != nil {
		if errors.Is(err, ErrNotExist) {
			s.Graph = rdf.NewGraph()
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Replace swaps in a rebuilt graph. The generated-by statements of the
// current graph are kept, ahead of the new triples.
func (s *RDFSource) Replace(g *rdf.Graph) {
	next := rdf.NewGraph(s.Graph.Match(s.Subject(), lineage.GeneratedBy, rdf.Term{})...)
	for _, t := range g.Triples() {
		next.Add(t)
	}
	s.Graph = next
}

// Persist saves the in-memory graph as N-Triples.
func (s *RDFSource) Persist(ctx context.Context) error {
	return s.Save(ctx, rdf.Marshal(s.Graph), rdf.MediaType)
}

// AddGeneratedBy stamps the resource as generated by activityURI. Earlier
// generated-by statements stay: a closed activity keeps its output set when
// a later one rewrites the resource.
func (s *RDFSource) AddGeneratedBy(activityURI string) {
	act := rdf.IRI(activityURI)
	s.Graph.Delete(s.Subject(), lineage.GeneratedBy, act)
	s.Graph.Add(rdf.Triple{Subject: s.Subject(), Predicate: lineage.GeneratedBy, Object: act})
}

// GeneratedBy returns the most recently stamped generating activity, if any.
func (s *RDFSource) GeneratedBy() string {
	all := s.GeneratedByAll()
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

// GeneratedByAll lists every generating activity in stamping order.
func (s *RDFSource) GeneratedByAll() []string {
	objs := s.Graph.Objects(s.Subject(), lineage.GeneratedBy)
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Value)
	}
	return out
}
