package harvest

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"harvestline/internal/agent"
	"harvestline/internal/fetch"
	"harvestline/internal/ldp"
	"harvestline/internal/rdf"
)

// Vocab is the namespace of the original record predicates.
const Vocab = "urn:harvestline:record#"

var (
	predContent   = rdf.IRI(Vocab + "content")
	predSourceID  = rdf.IRI(Vocab + "sourceIdentifier")
	predHarvester = rdf.IRI(Vocab + "harvester")
	predDeleted   = rdf.IRI(Vocab + "deleted")
)

// Originals stores harvested records under
// <namespace>/original_records/<minted name>. The record bytes live verbatim
// in a non-RDF resource at <uri>/content, served with the source content
// type; the RDF description at <uri> links to it and carries provenance.
type Originals struct {
	Client *ldp.Client
}

func (o *Originals) URI(harvester, id string) string {
	return strings.TrimRight(o.Client.Namespace, "/") + "/original_records/" + Mint(harvester, id)
}

// ContentURI is where the bytes of the record described at uri are kept.
func ContentURI(uri string) string { return uri + "/content" }

// Save writes rec and stamps its description as generated by activityURI.
// The description is rebuilt from the record each time so repeated saves
// converge; generated-by statements of earlier harvests are kept.
func (o *Originals) Save(ctx context.Context, harvester string, rec Record, activityURI string) (*OriginalRecord, error) {
	src := o.Client.RDFSource(o.URI(harvester, rec.ID))
	if _, err := src.LoadExisting(ctx); err != nil {
		return nil, fmt.Errorf("save original record %s: %w", rec.ID, err)
	}
	contentType := rec.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	content := o.Client.Resource(ContentURI(src.URI()))
	if err := content.Save(ctx, rec.Content, contentType); err != nil {
		return nil, fmt.Errorf("save original record %s content: %w", rec.ID, err)
	}

	s := src.Subject()
	g := rdf.NewGraph(
		rdf.Triple{Subject: s, Predicate: predSourceID, Object: rdf.Literal(rec.ID)},
		rdf.Triple{Subject: s, Predicate: predHarvester, Object: rdf.Literal(harvester)},
		rdf.Triple{Subject: s, Predicate: predContent, Object: rdf.IRI(content.URI())},
	)
	if rec.Deleted {
		g.Add(rdf.Triple{Subject: s, Predicate: predDeleted, Object: rdf.TypedLiteral("true", "http://www.w3.org/2001/XMLSchema#boolean")})
	}
	src.Replace(g)
	src.AddGeneratedBy(activityURI)
	if err := src.Persist(ctx); err != nil {
		return nil, fmt.Errorf("save original record %s: %w", rec.ID, err)
	}
	return &OriginalRecord{RDFSource: src, content: rec.Content, contentType: contentType}, nil
}

const defaultContentType = "application/octet-stream"

// Load reads an original record's description and its content.
func (o *Originals) Load(ctx context.Context, uri string) (*OriginalRecord, error) {
	src := o.Client.RDFSource(uri)
	if err := src.Load(ctx, false); err != nil {
		return nil, err
	}
	rec := &OriginalRecord{RDFSource: src}
	link := src.Graph.Objects(src.Subject(), predContent)
	if len(link) == 0 || !link[0].IsIRI() {
		return nil, fmt.Errorf("original record %s has no content link", uri)
	}
	content := o.Client.Resource(link[0].Value)
	body, err := content.Get(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("original record %s content: %w", uri, err)
	}
	meta, err := content.Head(ctx, false)
	if err != nil {
		return nil, err
	}
	rec.content, rec.contentType = body, meta.ContentType
	return rec, nil
}

// OriginalRecord is a harvested record as stored.
type OriginalRecord struct {
	*ldp.RDFSource
	content     []byte
	contentType string
}

func (r *OriginalRecord) literal(p rdf.Term) string {
	objs := r.Graph.Objects(r.Subject(), p)
	if len(objs) == 0 {
		return ""
	}
	return objs[0].Value
}

func (r *OriginalRecord) Content() []byte     { return r.content }
func (r *OriginalRecord) ContentType() string { return r.contentType }
func (r *OriginalRecord) SourceID() string    { return r.literal(predSourceID) }
func (r *OriginalRecord) Harvester() string   { return r.literal(predHarvester) }
func (r *OriginalRecord) Deleted() bool       { return r.literal(predDeleted) == "true" }

// Record converts back to the harvested form.
func (r *OriginalRecord) Record() Record {
	return Record{ID: r.SourceID(), Content: r.Content(), ContentType: r.ContentType(), Deleted: r.Deleted()}
}

// OriginalRecordBehavior loads the original records a harvest generated,
// keeping up to Lookahead reads in flight.
type OriginalRecordBehavior struct {
	Originals *Originals
	Lookahead int
}

func (b OriginalRecordBehavior) Entities(ctx context.Context, src agent.EntitySource, includeInvalidated bool) iter.Seq2[agent.Entity, error] {
	load := func(ctx context.Context, uri string) (agent.Entity, error) {
		rec, err := b.Originals.Load(ctx, uri)
		if err != nil {
			return nil, &agent.EntityError{URI: uri, Err: err}
		}
		return rec, nil
	}
	return fetch.Prefetch(ctx, src.EntityURIs(ctx, includeInvalidated), b.Lookahead, load)
}
