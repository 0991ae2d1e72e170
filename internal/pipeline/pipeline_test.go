package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
	"harvestline/internal/harvest"
	"harvestline/internal/ldp"
	"harvestline/internal/lineage"
	"harvestline/internal/pipeline"
	"harvestline/internal/rdf"
	"harvestline/internal/repo"
	"harvestline/internal/store/storetest"
)

const vocab = "http://example.org/vocab#"

type memSink struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
	commits int
	fail    bool
}

func (s *memSink) Add(ctx context.Context, doc json.RawMessage) error {
	return s.BulkAdd(ctx, []json.RawMessage{doc})
}

func (s *memSink) BulkAdd(_ context.Context, docs []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("index unavailable")
	}
	s.batches = append(s.batches, docs)
	return nil
}

func (s *memSink) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

// seedAgent saves a fixed set of records as if harvested.
type seedAgent struct {
	originals *harvest.Originals
	records   []harvest.Record
}

func (a seedAgent) Run(ctx context.Context, uri string) error {
	for _, r := range a.records {
		if _, err := a.originals.Save(ctx, "seed", r, uri); err != nil {
			return err
		}
	}
	return nil
}

type env struct {
	store     *storetest.Env
	client    *ldp.Client
	svc       *activity.Service
	originals *harvest.Originals
	sink      *memSink
}

func newEnv(t *testing.T, records ...harvest.Record) *env {
	t.Helper()
	st := storetest.Start(t)
	client := ldp.NewClient(ldp.Options{Namespace: st.Namespace, Timeout: 5 * time.Second, Retries: 1, Backoff: time.Millisecond, Redirects: 3})
	e := &env{store: st, client: client, originals: &harvest.Originals{Client: client}, sink: &memSink{}}

	reg := agent.NewRegistry()
	e.svc = activity.NewService(repo.Repo{DB: st.DB, Dialect: st.Dialect}, reg, st.Lineage, "http://localhost/activities")
	reg.Register(agent.Definition{
		Name:     "seed",
		Behavior: harvest.OriginalRecordBehavior{Originals: e.originals, Lookahead: 2},
		New: func(json.RawMessage) (agent.Agent, error) {
			return seedAgent{originals: e.originals, records: records}, nil
		},
	})
	deps := pipeline.Deps{
		Activities:  e.svc,
		Client:      client,
		Mappings:    map[string]pipeline.Mapping{"json_fields": pipeline.JSONFields{Vocab: vocab}},
		Enrichments: map[string]pipeline.Enrichment{"strip_whitespace": pipeline.StripWhitespace{}},
		Sink:        e.sink,
		Lookahead:   2,
	}
	for _, d := range deps.Definitions() {
		reg.Register(d)
	}
	return e
}

func (e *env) run(t *testing.T, name string, opts string) (*activity.Activity, error) {
	t.Helper()
	a, err := e.svc.Create(context.Background(), name, json.RawMessage(opts))
	require.NoError(t, err)
	err = a.Run(context.Background(), func(ctx context.Context, ag agent.Agent, uri string) error {
		return ag.Run(ctx, uri)
	})
	return a, err
}

func uris(t *testing.T, seq iter.Seq2[string, error]) []string {
	t.Helper()
	var out []string
	for u, err := range seq {
		require.NoError(t, err)
		out = append(out, u)
	}
	return out
}

func generator(a *activity.Activity) string {
	return `{"generator_uri":"` + a.URI() + `"`
}

var records = []harvest.Record{
	{ID: "1", Content: []byte(`{"title":"  Maps   of\n the  North ","year":1901,"tags":["a","b"],"meta":{"lang":"en"}}`), ContentType: "application/json"},
	{ID: "2", Content: []byte(`{"title":"Charts"}`), ContentType: "application/json"},
	{ID: "3", Content: []byte(`<not json/>`), ContentType: "application/xml"},
	{ID: "4", Content: []byte(`{"title":"gone"}`), ContentType: "application/json", Deleted: true},
}

func TestMapEnrichIndex(t *testing.T) {
	e := newEnv(t, records...)
	ctx := context.Background()

	seed, err := e.run(t, "seed", `{}`)
	require.NoError(t, err)
	require.Len(t, uris(t, seed.EntityURIs(ctx, false)), 4)

	mapper, err := e.run(t, pipeline.MapperName, generator(seed)+`,"mapping":"json_fields"}`)
	require.NoError(t, err)
	items := uris(t, mapper.EntityURIs(ctx, false))
	require.Len(t, items, 2)
	for _, u := range items {
		assert.True(t, strings.HasPrefix(u, e.store.Namespace+"/items/"), u)
	}

	first := e.originals.URI("seed", "1")
	item := e.client.RDFSource(pipeline.ItemURI(e.client.Namespace, first))
	require.NoError(t, item.Load(ctx, false))
	s := item.Subject()
	assert.True(t, item.Graph.Has(s, rdf.IRI(vocab+"title"), rdf.Literal("  Maps   of\n the  North ")))
	assert.True(t, item.Graph.Has(s, rdf.IRI(vocab+"year"), rdf.TypedLiteral("1901", "http://www.w3.org/2001/XMLSchema#integer")))
	assert.Len(t, item.Graph.Objects(s, rdf.IRI(vocab+"tags")), 2)
	assert.True(t, item.Graph.Has(s, rdf.IRI(vocab+"meta.lang"), rdf.Literal("en")))
	assert.True(t, item.Graph.Has(s, lineage.DerivedFrom, rdf.IRI(first)))
	assert.Equal(t, mapper.URI(), item.GeneratedBy())

	enricher, err := e.run(t, pipeline.EnricherName, generator(mapper)+`,"enrichments":["strip_whitespace"]}`)
	require.NoError(t, err)
	assert.ElementsMatch(t, items, uris(t, enricher.EntityURIs(ctx, false)))
	assert.ElementsMatch(t, items, uris(t, mapper.EntityURIs(ctx, true)), "enrichment keeps the mapper's output set")
	require.NoError(t, item.Load(ctx, true))
	assert.Equal(t, []rdf.Term{rdf.Literal("Maps of the North")}, item.Graph.Objects(s, rdf.IRI(vocab+"title")))
	assert.Equal(t, []string{mapper.URI(), enricher.URI()}, item.GeneratedByAll())
	assert.Equal(t, enricher.URI(), item.GeneratedBy())

	_, err = e.run(t, pipeline.IndexerName, generator(enricher)+`,"batch_size":1}`)
	require.NoError(t, err)
	require.Len(t, e.sink.batches, 2)
	assert.Equal(t, 1, e.sink.commits)
	var titles []string
	for _, b := range e.sink.batches {
		require.Len(t, b, 1)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(b[0], &doc))
		assert.Contains(t, items, doc["id"])
		titles = append(titles, doc[vocab+"title"].(string))
	}
	assert.ElementsMatch(t, []string{"Maps of the North", "Charts"}, titles)
}

func TestLaterStagesKeepEarlierLineage(t *testing.T) {
	e := newEnv(t, records[:2]...)
	ctx := context.Background()
	seed, err := e.run(t, "seed", `{}`)
	require.NoError(t, err)
	mapper, err := e.run(t, pipeline.MapperName, generator(seed)+`,"mapping":"json_fields"}`)
	require.NoError(t, err)
	mapped := uris(t, mapper.EntityURIs(ctx, true))
	require.Len(t, mapped, 2)

	_, err = e.run(t, pipeline.EnricherName, generator(mapper)+`,"enrichments":["strip_whitespace"]}`)
	require.NoError(t, err)
	assert.ElementsMatch(t, mapped, uris(t, mapper.EntityURIs(ctx, true)))

	// a second harvest rewrites the same original records
	reseed, err := e.run(t, "seed", `{}`)
	require.NoError(t, err)
	assert.Len(t, uris(t, seed.EntityURIs(ctx, false)), 2)
	assert.Len(t, uris(t, reseed.EntityURIs(ctx, false)), 2)

	_, err = e.run(t, pipeline.IndexerName, generator(mapper)+`}`)
	require.NoError(t, err)
	n := 0
	for _, b := range e.sink.batches {
		n += len(b)
	}
	assert.Equal(t, 2, n)
}

func TestInvalidatedEntitiesAreNotConsumed(t *testing.T) {
	e := newEnv(t, records[:2]...)
	ctx := context.Background()
	seed, err := e.run(t, "seed", `{}`)
	require.NoError(t, err)

	src := e.client.RDFSource(e.originals.URI("seed", "2"))
	require.NoError(t, src.Invalidate(ctx, seed.URI(), false))

	mapper, err := e.run(t, pipeline.MapperName, generator(seed)+`,"mapping":"json_fields"}`)
	require.NoError(t, err)
	assert.Len(t, uris(t, mapper.EntityURIs(ctx, false)), 1)
}

func TestSinkFailureFailsTheRun(t *testing.T) {
	e := newEnv(t, records[:2]...)
	seed, err := e.run(t, "seed", `{}`)
	require.NoError(t, err)
	mapper, err := e.run(t, pipeline.MapperName, generator(seed)+`,"mapping":"json_fields"}`)
	require.NoError(t, err)

	e.sink.fail = true
	ix, err := e.run(t, pipeline.IndexerName, generator(mapper)+`}`)
	assert.ErrorContains(t, err, "index unavailable")
	assert.True(t, ix.Ended())
	assert.Zero(t, e.sink.commits)
}

func TestOptionsAndGenerators(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, c := range []struct{ agent, opts string }{
		{pipeline.MapperName, `{"mapping":"json_fields"}`},
		{pipeline.MapperName, `{"generator_uri":"http://localhost/activities/1","mapping":"xslt"}`},
		{pipeline.EnricherName, `{"generator_uri":"http://localhost/activities/1"}`},
		{pipeline.EnricherName, `{"generator_uri":"http://localhost/activities/1","enrichments":["nope"]}`},
		{pipeline.IndexerName, `{"generator_uri":"http://localhost/activities/1","batch_size":-2}`},
	} {
		_, err := e.svc.Create(ctx, c.agent, json.RawMessage(c.opts))
		assert.ErrorIs(t, err, agent.ErrInvalidOptions, c.opts)
	}

	_, err := e.run(t, pipeline.MapperName, `{"generator_uri":"http://elsewhere/activities/1","mapping":"json_fields"}`)
	assert.ErrorIs(t, err, activity.ErrURIMismatch)
	_, err = e.run(t, pipeline.MapperName, `{"generator_uri":"http://localhost/activities/999","mapping":"json_fields"}`)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	idle, err := e.svc.Create(ctx, pipeline.IndexerName, json.RawMessage(`{"generator_uri":"http://localhost/activities/1"}`))
	require.NoError(t, err)
	chained, err := e.run(t, pipeline.IndexerName, generator(idle)+`}`)
	assert.ErrorContains(t, err, "does not generate entities")
	assert.True(t, chained.Ended())
}

func TestDocument(t *testing.T) {
	s := rdf.IRI("http://x/items/1")
	g := rdf.NewGraph(
		rdf.Triple{Subject: s, Predicate: rdf.IRI(vocab + "title"), Object: rdf.Literal("T")},
		rdf.Triple{Subject: s, Predicate: rdf.IRI(vocab + "tag"), Object: rdf.Literal("a")},
		rdf.Triple{Subject: s, Predicate: rdf.IRI(vocab + "tag"), Object: rdf.Literal("b")},
		rdf.Triple{Subject: rdf.IRI("http://x/other"), Predicate: rdf.IRI(vocab + "title"), Object: rdf.Literal("no")},
	)
	assert.JSONEq(t, `{"id":"http://x/items/1","http://example.org/vocab#title":"T","http://example.org/vocab#tag":["a","b"]}`,
		string(pipeline.Document(s, g)))
	assert.Equal(t, "http://x/ns/items/abc", pipeline.ItemURI("http://x/ns/", "http://x/ns/original_records/abc"))
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.jsonl")
	sink := pipeline.NewJSONL(path)
	ctx := context.Background()
	require.NoError(t, sink.Add(ctx, json.RawMessage(`{ "id": "a" }`)))
	require.NoError(t, sink.BulkAdd(ctx, []json.RawMessage{json.RawMessage(`{"id":"b"}`), json.RawMessage(`{"id":"c"}`)}))
	require.NoError(t, sink.Commit(ctx))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"a\"}\n{\"id\":\"b\"}\n{\"id\":\"c\"}\n", string(data))
	assert.Error(t, sink.Add(ctx, json.RawMessage(`{broken`)))
	require.NoError(t, sink.Close())
}
