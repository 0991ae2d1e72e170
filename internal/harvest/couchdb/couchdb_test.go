package couchdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/agent"
	"harvestline/internal/harvest"
)

type fakeCouch struct {
	mu       sync.Mutex
	rows     []string
	docs     map[string]string
	requests []string
	// hold, when set, pauses the stream after the first two rows until closed.
	hold chan struct{}
}

func (f *fakeCouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.URL.Path+"?"+r.URL.RawQuery)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if !strings.HasSuffix(r.URL.Path, "/_all_docs") && !strings.Contains(r.URL.Path, "/_view/") {
		id := strings.TrimPrefix(r.URL.Path, "/db/")
		doc, ok := f.docs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"not_found","reason":"missing"}`)
			return
		}
		fmt.Fprint(w, doc)
		return
	}
	if r.URL.Query().Get("limit") == "0" {
		fmt.Fprintf(w, `{"total_rows":%d,"offset":0,"rows":[]}`, len(f.rows))
		return
	}
	fmt.Fprintf(w, `{"total_rows":%d,"offset":0,"rows":[`, len(f.rows))
	for i, row := range f.rows {
		if i > 0 {
			fmt.Fprint(w, ",\n")
		}
		fmt.Fprint(w, row)
		if i == 1 && f.hold != nil {
			w.(http.Flusher).Flush()
			select {
			case <-f.hold:
			case <-r.Context().Done():
				return
			}
		}
	}
	fmt.Fprint(w, "]}\n")
}

func (f *fakeCouch) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func docRow(id string) string {
	return fmt.Sprintf(`{"id":%q,"key":%q,"value":{"rev":"1-a"},"doc":{"_id":%q,"_rev":"1-a","title":"T %s"}}`, id, id, id, id)
}

func setup(t *testing.T, f *fakeCouch, view string) *Harvester {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Options{URL: srv.URL + "/db/", View: view}, resty.New())
}

func TestRowsAreYieldedAsTheyArrive(t *testing.T) {
	f := &fakeCouch{rows: []string{docRow("a"), docRow("b"), docRow("c")}, hold: make(chan struct{})}
	h := setup(t, f, "")

	var ids []string
	for rec, err := range h.Records(context.Background()) {
		require.NoError(t, err)
		if len(ids) == 0 {
			// the server is still holding the rest of the response
			close(f.hold)
		}
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	require.Len(t, f.paths(), 1)
	assert.Equal(t, "/db/_all_docs?include_docs=true", f.paths()[0])
}

func TestRecordsSkipDesignDocsAndFlagDeletions(t *testing.T) {
	f := &fakeCouch{rows: []string{
		`{"id":"_design/app","key":"_design/app","value":{"rev":"1-x"},"doc":{"_id":"_design/app"}}`,
		docRow("a"),
		`{"id":"gone","key":"gone","value":{"rev":"2-b","deleted":true},"doc":null}`,
		`{"key":"ghost","error":"not_found"}`,
	}}
	h := setup(t, f, "")

	var recs []harvest.Record
	var bad []error
	for rec, err := range h.Records(context.Background()) {
		if err != nil {
			bad = append(bad, err)
			continue
		}
		recs = append(recs, rec)
	}
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.JSONEq(t, `{"_id":"a","_rev":"1-a","title":"T a"}`, string(recs[0].Content))
	assert.False(t, recs[0].Deleted)
	assert.Equal(t, "gone", recs[1].ID)
	assert.True(t, recs[1].Deleted)
	require.Len(t, bad, 1)
	var re *harvest.RecordError
	require.ErrorAs(t, bad[0], &re)
	assert.Contains(t, string(re.Content), "ghost")
}

func TestTakeUsesOneRequest(t *testing.T) {
	f := &fakeCouch{}
	for i := range 50 {
		f.rows = append(f.rows, docRow(fmt.Sprintf("d%02d", i)))
	}
	h := setup(t, f, "")
	got, err := harvest.Take(h.RecordIDs(context.Background()), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"d00", "d01", "d02"}, got)
	assert.Len(t, f.paths(), 1)
	assert.Equal(t, "/db/_all_docs?", f.paths()[0])
}

func TestViewURL(t *testing.T) {
	f := &fakeCouch{rows: []string{docRow("a")}}
	h := setup(t, f, "records/by_date")
	got, err := harvest.Take(h.RecordIDs(context.Background()), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, "/db/_design/records/_view/by_date?", f.paths()[0])
}

func TestStreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("include_docs") == "true" {
			fmt.Fprint(w, `{"total_rows":2,"rows":[`+docRow("a")+`,{"id":`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"unauthorized"}`)
	}))
	t.Cleanup(srv.Close)
	h := New(Options{URL: srv.URL}, resty.New())

	_, err := harvest.Take(h.RecordIDs(context.Background()), 10)
	var he *harvest.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.Status)
	assert.Contains(t, he.Message, "unauthorized")

	got, err := harvest.Take(h.Records(context.Background()), 10)
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.Message, "malformed stream")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestSlowStreamOutlivesClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_rows":4,"rows":[`)
		for i := range 4 {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprint(w, docRow(fmt.Sprintf("d%d", i)))
			w.(http.Flusher).Flush()
			time.Sleep(80 * time.Millisecond)
		}
		fmt.Fprint(w, "]}")
	}))
	t.Cleanup(srv.Close)
	h := New(Options{URL: srv.URL}, resty.New().SetTimeout(200*time.Millisecond))

	got, err := harvest.Take(h.RecordIDs(context.Background()), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d0", "d1", "d2", "d3"}, got)
}

func TestStalledStreamIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_rows":2,"rows":[`+docRow("a")+`,`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	h := New(Options{URL: srv.URL}, resty.New().SetTimeout(100*time.Millisecond))

	got, err := harvest.Take(h.Records(context.Background()), 10)
	var te *harvest.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, errIdle)
	var he *harvest.Error
	assert.False(t, errors.As(err, &he))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestBrokenStreamIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		chunk := `{"total_rows":2,"rows":[` + docRow("a") + `,{"id":"b"`
		fmt.Fprint(buf, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nTransfer-Encoding: chunked\r\n\r\n")
		fmt.Fprintf(buf, "%x\r\n%s\r\n", len(chunk), chunk)
		buf.Flush()
	}))
	t.Cleanup(srv.Close)
	h := New(Options{URL: srv.URL}, resty.New())

	got, err := harvest.Take(h.RecordIDs(context.Background()), 10)
	var te *harvest.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, srv.URL+"/_all_docs", te.URL)
	assert.Equal(t, []string{"a"}, got)
}

func TestGetRecordAndCount(t *testing.T) {
	f := &fakeCouch{
		rows: []string{docRow("a"), docRow("b")},
		docs: map[string]string{
			"a":   `{"_id":"a","title":"T a"}`,
			"x/y": `{"_id":"x/y","_deleted":true}`,
		},
	}
	h := setup(t, f, "")

	rec, err := h.GetRecord(context.Background(), "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"a","title":"T a"}`, string(rec.Content))

	rec, err = h.GetRecord(context.Background(), "x/y")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	_, err = h.GetRecord(context.Background(), "nope")
	var he *harvest.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Status)

	n, err := h.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "/db/_all_docs?limit=0", f.paths()[len(f.paths())-1])
}

func TestOptions(t *testing.T) {
	def := Definition(resty.New(), nil)
	for _, raw := range []string{`{}`, `{"url":"relative/db"}`, `{"url":"http://c/db","view":"noslash"}`, `{"url":"http://c/db","deleted":"drop"}`} {
		_, err := def.New(json.RawMessage(raw))
		assert.ErrorIs(t, err, agent.ErrInvalidOptions, raw)
	}
	_, err := def.New(json.RawMessage(`{"url":"http://c/db","view":"app/all","deleted":"invalidate"}`))
	assert.NoError(t, err)
}
