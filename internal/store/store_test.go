package store_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/lineage"
	"harvestline/internal/store"
	"harvestline/internal/store/storetest"
)

func request(t *testing.T, method, url, body string, header map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPutGetDeleteLifecycle(t *testing.T) {
	env := storetest.Start(t)
	uri := env.Namespace + "/items/a"

	resp := request(t, http.MethodGet, uri, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = request(t, http.MethodPut, uri, "hello", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	assert.NotEmpty(t, resp.Header.Get("Last-Modified"))

	resp = request(t, http.MethodHead, uri, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, etag, resp.Header.Get("ETag"))

	resp = request(t, http.MethodPut, uri, "stale", map[string]string{"Content-Type": "text/plain", "If-Match": `"nope"`})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp = request(t, http.MethodPut, uri, "world", map[string]string{"Content-Type": "text/plain", "If-Match": etag})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	newTag := resp.Header.Get("ETag")
	assert.NotEqual(t, etag, newTag)

	resp = request(t, http.MethodGet, uri, "", nil)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "world", string(body))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	resp = request(t, http.MethodDelete, uri, "", map[string]string{"If-Match": etag})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	resp = request(t, http.MethodDelete, uri, "", map[string]string{"If-Match": newTag})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = request(t, http.MethodGet, uri, "", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	resp = request(t, http.MethodPut, uri, "again", map[string]string{"Content-Type": "text/plain", "If-Match": newTag})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	resp = request(t, http.MethodPut, uri, "again", map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestIfMatchOnMissingResourceFails(t *testing.T) {
	env := storetest.Start(t)
	resp := request(t, http.MethodPut, env.Namespace+"/x", "a", map[string]string{"If-Match": "*"})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestMalformedNTriplesRejected(t *testing.T) {
	env := storetest.Start(t)
	resp := request(t, http.MethodPut, env.Namespace+"/x", "<a> nope", map[string]string{"Content-Type": "application/n-triples"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLineageFromIndexedStatements(t *testing.T) {
	env := storetest.Start(t)
	ctx := context.Background()
	act := "http://localhost/activities/1"
	gen := "<" + lineage.WasGeneratedBy + "> <" + act + "> .\n"

	for _, name := range []string{"c", "a", "b"} {
		uri := env.Namespace + "/items/" + name
		_, err := env.Store.Put(ctx, uri, "application/n-triples", []byte("<"+uri+"> "+gen), "")
		require.NoError(t, err)
	}
	invalid := env.Namespace + "/items/b"
	_, err := env.Store.Put(ctx, invalid, "application/n-triples; charset=utf-8", []byte(
		"<"+invalid+"> "+gen+
			"<"+invalid+"> <"+lineage.InvalidatedAtTime+"> \"2024-01-01T00:00:00Z\"^^<http://www.w3.org/2001/XMLSchema#dateTime> .\n"), "*")
	require.NoError(t, err)
	deleted := env.Namespace + "/items/c"
	require.NoError(t, env.Store.Delete(ctx, deleted, ""))

	collect := func(include bool, pageSize int) []string {
		l := store.NewLineage(env.Store)
		l.PageSize = pageSize
		var out []string
		for uri, err := range l.FindGeneratedBy(ctx, act, include) {
			require.NoError(t, err)
			out = append(out, uri)
		}
		return out
	}
	assert.Equal(t, []string{env.Namespace + "/items/a"}, collect(false, 500))
	assert.Equal(t, []string{env.Namespace + "/items/a", invalid}, collect(true, 1))
}

func TestOversizedBodyIsRefused(t *testing.T) {
	env := storetest.Start(t)
	var h http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	ns := srv.URL + "/resources"
	h, err := store.Handler(env.Store, ns, nil, store.WithMaxBody(8))
	require.NoError(t, err)

	resp := request(t, http.MethodPut, ns+"/big", "123456789", map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp = request(t, http.MethodGet, ns+"/big", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "nothing is stored from a refused body")

	resp = request(t, http.MethodPut, ns+"/small", "12345678", map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestLongNTriplesLineAccepted(t *testing.T) {
	env := storetest.Start(t)
	uri := env.Namespace + "/long"
	doc := "<" + uri + "> <http://example.org/p> \"" + strings.Repeat("x", 17<<20) + "\" .\n"
	resp := request(t, http.MethodPut, uri, doc, map[string]string{"Content-Type": "application/n-triples"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
