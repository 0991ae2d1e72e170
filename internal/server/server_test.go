package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
	"harvestline/internal/db"
	"harvestline/internal/dispatch"
	"harvestline/internal/migrate"
	"harvestline/internal/queue"
	"harvestline/internal/repo"
)

const baseURI = "http://localhost:8080/activities"

type mapLineage map[string][]string

func (m mapLineage) FindGeneratedBy(_ context.Context, uri string, _ bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, u := range m[uri] {
			if !yield(u, nil) {
				return
			}
		}
	}
}

type pingOpts struct {
	Endpoint string `json:"endpoint"`
}

func (o pingOpts) Validate() error {
	if o.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	return nil
}

type nopAgent struct{}

func (nopAgent) Run(context.Context, string) error { return nil }

type testServer struct {
	URL     string
	client  *http.Client
	queue   *queue.Memory
	lineage mapLineage
	svc     *activity.Service
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, dialect))

	reg := agent.NewRegistry(
		agent.Definition{
			Name:    "ping",
			Queue:   "harvest",
			Summary: "Ping an endpoint",
			New: func(raw json.RawMessage) (agent.Agent, error) {
				if _, err := agent.DecodeOptions[pingOpts](raw); err != nil {
					return nil, err
				}
				return nopAgent{}, nil
			},
		},
	)
	lin := mapLineage{}
	svc := activity.NewService(repo.Repo{DB: conn, Dialect: dialect}, reg, lin, baseURI)
	q, err := queue.NewMemory()
	require.NoError(t, err)
	handler, err := New(Config{
		Dispatcher: &dispatch.Dispatcher{Activities: svc, Queue: q, DefaultQueue: "default"},
		BasePath:   "/v0",
		Auth:       auth,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), client: &http.Client{}, queue: q, lineage: lin, svc: svc}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func (s *testServer) enqueue(t *testing.T, opts map[string]any) EnqueueResponse {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/agents/ping/enqueue", map[string]any{"opts": opts}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var out EnqueueResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHealthAndAgents(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/agents", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var agents []AgentResponse
	require.NoError(t, json.Unmarshal(data, &agents))
	assert.Equal(t, []AgentResponse{{Name: "ping", Queue: "harvest", Summary: "Ping an endpoint"}}, agents)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Token: "secret"})

	const n = 8
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				return
			}
			req.Header.Set("X-Api-Key", "secret")
			res, err := srv.client.Do(req)
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}()
	}
	wg.Wait()

	for i := range n {
		require.NotEmpty(t, bodies[i], "request %d", i)
		assert.Equal(t, bodies[0], bodies[i])
	}
	var doc map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &doc))
	assert.Contains(t, doc, "paths")
}

func TestEnqueue(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()

	out := srv.enqueue(t, map[string]any{"endpoint": "http://x/oai"})
	assert.Equal(t, "pending", out.Activity.Status)
	assert.Equal(t, "ping", out.Activity.Agent)
	assert.Equal(t, map[string]any{"endpoint": "http://x/oai"}, out.Activity.Opts)
	assert.Equal(t, baseURI+"/1", out.Activity.URI)
	assert.False(t, out.Activity.Ended)
	assert.Equal(t, "harvest", out.Job.Queue)
	assert.Equal(t, out.Activity.ID, out.Job.ActivityID)
	n, err := srv.queue.Len(ctx, "harvest")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/agents/ping/enqueue", map[string]any{"queue": "urgent", "opts": map[string]any{"endpoint": "http://y"}}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	n, err = srv.queue.Len(ctx, "urgent")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueueErrors(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/agents/nope/enqueue", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "unknown_agent", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/agents/ping/enqueue", map[string]any{"opts": map[string]any{}}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	body := decodeError(t, data)
	assert.Equal(t, "invalid_options", body.Code)
	assert.Contains(t, body.Message, "endpoint is required")

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/agents/ping/enqueue", map[string]any{"opts": map[string]any{"endpoint": "x", "bogus": 1}}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "invalid_options", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var page paginatedActivities
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Empty(t, page.Items)
}

func TestActivities(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	for range 3 {
		srv.enqueue(t, map[string]any{"endpoint": "http://x"})
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedActivities
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.EqualValues(t, 3, page.Items[0].ID)
	assert.Equal(t, "2", page.NextCursor)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities?limit=2&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page = paginatedActivities{}
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.EqualValues(t, 1, page.Items[0].ID)
	assert.Empty(t, page.NextCursor)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities?cursor=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities/2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var one ActivityResponse
	require.NoError(t, json.Unmarshal(data, &one))
	assert.Equal(t, baseURI+"/2", one.URI)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities/42", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestResolveActivity(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	out := srv.enqueue(t, map[string]any{"endpoint": "http://x"})

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities/resolve?uri="+out.Activity.URI, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got ActivityResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, out.Activity.ID, got.ID)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities/resolve?uri=http://elsewhere/activities/1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "uri_mismatch", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities/resolve?uri="+baseURI+"/77", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestEntities(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	out := srv.enqueue(t, map[string]any{"endpoint": "http://x"})
	srv.lineage[out.Activity.URI] = []string{"http://r/1", "http://r/2", "http://r/3"}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities/1/entities?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page EntitiesResponse
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Equal(t, []string{"http://r/1", "http://r/2"}, page.Items)
	assert.Equal(t, 2, page.NextOffset)
	assert.Equal(t, out.Activity.URI, page.Activity)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities/1/entities?limit=2&offset=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page = EntitiesResponse{}
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Equal(t, []string{"http://r/3"}, page.Items)
	assert.Zero(t, page.NextOffset)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/activities/9/entities", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRequeue(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	out := srv.enqueue(t, map[string]any{"endpoint": "http://x"})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/activities/1/requeue", map[string]any{}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var again EnqueueResponse
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, out.Activity.ID, again.Job.ActivityID)
	assert.NotEqual(t, out.Job.ID, again.Job.ID)
	n, err := srv.queue.Len(context.Background(), "harvest")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/activities/5/requeue", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestTokenAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Token: "s3cret"})

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/agents", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/agents", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/agents", nil, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/agents", nil, map[string]string{"X-Api-Key": "s3cret"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
