package lineage

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/go-resty/resty/v2"
)

const sparqlResultsJSON = "application/sparql-results+json"

// SPARQL is a Repository backed by a SPARQL 1.1 protocol endpoint.
// Solutions are fetched in pages of PageSize so that abandoning the
// sequence stops further requests.
type SPARQL struct {
	Endpoint string
	Client   *resty.Client
	PageSize int
}

func NewSPARQL(endpoint string, client *resty.Client) *SPARQL {
	if client == nil {
		client = resty.New()
	}
	return &SPARQL{Endpoint: endpoint, Client: client, PageSize: 500}
}

// EndpointError is a non-2xx answer from the SPARQL endpoint.
type EndpointError struct {
	Status int
	Body   string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("sparql endpoint returned %d: %s", e.Status, e.Body)
}

type sparqlResults struct {
	Results struct {
		Bindings []map[string]struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

func (s *SPARQL) FindGeneratedBy(ctx context.Context, activityURI string, includeInvalidated bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		q := Query{ActivityURI: activityURI, IncludeInvalidated: includeInvalidated, Limit: s.PageSize}
		for {
			page, n, err := s.selectPage(ctx, q)
			if err != nil {
				yield("", err)
				return
			}
			for _, uri := range page {
				if !yield(uri, nil) {
					return
				}
			}
			if q.Limit <= 0 || n < q.Limit {
				return
			}
			q.Offset += n
		}
	}
}

// Select runs one query and returns the bound record values.
func (s *SPARQL) Select(ctx context.Context, q Query) ([]string, error) {
	uris, _, err := s.selectPage(ctx, q)
	return uris, err
}

// selectPage also reports the raw solution count, which drives paging.
func (s *SPARQL) selectPage(ctx context.Context, q Query) ([]string, int, error) {
	text, err := q.SPARQL()
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.Client.R().
		SetContext(ctx).
		SetHeader("Accept", sparqlResultsJSON).
		SetFormData(map[string]string{"query": text}).
		Post(s.Endpoint)
	if err != nil {
		return nil, 0, fmt.Errorf("sparql query: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, 0, &EndpointError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}
	var out sparqlResults
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, 0, fmt.Errorf("decode sparql results: %w", err)
	}
	uris := make([]string, 0, len(out.Results.Bindings))
	for _, b := range out.Results.Bindings {
		v, ok := b[Var]
		if !ok || v.Type != "uri" {
			continue
		}
		uris = append(uris, v.Value)
	}
	return uris, len(out.Results.Bindings), nil
}
