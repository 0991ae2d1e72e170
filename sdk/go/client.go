// Package harvestlinesdk is a small client for the Harvestline admin API.
package harvestlinesdk

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to one admin API. BaseURL includes the base path, e.g.
// http://localhost:8080/v0.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	Timeout     time.Duration
	// HTTP is built lazily from the fields above when nil.
	HTTP *resty.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: 10 * time.Second}
}

type Agent struct {
	Name              string `json:"name"`
	Queue             string `json:"queue,omitempty"`
	Summary           string `json:"summary,omitempty"`
	GeneratesEntities bool   `json:"generates_entities"`
}

type Activity struct {
	ID        int64          `json:"id"`
	URI       string         `json:"uri"`
	Agent     string         `json:"agent"`
	Opts      map[string]any `json:"opts"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	StartTime *time.Time     `json:"start_time,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Ended     bool           `json:"ended"`
	CreatedAt time.Time      `json:"created_at"`
}

type Job struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	ActivityID int64     `json:"activity_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Enqueued is returned by Enqueue and Requeue.
type Enqueued struct {
	Activity Activity `json:"activity"`
	Job      Job      `json:"job"`
}

// ActivityPage is one page of ListActivities; NextCursor is empty on the
// last page.
type ActivityPage struct {
	Items      []Activity `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type ActivityFilter struct {
	Agent  string
	Status string
	Limit  int
	Cursor string
}

type EntityPage struct {
	Activity   string   `json:"activity"`
	Items      []string `json:"items"`
	NextOffset int      `json:"next_offset,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Health reports whether the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, resty.MethodGet, "health", nil, nil, nil)
}

// Agents lists the registered agents.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, resty.MethodGet, "agents", nil, nil, &resp)
	return resp, err
}

// Enqueue creates an activity for agent and queues it. An empty queue
// selects the agent's own.
func (c *Client) Enqueue(ctx context.Context, agent, queue string, opts map[string]any) (Enqueued, error) {
	body := map[string]any{"opts": opts}
	if queue != "" {
		body["queue"] = queue
	}
	var resp Enqueued
	err := c.do(ctx, resty.MethodPost, "agents/"+url.PathEscape(agent)+"/enqueue", nil, body, &resp)
	return resp, err
}

func (c *Client) Activities(ctx context.Context, f ActivityFilter) (ActivityPage, error) {
	q := map[string]string{}
	if f.Agent != "" {
		q["agent"] = f.Agent
	}
	if f.Status != "" {
		q["status"] = f.Status
	}
	if f.Limit > 0 {
		q["limit"] = strconv.Itoa(f.Limit)
	}
	if f.Cursor != "" {
		q["cursor"] = f.Cursor
	}
	var resp ActivityPage
	err := c.do(ctx, resty.MethodGet, "activities", q, nil, &resp)
	return resp, err
}

func (c *Client) Activity(ctx context.Context, id int64) (Activity, error) {
	var resp Activity
	err := c.do(ctx, resty.MethodGet, "activities/"+strconv.FormatInt(id, 10), nil, nil, &resp)
	return resp, err
}

// Resolve finds an activity by its URI.
func (c *Client) Resolve(ctx context.Context, uri string) (Activity, error) {
	var resp Activity
	err := c.do(ctx, resty.MethodGet, "activities/resolve", map[string]string{"uri": uri}, nil, &resp)
	return resp, err
}

func (c *Client) Requeue(ctx context.Context, id int64, queue string) (Enqueued, error) {
	var resp Enqueued
	err := c.do(ctx, resty.MethodPost, "activities/"+strconv.FormatInt(id, 10)+"/requeue", nil,
		map[string]string{"queue": queue}, &resp)
	return resp, err
}

// Entities returns one page of the URIs an activity generated.
func (c *Client) Entities(ctx context.Context, id int64, includeInvalidated bool, limit, offset int) (EntityPage, error) {
	q := map[string]string{"offset": strconv.Itoa(offset)}
	if includeInvalidated {
		q["include_invalidated"] = "true"
	}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	var resp EntityPage
	err := c.do(ctx, resty.MethodGet, "activities/"+strconv.FormatInt(id, 10)+"/entities", q, nil, &resp)
	return resp, err
}

func (c *Client) http() *resty.Client {
	if c.HTTP == nil {
		c.HTTP = resty.New().SetTimeout(c.Timeout)
	}
	return c.HTTP
}

func (c *Client) do(ctx context.Context, method, endpoint string, query map[string]string, body, out any) error {
	req := c.http().R().SetContext(ctx).SetHeader("Accept", "application/json")
	switch {
	case c.BearerToken != "":
		req.SetAuthToken(c.BearerToken)
	case c.APIKey != "":
		req.SetHeader("X-Api-Key", c.APIKey)
	}
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	var env errorEnvelope
	req.SetError(&env)
	resp, err := req.Execute(method, c.base()+"/"+strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return err
	}
	if resp.IsError() || resp.StatusCode() >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode(),
			Code:       env.Error.Code,
			Message:    env.Error.Message,
			Body:       resp.String(),
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
