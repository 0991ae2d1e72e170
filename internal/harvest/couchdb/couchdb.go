// Package couchdb harvests a CouchDB database by streaming _all_docs or a
// view. Rows are decoded as they arrive; a full enumeration is one request.
package couchdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"harvestline/internal/agent"
	"harvestline/internal/harvest"
)

const Name = "couchdb"

type Options struct {
	harvest.Options
	// URL is the database, e.g. http://couch:5984/records.
	URL string `json:"url"`
	// View is "ddoc/view"; empty streams _all_docs.
	View string `json:"view,omitempty"`
}

func (o *Options) Validate() error {
	if o.URL == "" {
		return errors.New("url is required")
	}
	if u, err := url.Parse(o.URL); err != nil || !u.IsAbs() {
		return fmt.Errorf("url %q is not absolute", o.URL)
	}
	if o.View != "" {
		if d, v, ok := strings.Cut(o.View, "/"); !ok || d == "" || v == "" {
			return fmt.Errorf("view must be ddoc/view, got %q", o.View)
		}
	}
	return o.Options.Validate()
}

type Harvester struct {
	opts Options
	http *resty.Client
	// streamer shares the client's transport but has no overall timeout;
	// idle bounds each wait for more of a list response instead.
	streamer *resty.Client
	idle     time.Duration
}

func New(opts Options, client *resty.Client) *Harvester {
	return &Harvester{opts: opts, http: client, streamer: streamingClient(client), idle: client.GetClient().Timeout}
}

func streamingClient(c *resty.Client) *resty.Client {
	hc := *c.GetClient()
	hc.Timeout = 0
	s := resty.NewWithClient(&hc).SetRetryCount(c.RetryCount)
	s.Header = c.Header.Clone()
	return s
}

var errIdle = errors.New("stream stalled")

// idleBody records the first read failure and pushes the idle deadline back
// on every read.
type idleBody struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
	err   error
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if b.timer != nil {
		b.timer.Reset(b.idle)
	}
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

func (h *Harvester) Name() string { return Name }

func Definition(client *resty.Client, originals *harvest.Originals) agent.Definition {
	return agent.Definition{
		Name:     Name,
		Queue:    "harvest",
		Summary:  "Harvest a CouchDB database or view",
		Behavior: harvest.OriginalRecordBehavior{Originals: originals, Lookahead: 4},
		New: func(raw json.RawMessage) (agent.Agent, error) {
			opts, err := agent.DecodeOptions[Options](raw)
			if err != nil {
				return nil, err
			}
			return &harvest.Agent{Harvester: New(opts, client), Originals: originals, Options: opts.Options}, nil
		},
	}
}

func (h *Harvester) base() string { return strings.TrimRight(h.opts.URL, "/") }

func (h *Harvester) listURL() string {
	if h.opts.View == "" {
		return h.base() + "/_all_docs"
	}
	ddoc, view, _ := strings.Cut(h.opts.View, "/")
	return h.base() + "/_design/" + url.PathEscape(ddoc) + "/_view/" + url.PathEscape(view)
}

type row struct {
	ID    string          `json:"id"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	Doc   json.RawMessage `json:"doc"`
	Error string          `json:"error"`
}

func (r row) deleted() bool {
	var v struct {
		Deleted bool `json:"deleted"`
	}
	if len(r.Value) > 0 && json.Unmarshal(r.Value, &v) == nil && v.Deleted {
		return true
	}
	var d struct {
		Deleted bool `json:"_deleted"`
	}
	return len(r.Doc) > 0 && json.Unmarshal(r.Doc, &d) == nil && d.Deleted
}

// stream opens a list request and decodes its rows one at a time. The
// response body is closed when the consumer stops or the rows run out. A
// body that breaks off or stalls for longer than the idle timeout is a
// *harvest.TransportError; only undecodable JSON is a malformed stream.
func (h *Harvester) stream(ctx context.Context, params map[string]string) iter.Seq2[row, error] {
	return func(yield func(row, error) bool) {
		target := h.listURL()
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		var timer *time.Timer
		if h.idle > 0 {
			timer = time.AfterFunc(h.idle, func() { cancel(errIdle) })
			defer timer.Stop()
		}
		transport := func(err error) *harvest.TransportError {
			if cause := context.Cause(ctx); cause != nil {
				err = cause
			}
			return &harvest.TransportError{Harvester: Name, URL: target, Err: err}
		}

		resp, err := h.streamer.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetDoNotParseResponse(true).
			Get(target)
		if err != nil {
			yield(row{}, transport(err))
			return
		}
		raw := resp.RawBody()
		defer raw.Close()
		if !resp.IsSuccess() {
			msg, _ := io.ReadAll(io.LimitReader(raw, 200))
			yield(row{}, &harvest.Error{Harvester: Name, URL: target, Status: resp.StatusCode(), Message: strings.TrimSpace(string(msg))})
			return
		}
		body := &idleBody{r: raw, timer: timer, idle: h.idle}
		fail := func(err error) {
			if body.err != nil {
				yield(row{}, transport(body.err))
				return
			}
			yield(row{}, &harvest.Error{Harvester: Name, URL: target, Status: resp.StatusCode(), Message: "malformed stream: " + err.Error()})
		}
		dec := json.NewDecoder(body)
		if err := expectDelim(dec, '{'); err != nil {
			fail(err)
			return
		}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				fail(err)
				return
			}
			if tok != "rows" {
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					fail(err)
					return
				}
				continue
			}
			if err := expectDelim(dec, '['); err != nil {
				fail(err)
				return
			}
			for dec.More() {
				var r row
				if err := dec.Decode(&r); err != nil {
					fail(err)
					return
				}
				if strings.HasPrefix(r.ID, "_design/") {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				if !yield(r, nil) {
					return
				}
				if timer != nil {
					timer.Reset(h.idle)
				}
			}
			if err := expectDelim(dec, ']'); err != nil {
				fail(err)
				return
			}
		}
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func (h *Harvester) RecordIDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for r, err := range h.stream(ctx, nil) {
			if err != nil {
				yield("", err)
				return
			}
			if r.ID == "" {
				continue
			}
			if !yield(r.ID, nil) {
				return
			}
		}
	}
}

func (h *Harvester) Records(ctx context.Context) iter.Seq2[harvest.Record, error] {
	return func(yield func(harvest.Record, error) bool) {
		for r, err := range h.stream(ctx, map[string]string{"include_docs": "true"}) {
			if err != nil {
				yield(harvest.Record{}, err)
				return
			}
			if !yield(toRecord(r)) {
				return
			}
		}
	}
}

func toRecord(r row) (harvest.Record, error) {
	if r.ID == "" || r.Error != "" {
		content, _ := json.Marshal(r)
		msg := r.Error
		if msg == "" {
			msg = "row has no id"
		}
		return harvest.Record{}, &harvest.RecordError{ID: r.ID, Content: content, Err: errors.New(msg)}
	}
	content := []byte(r.Doc)
	if len(content) == 0 || string(content) == "null" {
		content = []byte(r.Value)
	}
	return harvest.Record{ID: r.ID, Content: content, ContentType: "application/json", Deleted: r.deleted()}, nil
}

func (h *Harvester) GetRecord(ctx context.Context, id string) (harvest.Record, error) {
	resp, err := harvest.Get(ctx, h.http, Name, h.base()+"/"+url.PathEscape(id), nil)
	if err != nil {
		return harvest.Record{}, err
	}
	return toRecord(row{ID: id, Doc: resp.Body()})
}

func (h *Harvester) Count(ctx context.Context) (int, error) {
	resp, err := harvest.Get(ctx, h.http, Name, h.listURL(), map[string]string{"limit": "0"})
	if err != nil {
		return 0, err
	}
	var v struct {
		TotalRows *int `json:"total_rows"`
	}
	if err := json.Unmarshal(resp.Body(), &v); err != nil || v.TotalRows == nil {
		return harvest.CountIDs(ctx, h)
	}
	return *v.TotalRows, nil
}
