// Package api harvests paginated JSON search APIs that page with a start
// offset and a row count.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"harvestline/internal/agent"
	"harvestline/internal/harvest"
)

const Name = "api"

type Options struct {
	harvest.Options
	URL string `json:"url"`
	// Params are sent with every page request.
	Params     map[string]string `json:"params,omitempty"`
	StartParam string            `json:"start_param,omitempty"`
	RowsParam  string            `json:"rows_param,omitempty"`
	Rows       int               `json:"rows,omitempty"`
	// RecordsPath is the dotted path of the record array in a page.
	RecordsPath string `json:"records_path"`
	IDPath      string `json:"id_path,omitempty"`
	// TotalPath, when set, gives Count a single cheap request.
	TotalPath string `json:"total_path,omitempty"`
	// RecordURL fetches one record; "{id}" is replaced by the identifier.
	RecordURL string `json:"record_url,omitempty"`
}

func (o *Options) Validate() error {
	if o.URL == "" {
		return errors.New("url is required")
	}
	if o.RecordsPath == "" {
		return errors.New("records_path is required")
	}
	if o.Rows < 0 {
		return errors.New("rows cannot be negative")
	}
	o.defaults()
	return o.Options.Validate()
}

func (o *Options) defaults() {
	if o.StartParam == "" {
		o.StartParam = "start"
	}
	if o.RowsParam == "" {
		o.RowsParam = "rows"
	}
	if o.Rows == 0 {
		o.Rows = 100
	}
	if o.IDPath == "" {
		o.IDPath = "id"
	}
}

type Harvester struct {
	opts Options
	http *resty.Client
}

func New(opts Options, client *resty.Client) *Harvester {
	opts.defaults()
	return &Harvester{opts: opts, http: client}
}

func (h *Harvester) Name() string { return Name }

func Definition(client *resty.Client, originals *harvest.Originals) agent.Definition {
	return agent.Definition{
		Name:     Name,
		Queue:    "harvest",
		Summary:  "Harvest a paginated JSON search API",
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

func (h *Harvester) page(ctx context.Context, start, rows int) (any, error) {
	params := make(map[string]string, len(h.opts.Params)+2)
	for k, v := range h.opts.Params {
		params[k] = v
	}
	params[h.opts.StartParam] = strconv.Itoa(start)
	params[h.opts.RowsParam] = strconv.Itoa(rows)
	resp, err := harvest.Get(ctx, h.http, Name, h.opts.URL, params)
	if err != nil {
		return nil, err
	}
	doc, err := decode(resp.Body())
	if err != nil {
		return nil, &harvest.Error{Harvester: Name, URL: resp.Request.URL, Status: resp.StatusCode(), Message: "unparseable page: " + err.Error()}
	}
	return doc, nil
}

func decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	err := dec.Decode(&doc)
	return doc, err
}

// Lookup walks a dotted path through nested JSON objects.
func Lookup(doc any, path string) (any, bool) {
	cur := doc
	if path == "" {
		return cur, true
	}
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case json.Number:
		return x.String(), true
	}
	return "", false
}

// batches yields one page of raw records at a time. The next offset
// advances by the number of records received; an empty page ends the walk.
func (h *Harvester) batches(ctx context.Context) iter.Seq2[[]any, error] {
	return func(yield func([]any, error) bool) {
		start := 0
		for {
			doc, err := h.page(ctx, start, h.opts.Rows)
			if err != nil {
				yield(nil, err)
				return
			}
			raw, ok := Lookup(doc, h.opts.RecordsPath)
			if !ok || raw == nil {
				return
			}
			batch, ok := raw.([]any)
			if !ok {
				yield(nil, &harvest.Error{Harvester: Name, URL: h.opts.URL, Status: 200, Message: h.opts.RecordsPath + " is not an array"})
				return
			}
			if len(batch) == 0 {
				return
			}
			if !yield(batch, nil) {
				return
			}
			start += len(batch)
		}
	}
}

func (h *Harvester) toRecord(v any) (harvest.Record, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return harvest.Record{}, &harvest.RecordError{Err: err}
	}
	idv, _ := Lookup(v, h.opts.IDPath)
	id, ok := scalar(idv)
	if !ok {
		return harvest.Record{}, &harvest.RecordError{Content: content, Err: fmt.Errorf("no identifier at %q", h.opts.IDPath)}
	}
	return harvest.Record{ID: id, Content: content, ContentType: "application/json"}, nil
}

func (h *Harvester) Records(ctx context.Context) iter.Seq2[harvest.Record, error] {
	return func(yield func(harvest.Record, error) bool) {
		for batch, err := range h.batches(ctx) {
			if err != nil {
				yield(harvest.Record{}, err)
				return
			}
			for _, v := range batch {
				if !yield(h.toRecord(v)) {
					return
				}
			}
		}
	}
}

func (h *Harvester) RecordIDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for rec, err := range h.Records(ctx) {
			var re *harvest.RecordError
			if errors.As(err, &re) {
				continue
			}
			if !yield(rec.ID, err) || err != nil {
				return
			}
		}
	}
}

func (h *Harvester) GetRecord(ctx context.Context, id string) (harvest.Record, error) {
	if h.opts.RecordURL == "" {
		for rec, err := range h.Records(ctx) {
			if err != nil {
				var re *harvest.RecordError
				if errors.As(err, &re) {
					continue
				}
				return harvest.Record{}, err
			}
			if rec.ID == id {
				return rec, nil
			}
		}
		return harvest.Record{}, fmt.Errorf("%s: record %s not found", Name, id)
	}
	url := strings.ReplaceAll(h.opts.RecordURL, "{id}", id)
	resp, err := harvest.Get(ctx, h.http, Name, url, nil)
	if err != nil {
		return harvest.Record{}, err
	}
	doc, err := decode(resp.Body())
	if err != nil {
		return harvest.Record{}, &harvest.RecordError{ID: id, Content: resp.Body(), Err: err}
	}
	rec, err := h.toRecord(doc)
	if err != nil {
		return harvest.Record{}, err
	}
	return rec, nil
}

func (h *Harvester) Count(ctx context.Context) (int, error) {
	if h.opts.TotalPath == "" {
		return harvest.CountIDs(ctx, h)
	}
	doc, err := h.page(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	v, _ := Lookup(doc, h.opts.TotalPath)
	s, ok := scalar(v)
	if !ok {
		return 0, fmt.Errorf("%s: no total at %q", Name, h.opts.TotalPath)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: total %q: %w", Name, s, err)
	}
	return n, nil
}
