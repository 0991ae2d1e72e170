// Package primo harvests a Primo X-Services brief search in fixed-size
// windows addressed by a 1-based index.
package primo

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/go-resty/resty/v2"

	"harvestline/internal/agent"
	"harvestline/internal/harvest"
)

const Name = "primo"

type Options struct {
	harvest.Options
	URL         string            `json:"url"`
	Query       string            `json:"query"`
	Institution string            `json:"institution,omitempty"`
	BulkSize    int               `json:"bulk_size,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

func (o *Options) Validate() error {
	if o.URL == "" {
		return errors.New("url is required")
	}
	if o.Query == "" {
		return errors.New("query is required")
	}
	if o.BulkSize < 0 {
		return errors.New("bulk_size cannot be negative")
	}
	return o.Options.Validate()
}

// Error is an ERROR element in an otherwise successful response.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("primo error %s: %s", e.Code, e.Message) }

type Harvester struct {
	opts Options
	http *resty.Client
}

func New(opts Options, client *resty.Client) *Harvester {
	if opts.BulkSize == 0 {
		opts.BulkSize = 50
	}
	return &Harvester{opts: opts, http: client}
}

func (h *Harvester) Name() string { return Name }

func Definition(client *resty.Client, originals *harvest.Originals) agent.Definition {
	return agent.Definition{
		Name:     Name,
		Queue:    "harvest",
		Summary:  "Harvest a Primo brief search",
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

type response struct {
	Errors []struct {
		Code    string `xml:"CODE,attr"`
		Message string `xml:"MESSAGE,attr"`
	} `xml:"JAGROOT>RESULT>ERROR"`
	DocSet struct {
		TotalHits int   `xml:"TOTALHITS,attr"`
		Docs      []doc `xml:"DOC"`
	} `xml:"JAGROOT>RESULT>DOCSET"`
}

type doc struct {
	RecordID string `xml:"PrimoNMBib>record>control>recordid"`
	Inner    []byte `xml:",innerxml"`
}

// window fetches bulk hits starting at indx (1-based).
func (h *Harvester) window(ctx context.Context, query string, indx, bulk int) (*response, error) {
	params := map[string]string{
		"query":    query,
		"indx":     strconv.Itoa(indx),
		"bulkSize": strconv.Itoa(bulk),
	}
	if h.opts.Institution != "" {
		params["institution"] = h.opts.Institution
	}
	for k, v := range h.opts.Params {
		params[k] = v
	}
	resp, err := harvest.Get(ctx, h.http, Name, h.opts.URL, params)
	if err != nil {
		return nil, err
	}
	var r response
	if err := xml.Unmarshal(resp.Body(), &r); err != nil {
		return nil, &harvest.Error{Harvester: Name, URL: resp.Request.URL, Status: resp.StatusCode(), Message: "unparseable window: " + err.Error()}
	}
	if len(r.Errors) > 0 {
		return nil, &Error{Code: r.Errors[0].Code, Message: r.Errors[0].Message}
	}
	return &r, nil
}

// windows reads the total once from the first window and then walks the
// rest by index.
func (h *Harvester) windows(ctx context.Context) iter.Seq2[[]doc, error] {
	return func(yield func([]doc, error) bool) {
		total := -1
		for indx := 1; total < 0 || indx <= total; indx += h.opts.BulkSize {
			r, err := h.window(ctx, h.opts.Query, indx, h.opts.BulkSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if total < 0 {
				total = r.DocSet.TotalHits
			}
			if len(r.DocSet.Docs) == 0 {
				return
			}
			if !yield(r.DocSet.Docs, nil) {
				return
			}
		}
	}
}

func toRecord(d doc) (harvest.Record, error) {
	if d.RecordID == "" {
		return harvest.Record{}, &harvest.RecordError{Content: d.Inner, Err: errors.New("no recordid in PNX control section")}
	}
	return harvest.Record{ID: d.RecordID, Content: d.Inner, ContentType: "application/xml"}, nil
}

func (h *Harvester) Records(ctx context.Context) iter.Seq2[harvest.Record, error] {
	return func(yield func(harvest.Record, error) bool) {
		for docs, err := range h.windows(ctx) {
			if err != nil {
				yield(harvest.Record{}, err)
				return
			}
			for _, d := range docs {
				if !yield(toRecord(d)) {
					return
				}
			}
		}
	}
}

func (h *Harvester) RecordIDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for docs, err := range h.windows(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			for _, d := range docs {
				if d.RecordID == "" {
					continue
				}
				if !yield(d.RecordID, nil) {
					return
				}
			}
		}
	}
}

func (h *Harvester) GetRecord(ctx context.Context, id string) (harvest.Record, error) {
	r, err := h.window(ctx, "rid,exact,"+id, 1, 1)
	if err != nil {
		return harvest.Record{}, err
	}
	if len(r.DocSet.Docs) == 0 {
		return harvest.Record{}, fmt.Errorf("%s: record %s not found", Name, id)
	}
	return toRecord(r.DocSet.Docs[0])
}

func (h *Harvester) Count(ctx context.Context) (int, error) {
	r, err := h.window(ctx, h.opts.Query, 1, 1)
	if err != nil {
		return 0, err
	}
	return r.DocSet.TotalHits, nil
}
