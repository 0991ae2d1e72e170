// Package oai harvests OAI-PMH repositories, following resumption tokens
// across one or more sets.
package oai

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"harvestline/internal/agent"
	"harvestline/internal/harvest"
)

const Name = "oai"

// Options configure an OAI-PMH harvest.
type Options struct {
	harvest.Options
	Endpoint       string   `json:"endpoint"`
	MetadataPrefix string   `json:"metadata_prefix,omitempty"`
	Sets           []string `json:"sets,omitempty"`
	// SkipSets is only honoured when Sets is empty: every advertised set
	// except these is harvested.
	SkipSets []string `json:"skip_sets,omitempty"`
	From     string   `json:"from,omitempty"`
	Until    string   `json:"until,omitempty"`
}

func (o *Options) Validate() error {
	if o.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if o.MetadataPrefix == "" {
		o.MetadataPrefix = "oai_dc"
	}
	return o.Options.Validate()
}

// ProtocolError is an OAI-PMH error element other than noRecordsMatch.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("oai-pmh error %s: %s", e.Code, e.Message)
}

// Harvester talks OAI-PMH to one endpoint.
type Harvester struct {
	opts Options
	http *resty.Client
}

func New(opts Options, client *resty.Client) *Harvester {
	if opts.MetadataPrefix == "" {
		opts.MetadataPrefix = "oai_dc"
	}
	return &Harvester{opts: opts, http: client}
}

func (h *Harvester) Name() string { return Name }

// Definition registers the OAI-PMH harvester as an agent.
func Definition(client *resty.Client, originals *harvest.Originals) agent.Definition {
	return agent.Definition{
		Name:     Name,
		Queue:    "harvest",
		Summary:  "Harvest an OAI-PMH repository",
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

type envelope struct {
	Errors          []oaiError `xml:"error"`
	ListIdentifiers struct {
		Headers []header `xml:"header"`
		Token   *token   `xml:"resumptionToken"`
	} `xml:"ListIdentifiers"`
	ListRecords struct {
		Records []record `xml:"record"`
		Token   *token   `xml:"resumptionToken"`
	} `xml:"ListRecords"`
	GetRecord struct {
		Records []record `xml:"record"`
	} `xml:"GetRecord"`
	ListSets struct {
		Sets []struct {
			Spec string `xml:"setSpec"`
			Name string `xml:"setName"`
		} `xml:"set"`
		Token *token `xml:"resumptionToken"`
	} `xml:"ListSets"`
}

type oaiError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type header struct {
	Status     string `xml:"status,attr"`
	Identifier string `xml:"identifier"`
	Datestamp  string `xml:"datestamp"`
}

type record struct {
	Header header `xml:"header"`
	Inner  string `xml:",innerxml"`
}

type token struct {
	Value            string `xml:",chardata"`
	CompleteListSize string `xml:"completeListSize,attr"`
}

func (t *token) next() string {
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.Value)
}

func (t *token) size() (int, bool) {
	if t == nil || t.CompleteListSize == "" {
		return 0, false
	}
	n, err := strconv.Atoi(t.CompleteListSize)
	return n, err == nil
}

const recordNS = "http://www.openarchives.org/OAI/2.0/"

// request fetches one page. A noRecordsMatch error is reported as empty=true.
func (h *Harvester) request(ctx context.Context, params map[string]string) (env *envelope, empty bool, err error) {
	resp, err := harvest.Get(ctx, h.http, Name, h.opts.Endpoint, params)
	if err != nil {
		return nil, false, err
	}
	env = &envelope{}
	if err := xml.Unmarshal(resp.Body(), env); err != nil {
		return nil, false, &harvest.Error{Harvester: Name, URL: resp.Request.URL, Status: resp.StatusCode(), Message: "unparseable response: " + err.Error()}
	}
	for _, e := range env.Errors {
		if e.Code == "noRecordsMatch" {
			return env, true, nil
		}
		return nil, false, &ProtocolError{Code: e.Code, Message: strings.TrimSpace(e.Message)}
	}
	return env, false, nil
}

// partitions returns the set specs to walk; a nil entry means "no set".
func (h *Harvester) partitions(ctx context.Context) ([]*string, error) {
	if len(h.opts.Sets) > 0 {
		out := make([]*string, len(h.opts.Sets))
		for i := range h.opts.Sets {
			out[i] = &h.opts.Sets[i]
		}
		return out, nil
	}
	if len(h.opts.SkipSets) == 0 {
		return []*string{nil}, nil
	}
	var out []*string
	for spec, err := range h.ListSets(ctx) {
		if err != nil {
			return nil, err
		}
		if slices.Contains(h.opts.SkipSets, spec) {
			continue
		}
		out = append(out, &spec)
	}
	return out, nil
}

func (h *Harvester) listParams(verb string, set *string) map[string]string {
	if verb == "ListSets" {
		return map[string]string{"verb": verb}
	}
	p := map[string]string{"verb": verb, "metadataPrefix": h.opts.MetadataPrefix}
	if set != nil {
		p["set"] = *set
	}
	if h.opts.From != "" {
		p["from"] = h.opts.From
	}
	if h.opts.Until != "" {
		p["until"] = h.opts.Until
	}
	return p
}

// pages walks the resumption tokens of one list request.
func (h *Harvester) pages(ctx context.Context, verb string, set *string) iter.Seq2[*envelope, error] {
	return func(yield func(*envelope, error) bool) {
		params := h.listParams(verb, set)
		for {
			env, empty, err := h.request(ctx, params)
			if err != nil {
				yield(nil, err)
				return
			}
			if empty {
				return
			}
			if !yield(env, nil) {
				return
			}
			var tok *token
			switch verb {
			case "ListIdentifiers":
				tok = env.ListIdentifiers.Token
			case "ListRecords":
				tok = env.ListRecords.Token
			case "ListSets":
				tok = env.ListSets.Token
			}
			next := tok.next()
			if next == "" {
				return
			}
			params = map[string]string{"verb": verb, "resumptionToken": next}
		}
	}
}

// ListSets yields the set specs the repository advertises.
func (h *Harvester) ListSets(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for env, err := range h.pages(ctx, "ListSets", nil) {
			if err != nil {
				yield("", err)
				return
			}
			for _, s := range env.ListSets.Sets {
				if !yield(strings.TrimSpace(s.Spec), nil) {
					return
				}
			}
		}
	}
}

func (h *Harvester) RecordIDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		parts, err := h.partitions(ctx)
		if err != nil {
			yield("", err)
			return
		}
		for _, set := range parts {
			for env, err := range h.pages(ctx, "ListIdentifiers", set) {
				if err != nil {
					yield("", err)
					return
				}
				for _, hd := range env.ListIdentifiers.Headers {
					if !yield(strings.TrimSpace(hd.Identifier), nil) {
						return
					}
				}
			}
		}
	}
}

func (h *Harvester) Records(ctx context.Context) iter.Seq2[harvest.Record, error] {
	return func(yield func(harvest.Record, error) bool) {
		parts, err := h.partitions(ctx)
		if err != nil {
			yield(harvest.Record{}, err)
			return
		}
		for _, set := range parts {
			for env, err := range h.pages(ctx, "ListRecords", set) {
				if err != nil {
					yield(harvest.Record{}, err)
					return
				}
				for _, r := range env.ListRecords.Records {
					if !yield(toRecord(r)) {
						return
					}
				}
			}
		}
	}
}

func toRecord(r record) (harvest.Record, error) {
	content := []byte(`<record xmlns="` + recordNS + `">` + r.Inner + `</record>`)
	id := strings.TrimSpace(r.Header.Identifier)
	if id == "" {
		return harvest.Record{}, &harvest.RecordError{Content: content, Err: errors.New("record header has no identifier")}
	}
	return harvest.Record{
		ID:          id,
		Content:     content,
		ContentType: "application/xml",
		Deleted:     r.Header.Status == "deleted",
	}, nil
}

func (h *Harvester) GetRecord(ctx context.Context, id string) (harvest.Record, error) {
	env, empty, err := h.request(ctx, map[string]string{"verb": "GetRecord", "identifier": id, "metadataPrefix": h.opts.MetadataPrefix})
	if err != nil {
		return harvest.Record{}, err
	}
	if empty || len(env.GetRecord.Records) == 0 {
		return harvest.Record{}, &ProtocolError{Code: "idDoesNotExist", Message: id}
	}
	return toRecord(env.GetRecord.Records[0])
}

// Count uses completeListSize from the first page of each partition and
// falls back to counting identifiers when the repository omits it.
func (h *Harvester) Count(ctx context.Context) (int, error) {
	parts, err := h.partitions(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, set := range parts {
		env, empty, err := h.request(ctx, h.listParams("ListIdentifiers", set))
		if err != nil {
			return 0, err
		}
		if empty {
			continue
		}
		n, ok := env.ListIdentifiers.Token.size()
		if !ok {
			if env.ListIdentifiers.Token.next() != "" {
				return harvest.CountIDs(ctx, h)
			}
			n = len(env.ListIdentifiers.Headers)
		}
		total += n
	}
	return total, nil
}
