package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"harvestline/internal/harvest"
	"harvestline/internal/rdf"
)

// JSONFields maps a JSON object record to one statement per scalar field,
// with predicate Vocab+field. Nested objects are flattened with dotted
// names; arrays give one statement per scalar element.
type JSONFields struct {
	Vocab string
}

func (m JSONFields) Process(_ context.Context, rec harvest.Record, subject rdf.Term) (*rdf.Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(rec.Content))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("record %s is not a JSON object: %w", rec.ID, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("record %s is not a JSON object", rec.ID)
	}
	g := rdf.NewGraph()
	m.flatten(g, subject, "", obj)
	return g, nil
}

func (m JSONFields) flatten(g *rdf.Graph, subject rdf.Term, prefix string, v any) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			m.flatten(g, subject, name, x[k])
		}
	case []any:
		for _, el := range x {
			m.flatten(g, subject, prefix, el)
		}
	case nil:
	default:
		if prefix == "" {
			return
		}
		g.Add(rdf.Triple{Subject: subject, Predicate: rdf.IRI(m.Vocab + url.PathEscape(prefix)), Object: literal(x)})
	}
}

func literal(v any) rdf.Term {
	switch x := v.(type) {
	case string:
		return rdf.Literal(x)
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return rdf.TypedLiteral(x.String(), "http://www.w3.org/2001/XMLSchema#integer")
		}
		return rdf.TypedLiteral(x.String(), "http://www.w3.org/2001/XMLSchema#decimal")
	case bool:
		return rdf.TypedLiteral(fmt.Sprint(x), "http://www.w3.org/2001/XMLSchema#boolean")
	}
	return rdf.Literal(fmt.Sprint(v))
}

// StripWhitespace trims literals and collapses internal runs of whitespace.
// Literals left empty are dropped.
type StripWhitespace struct{}

func (StripWhitespace) Enrich(_ context.Context, subject rdf.Term, g *rdf.Graph) (*rdf.Graph, error) {
	out := rdf.NewGraph()
	for _, t := range g.Triples() {
		if t.Object.Kind == rdf.KindLiteral {
			t.Object.Value = strings.Join(strings.Fields(t.Object.Value), " ")
			if t.Object.Value == "" && t.Subject == subject {
				continue
			}
		}
		out.Add(t)
	}
	return out, nil
}

// JSONL is an index sink appending one document per line to a file.
// Documents are buffered until Commit.
type JSONL struct {
	Path string

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func NewJSONL(path string) *JSONL { return &JSONL{Path: path} }

func (s *JSONL) open() error {
	if s.w != nil {
		return nil
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open index %s: %w", s.Path, err)
	}
	s.f, s.w = f, bufio.NewWriter(f)
	return nil
}

func (s *JSONL) Add(ctx context.Context, doc json.RawMessage) error {
	return s.BulkAdd(ctx, []json.RawMessage{doc})
}

func (s *JSONL) BulkAdd(_ context.Context, docs []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return err
	}
	for _, d := range docs {
		var buf bytes.Buffer
		if err := json.Compact(&buf, d); err != nil {
			return fmt.Errorf("index document: %w", err)
		}
		buf.WriteByte('\n')
		if _, err := s.w.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONL) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

// Close commits and releases the file.
func (s *JSONL) Close() error {
	err := s.Commit(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return err
	}
	cerr := s.f.Close()
	s.f, s.w = nil, nil
	return errors.Join(err, cerr)
}
