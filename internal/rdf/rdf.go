// Package rdf holds the small RDF model that resources, lineage statements
// and tombstones are expressed in.
package rdf

import (
	"sort"
	"strings"
	"time"
)

const (
	XSDString   = "http://www.w3.org/2001/XMLSchema#string"
	XSDDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
	langString  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#langString"
)

// Kind discriminates the three RDF term forms.
type Kind uint8

const (
	KindIRI Kind = iota + 1
	KindBlank
	KindLiteral
)

func (k Kind) String() string {
	switch k {
	case KindIRI:
		return "iri"
	case KindBlank:
		return "blank"
	case KindLiteral:
		return "literal"
	default:
		return "unknown"
	}
}

// Term is an IRI, a blank node or a literal.
type Term struct {
	Kind     Kind
	Value    string
	Datatype string
	Lang     string
}

func IRI(v string) Term   { return Term{Kind: KindIRI, Value: v} }
func Blank(id string) Term { return Term{Kind: KindBlank, Value: id} }

// Literal is a plain xsd:string literal.
func Literal(v string) Term { return Term{Kind: KindLiteral, Value: v} }

func TypedLiteral(v, datatype string) Term {
	if datatype == XSDString {
		datatype = ""
	}
	return Term{Kind: KindLiteral, Value: v, Datatype: datatype}
}

func LangLiteral(v, lang string) Term {
	return Term{Kind: KindLiteral, Value: v, Lang: strings.ToLower(lang)}
}

// DateTime is an xsd:dateTime literal in UTC.
func DateTime(t time.Time) Term {
	return TypedLiteral(t.UTC().Format(time.RFC3339Nano), XSDDateTime)
}

func (t Term) IsZero() bool  { return t.Kind == 0 }
func (t Term) IsIRI() bool   { return t.Kind == KindIRI }
func (t Term) IsBlank() bool { return t.Kind == KindBlank }

// Time parses an xsd:dateTime literal.
func (t Term) Time() (time.Time, bool) {
	if t.Kind != KindLiteral || t.Datatype != XSDDateTime {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, t.Value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// String renders the term in N-Triples syntax.
func (t Term) String() string {
	var b strings.Builder
	writeTerm(&b, t)
	return b.String()
}

// Triple is one statement.
type Triple struct {
	Subject   Term
	Predicate Term
	Object    Term
}

func (tr Triple) String() string {
	var b strings.Builder
	writeTriple(&b, tr)
	return strings.TrimSuffix(b.String(), "\n")
}

// Graph is a set of triples that keeps insertion order.
type Graph struct {
	triples []Triple
	index   map[Triple]int
}

func NewGraph(triples ...Triple) *Graph {
	g := &Graph{index: make(map[Triple]int)}
	for _, t := range triples {
		g.Add(t)
	}
	return g
}

// Add inserts t unless an identical statement is present. It reports whether
// the graph changed.
func (g *Graph) Add(t Triple) bool {
	if g.index == nil {
		g.index = make(map[Triple]int)
	}
	if _, ok := g.index[t]; ok {
		return false
	}
	g.index[t] = len(g.triples)
	g.triples = append(g.triples, t)
	return true
}

// Delete removes every triple matching the pattern; zero terms are wildcards.
func (g *Graph) Delete(s, p, o Term) int {
	kept := g.triples[:0]
	removed := 0
	for _, t := range g.triples {
		if matches(t, s, p, o) {
			delete(g.index, t)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	g.triples = kept
	if removed > 0 {
		for i, t := range g.triples {
			g.index[t] = i
		}
	}
	return removed
}

// Match returns the triples matching the pattern; zero terms are wildcards.
func (g *Graph) Match(s, p, o Term) []Triple {
	var out []Triple
	for _, t := range g.triples {
		if matches(t, s, p, o) {
			out = append(out, t)
		}
	}
	return out
}

// Objects returns the objects of (s, p, ?o) in insertion order.
func (g *Graph) Objects(s, p Term) []Term {
	var out []Term
	for _, t := range g.Match(s, p, Term{}) {
		out = append(out, t.Object)
	}
	return out
}

func (g *Graph) Has(s, p, o Term) bool { return len(g.Match(s, p, o)) > 0 }

func (g *Graph) Len() int { return len(g.triples) }

// Triples returns a copy of the statements.
func (g *Graph) Triples() []Triple {
	return append([]Triple(nil), g.triples...)
}

// Subjects returns the distinct subjects, sorted.
func (g *Graph) Subjects() []Term {
	seen := map[Term]struct{}{}
	var out []Term
	for _, t := range g.triples {
		if _, ok := seen[t.Subject]; ok {
			continue
		}
		seen[t.Subject] = struct{}{}
		out = append(out, t.Subject)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

func matches(t Triple, s, p, o Term) bool {
	return (s.IsZero() || t.Subject == s) &&
		(p.IsZero() || t.Predicate == p) &&
		(o.IsZero() || t.Object == o)
}
