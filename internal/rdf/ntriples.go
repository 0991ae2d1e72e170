package rdf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MediaType is the content type of N-Triples documents.
const MediaType = "application/n-triples"

// SyntaxError reports a malformed N-Triples line.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("n-triples line %d: %s", e.Line, e.Msg)
}

// Encode writes the graph as N-Triples, one statement per line.
func Encode(w io.Writer, g *Graph) error {
	bw := bufio.NewWriter(w)
	var b strings.Builder
	for _, t := range g.triples {
		b.Reset()
		writeTriple(&b, t)
		if _, err := bw.WriteString(b.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Marshal is Encode into a byte slice.
func Marshal(g *Graph) []byte {
	var buf bytes.Buffer
	_ = Encode(&buf, g)
	return buf.Bytes()
}

// Decode reads an N-Triples document. Lines may be of any length.
func Decode(r io.Reader) (*Graph, error) {
	g := NewGraph()
	br := bufio.NewReader(r)
	for n := 1; ; n++ {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if line != "" {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			t, ok, perr := parseLine(line)
			if perr != nil {
				return nil, &SyntaxError{Line: n, Msg: perr.Error()}
			}
			if ok {
				g.Add(t)
			}
		}
		if err == io.EOF {
			return g, nil
		}
	}
}

// Unmarshal is Decode over a byte slice.
func Unmarshal(data []byte) (*Graph, error) {
	return Decode(bytes.NewReader(data))
}

func writeTriple(b *strings.Builder, t Triple) {
	writeTerm(b, t.Subject)
	b.WriteByte(' ')
	writeTerm(b, t.Predicate)
	b.WriteByte(' ')
	writeTerm(b, t.Object)
	b.WriteString(" .\n")
}

func writeTerm(b *strings.Builder, t Term) {
	switch t.Kind {
	case KindIRI:
		b.WriteByte('<')
		for _, r := range t.Value {
			if r <= 0x20 || strings.ContainsRune("<>\"{}|^`\\", r) {
				fmt.Fprintf(b, "\\u%04X", r)
				continue
			}
			b.WriteRune(r)
		}
		b.WriteByte('>')
	case KindBlank:
		b.WriteString("_:")
		b.WriteString(t.Value)
	case KindLiteral:
		b.WriteByte('"')
		for _, r := range t.Value {
			switch r {
			case '\\':
				b.WriteString(`\\`)
			case '"':
				b.WriteString(`\"`)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				b.WriteRune(r)
			}
		}
		b.WriteByte('"')
		switch {
		case t.Lang != "":
			b.WriteByte('@')
			b.WriteString(t.Lang)
		case t.Datatype != "" && t.Datatype != XSDString:
			b.WriteString("^^<")
			b.WriteString(t.Datatype)
			b.WriteByte('>')
		}
	}
}

type lineParser struct {
	s   string
	pos int
}

func parseLine(line string) (Triple, bool, error) {
	p := &lineParser{s: line}
	p.skipSpace()
	if p.eof() || p.peek() == '#' {
		return Triple{}, false, nil
	}
	var t Triple
	var err error
	if t.Subject, err = p.term(); err != nil {
		return t, false, err
	}
	if t.Subject.Kind == KindLiteral {
		return t, false, fmt.Errorf("subject cannot be a literal")
	}
	p.skipSpace()
	if t.Predicate, err = p.term(); err != nil {
		return t, false, err
	}
	if t.Predicate.Kind != KindIRI {
		return t, false, fmt.Errorf("predicate must be an IRI")
	}
	p.skipSpace()
	if t.Object, err = p.term(); err != nil {
		return t, false, err
	}
	p.skipSpace()
	if p.eof() || p.peek() != '.' {
		return t, false, fmt.Errorf("expected '.' at column %d", p.pos+1)
	}
	p.pos++
	p.skipSpace()
	if !p.eof() && p.peek() != '#' {
		return t, false, fmt.Errorf("unexpected trailing content at column %d", p.pos+1)
	}
	return t, true, nil
}

func (p *lineParser) eof() bool  { return p.pos >= len(p.s) }
func (p *lineParser) peek() byte { return p.s[p.pos] }

func (p *lineParser) skipSpace() {
	for !p.eof() && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *lineParser) term() (Term, error) {
	if p.eof() {
		return Term{}, fmt.Errorf("unexpected end of line")
	}
	switch p.peek() {
	case '<':
		v, err := p.iri()
		return IRI(v), err
	case '_':
		if !strings.HasPrefix(p.s[p.pos:], "_:") {
			return Term{}, fmt.Errorf("bad blank node at column %d", p.pos+1)
		}
		p.pos += 2
		start := p.pos
		for !p.eof() && p.s[p.pos] != ' ' && p.s[p.pos] != '\t' {
			p.pos++
		}
		label := strings.TrimSuffix(p.s[start:p.pos], ".")
		p.pos = start + len(label)
		if label == "" {
			return Term{}, fmt.Errorf("empty blank node label")
		}
		return Blank(label), nil
	case '"':
		return p.literal()
	default:
		return Term{}, fmt.Errorf("unexpected %q at column %d", p.peek(), p.pos+1)
	}
}

func (p *lineParser) iri() (string, error) {
	p.pos++
	var b strings.Builder
	for !p.eof() {
		c := p.s[p.pos]
		switch c {
		case '>':
			p.pos++
			return b.String(), nil
		case '\\':
			r, err := p.escape(false)
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
		default:
			r, size := utf8.DecodeRuneInString(p.s[p.pos:])
			b.WriteRune(r)
			p.pos += size
		}
	}
	return "", fmt.Errorf("unterminated IRI")
}

func (p *lineParser) literal() (Term, error) {
	p.pos++
	var b strings.Builder
	closed := false
	for !p.eof() && !closed {
		c := p.s[p.pos]
		switch c {
		case '"':
			p.pos++
			closed = true
		case '\\':
			r, err := p.escape(true)
			if err != nil {
				return Term{}, err
			}
			b.WriteRune(r)
		default:
			r, size := utf8.DecodeRuneInString(p.s[p.pos:])
			b.WriteRune(r)
			p.pos += size
		}
	}
	if !closed {
		return Term{}, fmt.Errorf("unterminated literal")
	}
	value := b.String()
	if p.eof() {
		return Literal(value), nil
	}
	switch {
	case p.peek() == '@':
		p.pos++
		start := p.pos
		for !p.eof() && (isAlnum(p.s[p.pos]) || p.s[p.pos] == '-') {
			p.pos++
		}
		if start == p.pos {
			return Term{}, fmt.Errorf("empty language tag")
		}
		return LangLiteral(value, p.s[start:p.pos]), nil
	case strings.HasPrefix(p.s[p.pos:], "^^"):
		p.pos += 2
		if p.eof() || p.peek() != '<' {
			return Term{}, fmt.Errorf("datatype must be an IRI")
		}
		dt, err := p.iri()
		if err != nil {
			return Term{}, err
		}
		if dt == langString {
			return Term{}, fmt.Errorf("rdf:langString requires a language tag")
		}
		return TypedLiteral(value, dt), nil
	}
	return Literal(value), nil
}

func (p *lineParser) escape(literal bool) (rune, error) {
	if p.pos+1 >= len(p.s) {
		return 0, fmt.Errorf("dangling escape")
	}
	c := p.s[p.pos+1]
	p.pos += 2
	switch c {
	case 'u', 'U':
		n := 4
		if c == 'U' {
			n = 8
		}
		if p.pos+n > len(p.s) {
			return 0, fmt.Errorf("short unicode escape")
		}
		v, err := strconv.ParseUint(p.s[p.pos:p.pos+n], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("bad unicode escape: %w", err)
		}
		p.pos += n
		return rune(v), nil
	}
	if !literal {
		return 0, fmt.Errorf("invalid IRI escape \\%c", c)
	}
	switch c {
	case 't':
		return '\t', nil
	case 'b':
		return '\b', nil
	case 'n':
		return '\n', nil
	case 'r':
		return '\r', nil
	case 'f':
		return '\f', nil
	case '"':
		return '"', nil
	case '\'':
		return '\'', nil
	case '\\':
		return '\\', nil
	}
	return 0, fmt.Errorf("invalid escape \\%c", c)
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
