package rdf

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	s := IRI("http://example.org/items/1")
	g := NewGraph(
		Triple{s, IRI("http://purl.org/dc/terms/title"), Literal("A \"quoted\"\ntitle")},
		Triple{s, IRI("http://purl.org/dc/terms/language"), LangLiteral("Deutsch", "DE")},
		Triple{s, IRI("http://www.w3.org/ns/prov#invalidatedAtTime"), DateTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))},
		Triple{Blank("b0"), IRI("http://example.org/p"), s},
	)

	data := Marshal(g)
	assert.Contains(t, string(data), `"A \"quoted\"\ntitle"`)
	assert.Contains(t, string(data), `"Deutsch"@de`)
	assert.Contains(t, string(data), `^^<http://www.w3.org/2001/XMLSchema#dateTime>`)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, g.Triples(), back.Triples())
}

func TestDecodeSkipsCommentsAndBlankLines(t *testing.T) {
	doc := `
# header
<http://a> <http://p> "x" . # trailing

<http://a> <http://p> "x"^^<http://www.w3.org/2001/XMLSchema#string> .
_:n1 <http://p> "café" .
`
	g, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len(), "plain and xsd:string literals are the same term")
	objs := g.Objects(Blank("n1"), IRI("http://p"))
	require.Len(t, objs, 1)
	assert.Equal(t, "café", objs[0].Value)
}

func TestDecodeLongLinesAndLineNumbers(t *testing.T) {
	big := strings.Repeat("x", 17<<20)
	doc := "<http://a> <http://p> \"" + big + "\" .\r\n<http://a> <http://q> \"y\" ."
	g, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())
	assert.Len(t, g.Objects(IRI("http://a"), IRI("http://p"))[0].Value, len(big))

	_, err = Decode(strings.NewReader("<http://a> <http://p> \"" + big + "\" .\n\n<bad"))
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Line)
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"literal subject":  `"x" <http://p> <http://o> .`,
		"missing dot":      `<http://s> <http://p> <http://o>`,
		"blank predicate":  `<http://s> _:p <http://o> .`,
		"unterminated iri": `<http://s`,
		"trailing junk":    `<http://s> <http://p> <http://o> . <x>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc))
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 1, se.Line)
		})
	}
}

func TestGraphDeleteAndMatch(t *testing.T) {
	s := IRI("http://s")
	gen := IRI("http://www.w3.org/ns/prov#wasGeneratedBy")
	g := NewGraph(
		Triple{s, gen, IRI("http://act/1")},
		Triple{s, gen, IRI("http://act/2")},
		Triple{s, IRI("http://p"), Literal("keep")},
	)
	assert.False(t, g.Add(Triple{s, gen, IRI("http://act/1")}))
	assert.Equal(t, 2, g.Delete(s, gen, Term{}))
	assert.Equal(t, 1, g.Len())
	assert.True(t, g.Has(s, IRI("http://p"), Term{}))
	assert.True(t, g.Add(Triple{s, gen, IRI("http://act/3")}))
	assert.Equal(t, []Term{IRI("http://act/3")}, g.Objects(s, gen))
}

func TestTermTime(t *testing.T) {
	ts := time.Date(2023, 1, 2, 3, 4, 5, 600, time.UTC)
	got, ok := DateTime(ts).Time()
	require.True(t, ok)
	assert.True(t, ts.Equal(got))
	_, ok = Literal("2023-01-02").Time()
	assert.False(t, ok)
}
