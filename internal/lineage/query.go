package lineage

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"harvestline/internal/db"
	"harvestline/internal/rdf"
)

// Repository answers "what did activity X generate".
type Repository interface {
	FindGeneratedBy(ctx context.Context, activityURI string, includeInvalidated bool) iter.Seq2[string, error]
}

// Query selects every ?record generated by ActivityURI. Unless
// IncludeInvalidated is set, records carrying an invalidatedAtTime
// statement are excluded.
type Query struct {
	ActivityURI        string
	IncludeInvalidated bool
	// Limit and Offset page the solutions; zero Limit means unbounded.
	Limit  int
	Offset int
}

// Var is the projected variable name.
const Var = "record"

func (q Query) validate() error {
	if strings.TrimSpace(q.ActivityURI) == "" {
		return fmt.Errorf("lineage query: activity uri is required")
	}
	return nil
}

// SPARQL renders the query as a SPARQL 1.1 SELECT.
func (q Query) SPARQL() (string, error) {
	if err := q.validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "PREFIX prov: <%s>\n", PROV)
	fmt.Fprintf(&b, "SELECT DISTINCT ?%s WHERE {\n", Var)
	fmt.Fprintf(&b, "  ?%s prov:wasGeneratedBy %s .\n", Var, rdf.IRI(q.ActivityURI))
	if !q.IncludeInvalidated {
		fmt.Fprintf(&b, "  FILTER NOT EXISTS { ?%s prov:invalidatedAtTime ?invalidated }\n", Var)
	}
	b.WriteString("}")
	if q.Limit > 0 {
		fmt.Fprintf(&b, "\nORDER BY ?%s\nLIMIT %d", Var, q.Limit)
		if q.Offset > 0 {
			fmt.Fprintf(&b, "\nOFFSET %d", q.Offset)
		}
	}
	return b.String(), nil
}

// SQL renders the query against the graph store's statements table.
func (q Query) SQL(d db.Dialect) (string, []any, error) {
	if err := q.validate(); err != nil {
		return "", nil, err
	}
	query := `SELECT DISTINCT s.subject FROM statements s WHERE s.predicate=? AND s.object=? AND s.object_kind=?`
	args := []any{WasGeneratedBy, q.ActivityURI, rdf.KindIRI.String()}
	if !q.IncludeInvalidated {
		query += ` AND NOT EXISTS (SELECT 1 FROM statements i WHERE i.subject=s.subject AND i.predicate=?)`
		args = append(args, InvalidatedAtTime)
	}
	query += ` ORDER BY s.subject`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	}
	return d.Rebind(query), args, nil
}
