package store

import (
	"context"
	"iter"

	"harvestline/internal/lineage"
)

var _ lineage.Repository = (*Lineage)(nil)

// Lineage answers lineage queries straight from the statements table.
type Lineage struct {
	Store    *Store
	PageSize int
}

func NewLineage(s *Store) *Lineage { return &Lineage{Store: s, PageSize: 500} }

// FindGeneratedBy pages through the matching subjects; each page is read
// fully and its rows closed before it is yielded.
func (l *Lineage) FindGeneratedBy(ctx context.Context, activityURI string, includeInvalidated bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		q := lineage.Query{ActivityURI: activityURI, IncludeInvalidated: includeInvalidated, Limit: l.PageSize}
		for {
			page, err := l.page(ctx, q)
			if err != nil {
				yield("", err)
				return
			}
			for _, uri := range page {
				if !yield(uri, nil) {
					return
				}
			}
			if q.Limit <= 0 || len(page) < q.Limit {
				return
			}
			q.Offset += len(page)
		}
	}
}

func (l *Lineage) page(ctx context.Context, q lineage.Query) ([]string, error) {
	text, args, err := q.SQL(l.Store.Dialect)
	if err != nil {
		return nil, err
	}
	rows, err := l.Store.DB.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		out = append(out, uri)
	}
	return out, rows.Err()
}
