// Package store is a small HTTP graph store: resources are addressed by URI,
// versioned by entity tag, tombstoned on delete, and N-Triples bodies are
// indexed into a statements table for lineage queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/rdf"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrGone               = errors.New("resource gone")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Store persists resources in the resources and statements tables.
type Store struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect) *Store {
	return &Store{DB: conn, Dialect: dialect, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) q(query string) string { return s.Dialect.Rebind(query) }

// Get returns the resource. Tombstoned rows come back with ErrGone.
func (s *Store) Get(ctx context.Context, uri string) (domain.StoredResource, error) {
	return s.get(ctx, s.DB, uri)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, uri string) (domain.StoredResource, error) {
	var (
		res      domain.StoredResource
		modified string
		deleted  sql.NullString
	)
	err := q.QueryRowContext(ctx, s.q(`SELECT uri,content_type,body,etag,last_modified,deleted_at FROM resources WHERE uri=?`), uri).
		Scan(&res.URI, &res.ContentType, &res.Body, &res.ETag, &modified, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrNotFound
	}
	if err != nil {
		return res, fmt.Errorf("get resource %s: %w", uri, err)
	}
	if res.LastModified, err = time.Parse(time.RFC3339Nano, modified); err != nil {
		return res, fmt.Errorf("parse last_modified of %s: %w", uri, err)
	}
	if deleted.Valid {
		t, err := time.Parse(time.RFC3339Nano, deleted.String)
		if err != nil {
			return res, fmt.Errorf("parse deleted_at of %s: %w", uri, err)
		}
		res.DeletedAt = &t
		return res, ErrGone
	}
	return res, nil
}

// PutResult describes a successful write.
type PutResult struct {
	Resource domain.StoredResource
	Created  bool
}

// Put creates or replaces a resource. A non-empty ifMatch must equal the
// current entity tag ("*" matches any live resource).
func (s *Store) Put(ctx context.Context, uri, contentType string, body []byte, ifMatch string) (PutResult, error) {
	var graph *rdf.Graph
	if isNTriples(contentType) {
		g, err := rdf.Unmarshal(body)
		if err != nil {
			return PutResult{}, err
		}
		graph = g
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return PutResult{}, err
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, uri)
	live := err == nil
	switch {
	case err == nil, errors.Is(err, ErrNotFound), errors.Is(err, ErrGone):
	default:
		return PutResult{}, err
	}
	if ifMatch != "" && (!live || (ifMatch != "*" && ifMatch != current.ETag)) {
		return PutResult{}, ErrPreconditionFailed
	}

	res := domain.StoredResource{
		URI:          uri,
		ContentType:  contentType,
		Body:         body,
		ETag:         newETag(),
		LastModified: s.Now().Truncate(time.Second),
	}
	if res.Body == nil {
		res.Body = []byte{}
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO resources(uri,content_type,body,etag,last_modified,deleted_at) VALUES (?,?,?,?,?,NULL)
ON CONFLICT(uri) DO UPDATE SET content_type=excluded.content_type, body=excluded.body, etag=excluded.etag, last_modified=excluded.last_modified, deleted_at=NULL`),
		res.URI, res.ContentType, res.Body, res.ETag, res.LastModified.Format(time.RFC3339Nano))
	if err != nil {
		return PutResult{}, fmt.Errorf("put resource %s: %w", uri, err)
	}
	if err := s.replaceStatements(ctx, tx, uri, graph); err != nil {
		return PutResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PutResult{}, err
	}
	return PutResult{Resource: res, Created: !live}, nil
}

// Delete tombstones a live resource and drops its statements.
func (s *Store) Delete(ctx context.Context, uri, ifMatch string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, uri)
	if err != nil {
		return err
	}
	if ifMatch != "" && ifMatch != "*" && ifMatch != current.ETag {
		return ErrPreconditionFailed
	}
	now := s.Now().Truncate(time.Second).Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE resources SET deleted_at=?, etag=?, last_modified=? WHERE uri=?`), now, newETag(), now, uri); err != nil {
		return fmt.Errorf("delete resource %s: %w", uri, err)
	}
	if err := s.replaceStatements(ctx, tx, uri, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) replaceStatements(ctx context.Context, tx *sql.Tx, uri string, g *rdf.Graph) error {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM statements WHERE resource_uri=?`), uri); err != nil {
		return fmt.Errorf("clear statements of %s: %w", uri, err)
	}
	if g == nil {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO statements(resource_uri,subject,predicate,object,object_kind) VALUES (?,?,?,?,?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range g.Triples() {
		if t.Subject.IsBlank() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, uri, t.Subject.Value, t.Predicate.Value, t.Object.Value, t.Object.Kind.String()); err != nil {
			return fmt.Errorf("index statement of %s: %w", uri, err)
		}
	}
	return nil
}

func newETag() string { return `"` + uuid.NewString() + `"` }

func isNTriples(contentType string) bool {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(mt) == rdf.MediaType
}
