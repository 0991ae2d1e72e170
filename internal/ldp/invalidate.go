package ldp

import (
	"context"
	"fmt"
	"sort"
	"time"

	"harvestline/internal/ctxlog"
	"harvestline/internal/lineage"
	"harvestline/internal/rdf"
)

// Invalidate tombstones the resource with an invalidatedAtTime statement and,
// when activityURI is set, a wasInvalidatedBy statement.
//
// The resource is re-read first unless the in-memory copy already shows it
// invalid. A concurrent writer surfaces as a 412; the resource is then read
// once more and, if the other writer invalidated it, treated as already
// invalid.
func (s *RDFSource) Invalidate(ctx context.Context, activityURI string, ignoreIfInvalid bool) error {
	exists, err := s.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("invalidate %s: %w", s.URI(), ErrNotExist)
	}
	if !s.Invalidated() {
		if err := s.Load(ctx, true); err != nil {
			return err
		}
	}
	if s.Invalidated() {
		return s.alreadyInvalid(ignoreIfInvalid)
	}

	subject := s.Subject()
	s.Graph.Add(rdf.Triple{Subject: subject, Predicate: lineage.InvalidatedAt, Object: rdf.DateTime(s.client.Now())})
	if activityURI != "" {
		s.Graph.Add(rdf.Triple{Subject: subject, Predicate: lineage.InvalidatedBy, Object: rdf.IRI(activityURI)})
	}
	err = s.Persist(ctx)
	if err == nil || !IsPreconditionFailed(err) {
		return err
	}
	ctxlog.FromContext(ctx).Warn("invalidation raced with another writer", "uri", s.URI())
	if lerr := s.Load(ctx, true); lerr != nil {
		return lerr
	}
	if s.Invalidated() {
		return s.alreadyInvalid(ignoreIfInvalid)
	}
	return err
}

func (s *RDFSource) alreadyInvalid(ignore bool) error {
	if ignore {
		return nil
	}
	return fmt.Errorf("invalidate %s: %w", s.URI(), ErrAlreadyInvalid)
}

// Invalidated reports whether the in-memory graph carries a tombstone.
func (s *RDFSource) Invalidated() bool {
	return s.Graph.Has(s.Subject(), lineage.InvalidatedAt, rdf.Term{})
}

// InvalidatedAtTime returns the earliest invalidation timestamp.
func (s *RDFSource) InvalidatedAtTime() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, o := range s.Graph.Objects(s.Subject(), lineage.InvalidatedAt) {
		t, ok := o.Time()
		if !ok {
			continue
		}
		if !found || t.Before(earliest) {
			earliest, found = t, true
		}
	}
	return earliest, found
}

// InvalidatedBy returns the lexically first invalidating activity URI.
func (s *RDFSource) InvalidatedBy() string {
	var uris []string
	for _, o := range s.Graph.Objects(s.Subject(), lineage.InvalidatedBy) {
		if o.IsIRI() {
			uris = append(uris, o.Value)
		}
	}
	if len(uris) == 0 {
		return ""
	}
	sort.Strings(uris)
	return uris[0]
}
