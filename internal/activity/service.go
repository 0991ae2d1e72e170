// Package activity wraps agent runs in persisted execution records that
// anchor provenance.
package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"harvestline/internal/agent"
	"harvestline/internal/domain"
	"harvestline/internal/lineage"
	"harvestline/internal/repo"
)

var (
	ErrURIMismatch = errors.New("uri does not match the activity base uri")
	ErrInvalidOpts = agent.ErrInvalidOptions
)

// Service creates, loads and resolves activities.
type Service struct {
	Repo     repo.Repo
	Registry *agent.Registry
	Lineage  lineage.Repository
	BaseURI  string
	Now      func() time.Time
	// Meter receives run metrics; nil uses the global provider.
	Meter metric.MeterProvider

	metricsOnce sync.Once
	metrics     *runMetrics
}

func NewService(r repo.Repo, reg *agent.Registry, lin lineage.Repository, baseURI string) *Service {
	return &Service{
		Repo:     r,
		Registry: reg,
		Lineage:  lin,
		BaseURI:  strings.TrimRight(baseURI, "/"),
		Now:      time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) recordRun(ctx context.Context, agentName string, status domain.Status, d time.Duration) {
	s.metricsOnce.Do(func() { s.metrics = newRunMetrics(s.Meter) })
	s.metrics.record(ctx, agentName, status, d)
}

// URI is the provenance anchor of activity id.
func (s *Service) URI(id int64) string {
	return strings.TrimRight(s.BaseURI, "/") + "/" + strconv.FormatInt(id, 10)
}

// Create persists a pending activity for agentName. The agent must be
// registered and opts must be a JSON object its options type accepts.
func (s *Service) Create(ctx context.Context, agentName string, opts json.RawMessage) (*Activity, error) {
	if _, err := s.Registry.Lookup(agentName); err != nil {
		return nil, err
	}
	compact, err := normalizeOpts(opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.Registry.Build(agentName, compact); err != nil {
		return nil, err
	}
	rec, err := s.Repo.InsertActivity(ctx, domain.Activity{
		Agent:     agentName,
		Opts:      string(compact),
		Status:    domain.StatusPending,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	return s.wrap(rec), nil
}

func normalizeOpts(opts json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(opts)) == 0 {
		return json.RawMessage("{}"), nil
	}
	var m map[string]any
	if err := json.Unmarshal(opts, &m); err != nil || m == nil {
		return nil, fmt.Errorf("%w: opts must be a JSON object", ErrInvalidOpts)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOpts, err)
	}
	return buf.Bytes(), nil
}

// Find loads an activity by id.
func (s *Service) Find(ctx context.Context, id int64) (*Activity, error) {
	rec, err := s.Repo.GetActivity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("activity %d: %w", id, err)
	}
	return s.wrap(rec), nil
}

// FromURI resolves an activity URI. A URI that is not of the form
// <base>/<id> fails with ErrURIMismatch; an unknown id with repo.ErrNotFound.
func (s *Service) FromURI(ctx context.Context, uri string) (*Activity, error) {
	prefix := strings.TrimRight(s.BaseURI, "/") + "/"
	rest, ok := strings.CutPrefix(uri, prefix)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrURIMismatch, uri)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != rest {
		return nil, fmt.Errorf("%w: %q has no activity id", ErrURIMismatch, uri)
	}
	return s.Find(ctx, id)
}

// List returns activities newest first.
func (s *Service) List(ctx context.Context, f repo.ActivityFilters) ([]*Activity, error) {
	recs, err := s.Repo.ListActivities(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*Activity, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.wrap(rec))
	}
	return out, nil
}

func (s *Service) wrap(rec domain.Activity) *Activity {
	return &Activity{Activity: rec, svc: s}
}
