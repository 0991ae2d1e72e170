package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
	"harvestline/internal/ctxlog"
	"harvestline/internal/harvest"
	"harvestline/internal/lineage"
	"harvestline/internal/rdf"
)

const MapperName = "mapper"

type MapperOptions struct {
	activity.GeneratorOptions
	Mapping string `json:"mapping"`
}

func (o MapperOptions) Validate() error {
	if o.Mapping == "" {
		return errors.New("mapping is required")
	}
	return o.GeneratorOptions.Validate()
}

// Mapper maps every original record a harvest generated into an
// aggregation under <namespace>/items.
type Mapper struct {
	activity.Consumer
	Options MapperOptions
	Mapping Mapping
	deps    Deps
}

func (d Deps) MapperDefinition() agent.Definition {
	return agent.Definition{
		Name:     MapperName,
		Queue:    "pipeline",
		Summary:  "Map harvested records into aggregations",
		Behavior: d.behavior(),
		New: func(raw json.RawMessage) (agent.Agent, error) {
			opts, err := agent.DecodeOptions[MapperOptions](raw)
			if err != nil {
				return nil, err
			}
			m, ok := d.Mappings[opts.Mapping]
			if !ok {
				return nil, fmt.Errorf("%w: unknown mapping %q (have %s)", agent.ErrInvalidOptions, opts.Mapping, names(d.Mappings))
			}
			return &Mapper{Consumer: activity.Consumer{Activities: d.Activities}, Options: opts, Mapping: m, deps: d}, nil
		},
	}
}

func (m *Mapper) Run(ctx context.Context, activityURI string) error {
	_, err := consume(ctx, &m.Consumer, m.Options.GeneratorOptions, func(ctx context.Context, e agent.Entity) error {
		orig, ok := e.(*harvest.OriginalRecord)
		if !ok {
			return fmt.Errorf("%s is not an original record", e.URI())
		}
		if orig.Deleted() {
			ctxlog.FromContext(ctx).Debug("not mapping deleted record", "uri", orig.URI())
			return nil
		}
		return m.mapRecord(ctx, orig, activityURI)
	})
	return err
}

func (m *Mapper) mapRecord(ctx context.Context, orig *harvest.OriginalRecord, activityURI string) error {
	item := m.deps.Client.RDFSource(ItemURI(m.deps.Client.Namespace, orig.URI()))
	g, err := m.Mapping.Process(ctx, orig.Record(), item.Subject())
	if err != nil {
		return fmt.Errorf("map %s: %w", orig.URI(), err)
	}
	g.Add(rdf.Triple{Subject: item.Subject(), Predicate: lineage.DerivedFrom, Object: orig.Subject()})
	if _, err := item.LoadExisting(ctx); err != nil {
		return err
	}
	item.Replace(g)
	item.AddGeneratedBy(activityURI)
	return item.Persist(ctx)
}

func names[T any](m map[string]T) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
