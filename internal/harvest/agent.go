package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"harvestline/internal/ctxlog"
	"harvestline/internal/ldp"
)

// ProcessRecord handles one harvested record. Implementations must be
// idempotent: a harvest is resumed by running it again from the start.
type ProcessRecord func(ctx context.Context, rec Record, activityURI string) error

// DeletedPolicy says what a harvest does with records the source reports
// as deleted.
type DeletedPolicy string

const (
	// DeletedSave stores deleted records like any other, flagged deleted.
	DeletedSave DeletedPolicy = "save"
	// DeletedSkip ignores them.
	DeletedSkip DeletedPolicy = "skip"
	// DeletedInvalidate tombstones a previously harvested copy.
	DeletedInvalidate DeletedPolicy = "invalidate"
)

func (p DeletedPolicy) Validate() error {
	switch p {
	case "", DeletedSave, DeletedSkip, DeletedInvalidate:
		return nil
	}
	return fmt.Errorf("deleted must be one of save, skip, invalidate; got %q", p)
}

// Options are shared by every harvester agent.
type Options struct {
	Deleted DeletedPolicy `json:"deleted,omitempty"`
	// Limit stops after this many records; zero harvests everything.
	Limit int `json:"limit,omitempty"`
}

func (o Options) Validate() error {
	if o.Limit < 0 {
		return errors.New("limit cannot be negative")
	}
	return o.Deleted.Validate()
}

// Agent runs a Harvester as a software agent.
type Agent struct {
	Harvester Harvester
	Originals *Originals
	Options   Options
	// Process defaults to SaveRecord wrapped per Options.Deleted.
	Process ProcessRecord
}

// Stats summarises one harvest run.
type Stats struct {
	Processed int
	Skipped   int
}

func (a *Agent) Run(ctx context.Context, activityURI string) error {
	_, err := a.Harvest(ctx, activityURI)
	return err
}

// Harvest iterates the source. Per-record problems are logged and skipped;
// anything else stops the harvest.
func (a *Agent) Harvest(ctx context.Context, activityURI string) (Stats, error) {
	ctx = ctxlog.With(ctx, "harvester", a.Harvester.Name())
	log := ctxlog.FromContext(ctx)
	process := a.Process
	if process == nil {
		process = a.defaultProcess()
	}

	var stats Stats
	for rec, err := range a.Harvester.Records(ctx) {
		if err != nil {
			var re *RecordError
			if errors.As(err, &re) {
				stats.Skipped++
				log.Warn("skipping malformed record", "id", re.ID, "error", re.Err, "content", string(re.Content))
				continue
			}
			return stats, err
		}
		if err := process(ctx, rec, activityURI); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Skipped++
			log.Warn("skipping record", "id", rec.ID, "error", err, "content", string(rec.Content))
			continue
		}
		stats.Processed++
		if a.Options.Limit > 0 && stats.Processed >= a.Options.Limit {
			break
		}
	}
	log.Info("harvest finished", slog.Int("processed", stats.Processed), slog.Int("skipped", stats.Skipped))
	return stats, nil
}

func (a *Agent) defaultProcess() ProcessRecord {
	save := SaveRecord(a.Harvester.Name(), a.Originals)
	switch a.Options.Deleted {
	case DeletedSkip:
		return SkipDeleted(save)
	case DeletedInvalidate:
		return InvalidateDeleted(a.Harvester.Name(), a.Originals, save)
	default:
		return save
	}
}

// SaveRecord persists the record as an original record.
func SaveRecord(harvester string, o *Originals) ProcessRecord {
	return func(ctx context.Context, rec Record, activityURI string) error {
		_, err := o.Save(ctx, harvester, rec, activityURI)
		return err
	}
}

// SkipDeleted drops records the source marks deleted.
func SkipDeleted(next ProcessRecord) ProcessRecord {
	return func(ctx context.Context, rec Record, activityURI string) error {
		if rec.Deleted {
			ctxlog.FromContext(ctx).Debug("skipping deleted record", "id", rec.ID)
			return nil
		}
		return next(ctx, rec, activityURI)
	}
}

// InvalidateDeleted tombstones the stored copy of a deleted record instead of
// saving it. Records never harvested before are ignored.
func InvalidateDeleted(harvester string, o *Originals, next ProcessRecord) ProcessRecord {
	return func(ctx context.Context, rec Record, activityURI string) error {
		if !rec.Deleted {
			return next(ctx, rec, activityURI)
		}
		src := o.Client.RDFSource(o.URI(harvester, rec.ID))
		err := src.Invalidate(ctx, activityURI, true)
		if errors.Is(err, ldp.ErrNotExist) {
			return nil
		}
		return err
	}
}
