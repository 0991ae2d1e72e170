// Package app builds the service graph from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"harvestline/internal/activity"
	"harvestline/internal/agent"
	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/dispatch"
	"harvestline/internal/harvest"
	"harvestline/internal/harvest/api"
	"harvestline/internal/harvest/couchdb"
	"harvestline/internal/harvest/oai"
	"harvestline/internal/harvest/primo"
	"harvestline/internal/ldp"
	"harvestline/internal/lineage"
	"harvestline/internal/migrate"
	"harvestline/internal/pipeline"
	"harvestline/internal/queue"
	"harvestline/internal/repo"
	"harvestline/internal/server"
	"harvestline/internal/store"
)

// App holds one process's wired services.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *sql.DB
	Dialect    db.Dialect
	Repo       repo.Repo
	Registry   *agent.Registry
	Activities *activity.Service
	Lineage    lineage.Repository
	Queue      queue.Queue
	Dispatcher *dispatch.Dispatcher
	Client     *ldp.Client
	Originals  *harvest.Originals
	HTTP       *resty.Client
	Sink       *pipeline.JSONL
	Meter      *sdkmetric.MeterProvider
}

// Options let callers and tests replace parts of the graph.
type Options struct {
	Logger *slog.Logger
	// Store overrides the graph store transport, e.g. an in-process handler.
	Store http.RoundTripper
	// Extra agents registered next to the built-in ones.
	Agents []agent.Definition
	// MetricReader is attached to the meter provider next to any exporter
	// the config asks for.
	MetricReader sdkmetric.Reader
	// MetricsOut is where the stdout exporter writes; nil means os.Stderr.
	MetricsOut io.Writer
}

// New opens and migrates the database and wires every service.
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: cfg.Database.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, DB: conn, Dialect: dialect, Repo: repo.Repo{DB: conn, Dialect: dialect}}
	a.HTTP = harvest.NewHTTPClient(harvest.HTTPOptions{
		Timeout:   cfg.HarvestTimeout(),
		Retries:   cfg.Harvest.Retries,
		UserAgent: "harvestline",
	})

	switch cfg.Lineage.Backend {
	case "sparql":
		a.Lineage = lineage.NewSPARQL(cfg.Lineage.SPARQLEndpoint, a.HTTP)
	default:
		a.Lineage = store.NewLineage(store.New(conn, dialect))
	}
	switch cfg.Queue.Backend {
	case "memory":
		m, err := queue.NewMemory()
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.Queue = m
	default:
		a.Queue = queue.NewSQL(conn, dialect)
	}

	a.Client = ldp.NewClient(ldp.Options{
		Namespace: cfg.Store.Namespace,
		Timeout:   cfg.StoreTimeout(),
		Retries:   cfg.Store.Retries,
		Backoff:   cfg.StoreBackoff(),
		Redirects: cfg.Store.Redirects,
		Transport: opts.Store,
	})
	a.Originals = &harvest.Originals{Client: a.Client}

	// Consumer agents resolve their generators through the service, so the
	// registry is filled after the service exists.
	a.Registry = agent.NewRegistry()
	a.Activities = activity.NewService(a.Repo, a.Registry, a.Lineage, cfg.Activity.BaseURI)
	if a.Meter, err = newMeterProvider(cfg, opts); err != nil {
		conn.Close()
		return nil, err
	}
	a.Activities.Meter = a.Meter
	a.Dispatcher = &dispatch.Dispatcher{Activities: a.Activities, Queue: a.Queue, DefaultQueue: cfg.Queue.Default}

	a.Sink = pipeline.NewJSONL(a.indexPath())
	deps := pipeline.Deps{
		Activities:  a.Activities,
		Client:      a.Client,
		Mappings:    map[string]pipeline.Mapping{"json_fields": pipeline.JSONFields{Vocab: cfg.Pipeline.Vocab}},
		Enrichments: map[string]pipeline.Enrichment{"strip_whitespace": pipeline.StripWhitespace{}},
		Sink:        a.Sink,
		Lookahead:   4,
	}
	defs := []agent.Definition{
		oai.Definition(a.HTTP, a.Originals),
		api.Definition(a.HTTP, a.Originals),
		couchdb.Definition(a.HTTP, a.Originals),
		primo.Definition(a.HTTP, a.Originals),
	}
	defs = append(defs, deps.Definitions()...)
	defs = append(defs, opts.Agents...)
	for _, d := range defs {
		a.Registry.Register(d)
	}
	return a, nil
}

func newMeterProvider(cfg *config.Config, opts Options) (*sdkmetric.MeterProvider, error) {
	var mopts []sdkmetric.Option
	if opts.MetricReader != nil {
		mopts = append(mopts, sdkmetric.WithReader(opts.MetricReader))
	}
	if cfg.Metrics.Export == "stdout" {
		out := opts.MetricsOut
		if out == nil {
			out = os.Stderr
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("metrics exporter: %w", err)
		}
		mopts = append(mopts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.MetricsInterval()))))
	}
	return sdkmetric.NewMeterProvider(mopts...), nil
}

func (a *App) indexPath() string {
	p := a.Config.Pipeline.IndexPath
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	ws := a.Config.Database.Workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, p)
}

// Queues lists every queue a worker pool should poll: the default queue
// and each registered agent's own.
func (a *App) Queues() []string {
	seen := map[string]bool{a.Config.Queue.Default: true}
	for _, d := range a.Registry.Definitions() {
		if d.Queue != "" {
			seen[d.Queue] = true
		}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Pool polls queues with the configured worker count. Nil queues means all
// of Queues.
func (a *App) Pool(queues []string) *dispatch.Pool {
	if len(queues) == 0 {
		queues = a.Queues()
	}
	return &dispatch.Pool{
		Dispatcher:   a.Dispatcher,
		Queues:       queues,
		Workers:      a.Config.Queue.Workers,
		PollInterval: a.Config.PollInterval(),
	}
}

// APIHandler serves the admin API.
func (a *App) APIHandler() (http.Handler, error) {
	return server.New(server.Config{
		Dispatcher: a.Dispatcher,
		BasePath:   a.Config.Server.BasePath,
		Auth:       server.AuthConfig{Token: a.Config.Server.Token},
		Logger:     a.Logger,
	})
}

// StoreHandler serves the graph store under the configured namespace.
func (a *App) StoreHandler() (http.Handler, error) {
	return store.Handler(store.New(a.DB, a.Dialect), a.Config.Store.Namespace, a.Logger)
}

// Close flushes metrics and the index sink, then closes the database.
func (a *App) Close() error {
	return errors.Join(a.Meter.Shutdown(context.Background()), a.Sink.Close(), a.DB.Close())
}
