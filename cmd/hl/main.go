package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"harvestline/internal/activity"
	"harvestline/internal/app"
	"harvestline/internal/config"
	"harvestline/internal/ctxlog"
	"harvestline/internal/db"
	"harvestline/internal/repo"
	"harvestline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "Harvestline CLI",
	Long: `Harvestline harvests records from remote sources into a linked data store
and runs them through a pipeline, recording provenance for every step.
- Activity: one recorded run of an agent, addressable by URI.
- Agent: a harvester (oai, api, couchdb, primo) or a pipeline step (mapper, enricher, indexer).
- Entity: a resource generated by an activity; invalidated entities are tombstoned, never deleted.
- Queue: activities are enqueued by id and run by workers ('hl work' or 'hl serve --workers').`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HARVESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/harvestline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("token", "", "admin API token (overrides server.token)")
	for _, name := range []string{"workspace", "config", "json", "log-level", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(storeCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(invalidateCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with a default harvestline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := db.EnsureWorkspace(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func serveCmd() *cobra.Command {
	var addr string
	var workers bool
	var withStore bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				handler, err := a.APIHandler()
				if err != nil {
					return err
				}
				if withStore {
					storeHandler, err := a.StoreHandler()
					if err != nil {
						return err
					}
					handler = mount(a.Config.Server.BasePath, handler, storeHandler)
				}
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					fmt.Printf("Serving Harvestline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
						addr, a.Config.Server.BasePath, a.Config.Server.BasePath, a.Config.Server.BasePath)
					return listen(ctx, store.NewServer(addr, handler))
				})
				if workers {
					g.Go(func() error { return a.Pool(nil).Run(ctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&workers, "workers", false, "also run a worker pool over every queue")
	cmd.Flags().BoolVar(&withStore, "store", false, "also serve the graph store on the same address")
	return cmd
}

// mount routes requests under basePath to the API and everything else to the
// graph store.
func mount(basePath string, api, graph http.Handler) http.Handler {
	prefix := strings.TrimRight(basePath, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if prefix == "" || r.URL.Path == prefix || strings.HasPrefix(r.URL.Path, prefix+"/") {
			api.ServeHTTP(w, r)
			return
		}
		graph.ServeHTTP(w, r)
	})
}

func storeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Serve the graph store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				h, err := a.StoreHandler()
				if err != nil {
					return err
				}
				fmt.Printf("Serving graph store for %s on %s\n", a.Config.Store.Namespace, addr)
				return listen(ctx, store.NewServer(addr, h))
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

func listen(ctx context.Context, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func workCmd() *cobra.Command {
	var queues []string
	var workers int
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run queued activities until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p := a.Pool(queues)
				if workers > 0 {
					p.Workers = workers
				}
				ctxlog.FromContext(ctx).Info("workers started", "queues", p.Queues, "per_queue", p.Workers)
				if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "queue to poll (repeatable, default all)")
	cmd.Flags().IntVar(&workers, "workers", 0, "workers per queue (default queue.workers)")
	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				defs := a.Registry.Definitions()
				if viper.GetBool("json") {
					type row struct {
						Name              string `json:"name"`
						Queue             string `json:"queue"`
						GeneratesEntities bool   `json:"generates_entities"`
						Summary           string `json:"summary"`
					}
					out := make([]row, 0, len(defs))
					for _, d := range defs {
						out = append(out, row{d.Name, a.Dispatcher.QueueFor(d, ""), d.Behavior != nil, d.Summary})
					}
					return printJSON(out)
				}
				tw := newTable(table.Row{"Name", "Queue", "Entities", "Summary"})
				for _, d := range defs {
					tw.AppendRow(table.Row{d.Name, a.Dispatcher.QueueFor(d, ""), d.Behavior != nil, d.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func enqueueCmd() *cobra.Command {
	var opts, queueName string
	var now bool
	cmd := &cobra.Command{
		Use:   "enqueue <agent>",
		Short: "Create an activity and queue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readOpts(opts)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, job, err := a.Dispatcher.Enqueue(ctx, args[0], queueName, raw)
				if err != nil {
					return err
				}
				if now {
					if err := a.Dispatcher.Handle(ctx, job); err != nil {
						return err
					}
					if act, err = a.Activities.Find(ctx, act.ID); err != nil {
						return err
					}
				}
				return printActivities([]*activity.Activity{act})
			})
		},
	}
	cmd.Flags().StringVarP(&opts, "opts", "o", "{}", "agent options as JSON, or @file")
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue (default the agent's own)")
	cmd.Flags().BoolVar(&now, "now", false, "run the activity in this process after queueing it")
	return cmd
}

func readOpts(v string) (json.RawMessage, error) {
	data := []byte(v)
	if path, ok := strings.CutPrefix(v, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("options are not valid JSON")
	}
	return data, nil
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Inspect and run activities"}
	act.AddCommand(activityListCmd())
	act.AddCommand(activityShowCmd())
	act.AddCommand(activityRunCmd())
	act.AddCommand(activityRequeueCmd())
	act.AddCommand(activityEntitiesCmd())
	return act
}

func activityListCmd() *cobra.Command {
	var f repo.ActivityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Activities.List(ctx, f)
				if err != nil {
					return err
				}
				return printActivities(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Agent, "agent", "", "agent filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "max activities")
	return cmd
}

// resolve accepts an id or an activity URI.
func resolve(ctx context.Context, a *app.App, ref string) (*activity.Activity, error) {
	var id int64
	if _, err := fmt.Sscan(ref, &id); err == nil && fmt.Sprint(id) == ref {
		return a.Activities.Find(ctx, id)
	}
	return a.Activities.FromURI(ctx, ref)
}

func activityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|uri>",
		Short: "Show an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := resolve(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printActivities([]*activity.Activity{act})
			})
		},
	}
}

func activityRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id|uri>",
		Short: "Run an activity in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := resolve(ctx, a, args[0])
				if err != nil {
					return err
				}
				runErr := a.Dispatcher.Run(ctx, act.ID)
				if act, err = a.Activities.Find(ctx, act.ID); err != nil {
					return err
				}
				if err := printActivities([]*activity.Activity{act}); err != nil {
					return err
				}
				return runErr
			})
		},
	}
}

func activityRequeueCmd() *cobra.Command {
	var queueName string
	cmd := &cobra.Command{
		Use:   "requeue <id|uri>",
		Short: "Queue an existing activity again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := resolve(ctx, a, args[0])
				if err != nil {
					return err
				}
				act, job, err := a.Dispatcher.Requeue(ctx, act.ID, queueName)
				if err != nil {
					return err
				}
				fmt.Printf("queued activity %d on %s as job %s\n", act.ID, job.Queue, job.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue (default the agent's own)")
	return cmd
}

func activityEntitiesCmd() *cobra.Command {
	var includeInvalidated bool
	var limit int
	cmd := &cobra.Command{
		Use:   "entities <id|uri>",
		Short: "List the entities an activity generated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := resolve(ctx, a, args[0])
				if err != nil {
					return err
				}
				var uris []string
				for uri, err := range act.EntityURIs(ctx, includeInvalidated) {
					if err != nil {
						return err
					}
					uris = append(uris, uri)
					if limit > 0 && len(uris) == limit {
						break
					}
				}
				if viper.GetBool("json") {
					return printJSON(uris)
				}
				for _, u := range uris {
					fmt.Println(u)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeInvalidated, "include-invalidated", false, "include invalidated entities")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after n entities")
	return cmd
}

func invalidateCmd() *cobra.Command {
	var by string
	var ignore bool
	cmd := &cobra.Command{
		Use:   "invalidate <uri>...",
		Short: "Tombstone resources in the graph store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, uri := range args {
					if err := a.Client.RDFSource(uri).Invalidate(ctx, by, ignore); err != nil {
						return fmt.Errorf("%s: %w", uri, err)
					}
					fmt.Println("invalidated", uri)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "URI of the invalidating activity")
	cmd.Flags().BoolVar(&ignore, "ignore-invalid", false, "succeed on already invalidated resources")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
		if err == nil && cfg.Database.Workspace == "" {
			cfg.Database.Workspace = viper.GetString("workspace")
		}
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if token := viper.GetString("token"); token != "" {
		cfg.Server.Token = token
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	slog.SetDefault(logger)
	a, err := app.New(cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctxlog.WithLogger(ctx, logger), a)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printActivities(items []*activity.Activity) error {
	if viper.GetBool("json") {
		out := make([]any, 0, len(items))
		for _, a := range items {
			out = append(out, struct {
				URI string `json:"uri"`
				*activity.Activity
			}{a.URI(), a})
		}
		return printJSON(out)
	}
	tw := newTable(table.Row{"ID", "Agent", "Status", "Started", "Ended", "Error"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.Activity.Agent, a.Status, formatTime(a.StartTime), formatTime(a.EndTime), a.Error})
	}
	tw.Render()
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(time.DateTime)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
