// ============================================================================
// routesim CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the routing simulator
//
// Command Structure:
//   routesim                       # Root command
//   ├── run                        # Run simulation trials
//   │   ├── --routing-table        # Override inputs.routing_table
//   │   ├── --trials               # Override simulation.trials
//   │   └── --seed                 # Override simulation.seed
//   ├── validate                   # Validate routing table and lookups only
//   ├── serve-scorer               # Serve the configured scorer over gRPC
//   ├── status                     # List recent evaluation entries
//   ├── journal                    # Inspect journal ledger files
//   │   ├── dump <wal>
//   │   └── stats <wal>
//   └── --config, -c               # Config file (default configs/default.yaml)
//
// run Command:
//   1. Load config and install the logger
//   2. Load routing table (validated) and historical lookups
//   3. Build scorer, call source, registry, publisher, exporter, metrics
//   4. Run every trial through the controller
//   5. Print one line per trial
//
//   SIGINT/SIGTERM stop the run between trials.
//
//   Examples:
//     ./routesim run
//     ./routesim run -c configs/prod.yaml --trials 5 --seed 42
//
// Error Handling:
//   - Config, routing table or lookup errors abort before any trial starts
//   - Per-call failures inside a trial are flagged, never fatal
//
// ============================================================================

package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dssg/vibrant-routing-public/internal/artifact"
	"github.com/dssg/vibrant-routing-public/internal/cohort"
	"github.com/dssg/vibrant-routing-public/internal/controller"
	"github.com/dssg/vibrant-routing-public/internal/features"
	"github.com/dssg/vibrant-routing-public/internal/ledger"
	"github.com/dssg/vibrant-routing-public/internal/lookup"
	"github.com/dssg/vibrant-routing-public/internal/metrics"
	"github.com/dssg/vibrant-routing-public/internal/publish"
	"github.com/dssg/vibrant-routing-public/internal/registry"
	"github.com/dssg/vibrant-routing-public/internal/routing"
	"github.com/dssg/vibrant-routing-public/internal/scorer"
	"github.com/dssg/vibrant-routing-public/internal/server"
	"github.com/dssg/vibrant-routing-public/internal/storage/wal"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "routesim",
		Short: "routesim: discrete-event call routing simulator",
		Long: `routesim replays a cohort of calls through a routing table:
- pickup, abandonment and flow-out sampled per attempt
- one evaluation entry and ledger per trial
- journal, Postgres or in-memory ledgers
- Prometheus metrics, NATS publication, CSV export`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildServeScorerCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOverrides struct {
	routingTable string
	trials       int
	seed         int64
	seedSet      bool
}

func buildRunCommand() *cobra.Command {
	var o runOverrides

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a simulation run",
		Long:  "Run every configured trial over the active call cohort and persist each under its own evaluation id",
		RunE: func(cmd *cobra.Command, args []string) error {
			o.seedSet = cmd.Flags().Changed("seed")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulation(ctx, o, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&o.routingTable, "routing-table", "", "routing table CSV (overrides inputs.routing_table)")
	cmd.Flags().IntVar(&o.trials, "trials", 0, "number of trials (overrides simulation.trials)")
	cmd.Flags().Int64Var(&o.seed, "seed", 0, "base random seed; trial k uses seed+k")

	return cmd
}

func (o runOverrides) apply(cfg *Config) {
	if o.routingTable != "" {
		cfg.Inputs.RoutingTable = o.routingTable
	}
	if o.trials > 0 {
		cfg.Simulation.Trials = o.trials
	}
	if o.seedSet {
		s := o.seed
		cfg.Simulation.Seed = &s
	}
}

func runSimulation(ctx context.Context, o runOverrides, out io.Writer) error {
	cfg, raw, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	o.apply(cfg)

	closeLog, err := setupLogging(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	slog.Info("Starting routesim", "config", configFile, "trials", cfg.Simulation.Trials)

	table, err := routing.LoadFile(cfg.Inputs.RoutingTable)
	if err != nil {
		return err
	}

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		if db, err = openDB(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
		defer db.Close()
	}

	bundle, err := loadLookups(ctx, cfg, db)
	if err != nil {
		return err
	}
	if missing := bundle.Directory.Missing(table.Centers()); len(missing) > 0 {
		slog.Warn("Routing table names centers missing from the directory; their attempts will be flagged",
			"count", len(missing), "first", missing[0].String())
	}

	sc, closeScorer, err := scorer.New(cfg.Scorer)
	if err != nil {
		return err
	}
	defer closeScorer()

	source, err := callSource(cfg, db)
	if err != nil {
		return err
	}
	window, err := cfg.window()
	if err != nil {
		return err
	}

	store, closeStore, err := registry.New(ctx, cfg.Registry, db, cfg.Postgres.Schema)
	if err != nil {
		return err
	}
	defer closeStore()

	deps := controller.Deps{
		Source:   source,
		Router:   table,
		Builder:  features.NewDirectoryBuilder(bundle.Directory),
		Scorer:   sc,
		Abandon:  bundle.Hazard,
		Stats:    bundle.Stats,
		Wait:     bundle.Wait,
		DB:       db,
		Registry: store,
	}

	if cfg.NATS.Enabled {
		pub, err := publish.Connect(cfg.NATS)
		if err != nil {
			return err
		}
		deps.Publisher = pub
	}

	if cfg.Artifacts.Enabled {
		var uploader artifact.Uploader
		if cfg.Artifacts.Endpoint != "" {
			m, err := artifact.NewMinIO(ctx, cfg.Artifacts)
			if err != nil {
				return err
			}
			uploader = m
		}
		deps.Exporter = artifact.NewExporter(cfg.Artifacts.LocalDir, uploader)
	}

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.NewCollector()
		if cfg.Metrics.Port > 0 {
			go func() {
				if err := deps.Metrics.StartServer(ctx, cfg.Metrics.Port); err != nil {
					slog.Error("Metrics server error", "error", err)
				}
			}()
		}
	}

	ctrl, err := controller.New(controller.Config{
		Trials:           cfg.Simulation.Trials,
		Seed:             cfg.Simulation.Seed,
		Window:           window,
		RoutingTablePath: cfg.Inputs.RoutingTable,
		ModelPath:        cfg.Scorer.ModelPath,
		ConfigHash:       registry.HashConfig(raw),
		LogPath:          cfg.Logging.File,
		LedgerKind:       cfg.Ledger.Kind,
		LedgerDir:        cfg.Ledger.Dir,
		SyncOnAppend:     cfg.Ledger.SyncOnAppend,
		KeepBackups:      cfg.Ledger.KeepBackups,
		Postgres: ledger.PostgresOptions{
			Schema:       cfg.Postgres.Schema,
			SourceSchema: cfg.Postgres.SourceSchema,
			Location:     cfg.location(),
		},
		Simulation: cfg.simulatorConfig(),
		PushURL:    cfg.Metrics.PushURL,
		PushJob:    cfg.Metrics.Job,
	}, deps)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	results, err := ctrl.RunTrials(ctx)
	printTrials(out, results)
	if err != nil {
		return fmt.Errorf("run stopped: %w", err)
	}
	return nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return db, nil
}

func loadLookups(ctx context.Context, cfg *Config, db *sql.DB) (*lookup.Bundle, error) {
	if cfg.Inputs.Lookups != "" {
		return lookup.LoadBundle(cfg.Inputs.Lookups, cfg.lookupOptions())
	}
	return lookup.LoadPostgres(ctx, db, lookup.PostgresSource{
		RoutingSchema: cfg.Postgres.RoutingSchema,
		SourceSchema:  cfg.Postgres.SourceSchema,
	}, cfg.lookupOptions())
}

// callSource reads the cohort CSV when one is configured and the Postgres
// active_calls_in_queue table otherwise.
func callSource(cfg *Config, db *sql.DB) (controller.CallSource, error) {
	if cfg.Inputs.ActiveCalls != "" {
		calls, err := cohort.LoadFile(cfg.Inputs.ActiveCalls, cfg.location())
		if err != nil {
			return nil, err
		}
		return ledger.NewMemory(calls), nil
	}
	return ledger.NewPostgres(db, ledger.PostgresOptions{
		Schema:       cfg.Postgres.Schema,
		SourceSchema: cfg.Postgres.SourceSchema,
		Location:     cfg.location(),
	}), nil
}

func printTrials(w io.Writer, results []controller.TrialResult) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIAL\tEVALUATION\tSEED\tCALLS\tATTEMPTS\tFLAGGED\tELAPSED")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.Trial, r.EvaluationID, r.Result.Seed, r.Result.Calls, r.Result.Attempts,
			len(r.Result.Flagged), r.Result.Elapsed.Round(time.Millisecond))
	}
	tw.Flush()
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	var tablePath, lookupsPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a routing table and lookup bundle",
		Long:  "Check a routing table against the slot rules and, if given, load the lookup bundle without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateInputs(tablePath, lookupsPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&tablePath, "routing-table", "", "routing table CSV")
	cmd.Flags().StringVar(&lookupsPath, "lookups", "", "lookup bundle YAML")
	cmd.MarkFlagRequired("routing-table")

	return cmd
}

func validateInputs(tablePath, lookupsPath string, w io.Writer) error {
	table, err := routing.LoadFile(tablePath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "routing table %s: %d exchange codes, %d center terminations\n",
		tablePath, table.Len(), len(table.Centers()))

	if lookupsPath == "" {
		return nil
	}
	bundle, err := lookup.LoadBundle(lookupsPath, lookup.Options{})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "lookups %s: %d disposition stats\n", lookupsPath, bundle.Stats.Len())
	if missing := bundle.Directory.Missing(table.Centers()); len(missing) > 0 {
		for _, p := range missing {
			fmt.Fprintf(w, "  missing from center directory: %s\n", p)
		}
		return fmt.Errorf("%d center terminations missing from the directory", len(missing))
	}
	return nil
}

// ============================================================================
// serve-scorer
// ============================================================================

func buildServeScorerCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-scorer",
		Short: "Serve the configured scorer over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			closeLog, err := setupLogging(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			if cfg.Scorer.Kind == "remote" {
				return fmt.Errorf("%w: serve-scorer needs a local scorer kind", ErrInvalidConfig)
			}
			sc, closeScorer, err := scorer.New(cfg.Scorer)
			if err != nil {
				return err
			}
			defer closeScorer()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.Serve(ctx, addr, sc)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":50051", "listen address")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent evaluation status",
		Long:  "List the most recent evaluation entries from the configured registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of entries to show")
	return cmd
}

func showStatus(ctx context.Context, limit int, w io.Writer) error {
	cfg, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	var db *sql.DB
	if cfg.Registry.Kind == "postgres" {
		if db, err = openDB(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
		defer db.Close()
	}
	store, closeStore, err := registry.New(ctx, cfg.Registry, db, cfg.Postgres.Schema)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.List(ctx, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Config:   %s\n", configFile)
	fmt.Fprintf(w, "Registry: %s\n", cfg.Registry.Kind)
	fmt.Fprintf(w, "Ledger:   %s\n", cfg.Ledger.Kind)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "Metrics:  http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "Metrics:  disabled")
	}
	fmt.Fprintln(w)

	if len(entries) == 0 {
		fmt.Fprintln(w, "No evaluations recorded (run 'routesim run' to start)")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tEVALUATION\tTRIAL\tSEED\tCALLS\tFLAGGED\tROUTING TABLE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.EvaluationID, e.Trial, e.Seed,
			e.CallCount, e.FlaggedCount, e.RoutingTablePath)
	}
	return tw.Flush()
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect journal ledger files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump <wal>",
		Short: "Print every event of a journal (plain or .gz)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wal.DumpWAL(args[0], cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats <wal>",
		Short: "Summarize a journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return journalStats(args[0], cmd.OutOrStdout())
		},
	})

	return cmd
}

func journalStats(path string, w io.Writer) error {
	stats, err := wal.GetWALStats(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Events:    %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Seq range: %d-%d\n", stats.FirstSeq, stats.LastSeq)
	fmt.Fprintf(w, "Corrupted: %d\n", stats.CorruptedCount)
	for _, t := range []wal.EventType{wal.EventInsert, wal.EventUpdateOne, wal.EventUpdateAll, wal.EventFlag} {
		fmt.Fprintf(w, "  %-10s %d\n", t, stats.EventTypes[t])
	}
	return nil
}
