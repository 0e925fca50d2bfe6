package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/acme-corp/racing-pipeline/internal/config"
	"github.com/acme-corp/racing-pipeline/internal/logging"
	"github.com/acme-corp/racing-pipeline/internal/metrics"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	dryRun     bool

	cfg     *config.PipelineConfig
	log     zerolog.Logger
	metrics *metrics.Collector
	out     io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Racing data pipeline: merge shards, clean masters, ingest into the warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Failed to load config: %v\n", err)
				return err
			}
			a.cfg = cfg
			a.log = logging.New(cfg.Log, cmd.ErrOrStderr())
			a.metrics = metrics.NewCollector()
			a.log.Debug().
				Str("storage", cfg.Storage.Driver).
				Str("warehouse", cfg.Warehouse.Driver).
				Int("sources", len(cfg.Ingest.Sources)).
				Msg("loaded config")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.dryRun {
				fmt.Fprintln(a.out, "Config validation passed.")
				return nil
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to pipeline config (YAML)")
	root.PersistentFlags().BoolVar(&a.dryRun, "dry-run", false, "validate config and exit")

	root.AddCommand(
		a.serveCmd(),
		a.mergeCmd(),
		a.cleanCmd(),
		a.ingestCmd(),
		a.harvestCmd(),
	)
	return root
}

// run executes fn with a context cancelled on SIGINT or SIGTERM, unless
// --dry-run was given.
func (a *app) run(fn func(ctx context.Context) error) error {
	if a.dryRun {
		fmt.Fprintln(a.out, "Config validation passed.")
		return nil
	}

	// Stop accepting work on the first signal and let the current step
	// finish or unwind through its context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	err := fn(ctx)

	snap, _ := a.metrics.JSON()
	a.log.Debug().RawJSON("metrics", []byte(snap)).Msg("final metrics")
	if err != nil {
		a.log.Error().Err(err).Msg("command failed")
	}
	return err
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reportMetrics(ctx context.Context, collector *metrics.Collector, log zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := collector.Snapshot()
			log.Info().
				Int64("read", snap.RecordsRead).
				Int64("written", snap.RecordsWritten).
				Int64("removed", snap.RecordsRemoved).
				Int64("shards_merged", snap.ShardsMerged).
				Int64("rows_inserted", snap.RowsInserted).
				Int64("rows_updated", snap.RowsUpdated).
				Int64("runs_failed", snap.RunsFailed).
				Msg("pipeline stats")
		case <-ctx.Done():
			return
		}
	}
}
