package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/acme-corp/racing-pipeline/internal/pipeline"
	"github.com/acme-corp/racing-pipeline/internal/server"
	"github.com/acme-corp/racing-pipeline/internal/snapshot"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the merge, clean and ingest triggers over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				wh, marks, closeWH, err := a.openWarehouse(ctx)
				if err != nil {
					return err
				}
				defer closeWH()

				go reportMetrics(ctx, a.metrics, a.log)

				h := server.Handler(
					snapshot.NewMerger(store, a.snapshotOptions()...),
					snapshot.NewCleaner(store, a.snapshotOptions()...),
					a.newCoordinator(store, wh, marks),
					a.metrics,
					a.log,
				)
				return server.New(a.cfg.Server, h, a.log).Run(ctx)
			})
		},
	}
}

func (a *app) mergeCmd() *cobra.Command {
	var (
		req          snapshot.MergeRequest
		deleteShards bool
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Consolidate the shards under a prefix into one master snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				if req.OutputPrefix == "" {
					req.OutputPrefix = req.Prefix
				}
				merger := snapshot.NewMerger(store, a.snapshotOptions()...)
				res, err := merger.MergeShards(ctx, req)
				if err != nil {
					return err
				}
				if deleteShards && res.Status == pipeline.StatusOK {
					if err := merger.DeleteShards(ctx, req.Prefix, res.Shards); err != nil {
						return err
					}
				}
				return a.print(res)
			})
		},
	}
	cmd.Flags().StringVar(&req.Prefix, "prefix", "", "prefix holding the shards")
	cmd.Flags().StringVar(&req.OutputPrefix, "output-prefix", "", "prefix of the master snapshot (defaults to --prefix)")
	cmd.Flags().StringVar(&req.Pattern, "pattern", snapshot.DefaultShardPattern, "regular expression shard names must match")
	cmd.Flags().BoolVar(&deleteShards, "delete-shards", false, "delete the merged shards once the master snapshot is written")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func (a *app) cleanCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Clean every master snapshot under a prefix that has no cleaned snapshot yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				results, err := snapshot.NewCleaner(store, a.snapshotOptions()...).CleanPrefix(ctx, prefix)
				if err != nil {
					return err
				}
				return a.print(results)
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "prefix holding the master snapshots")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func (a *app) ingestCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load the cleaned snapshots of a source created since its watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				wh, marks, closeWH, err := a.openWarehouse(ctx)
				if err != nil {
					return err
				}
				defer closeWH()

				report, err := a.newCoordinator(store, wh, marks).Ingest(ctx, prefix)
				if err != nil {
					return err
				}
				if report.Status == pipeline.StatusNoOp {
					a.log.Info().Str("prefix", prefix).Time("watermark", report.LastProcessedTime).Msg("nothing to ingest")
				}
				return a.print(report)
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "source prefix, e.g. horse_data/")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func (a *app) harvestCmd() *cobra.Command {
	var (
		entity       string
		start, count int64
	)
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Fetch a range of entity ids from the registry and store them as one shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context) error {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				res, err := a.newHarvester(store).HarvestBatch(ctx, entity, start, count)
				if err != nil {
					return err
				}
				return a.print(res)
			})
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "horse, jockey, trainer or breeder")
	cmd.Flags().Int64Var(&start, "start", 1, "first id")
	cmd.Flags().Int64Var(&count, "count", 1000, "number of ids")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}
