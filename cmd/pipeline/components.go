package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/acme-corp/racing-pipeline/internal/harvest"
	"github.com/acme-corp/racing-pipeline/internal/ingest"
	"github.com/acme-corp/racing-pipeline/internal/schema"
	"github.com/acme-corp/racing-pipeline/internal/snapshot"
	"github.com/acme-corp/racing-pipeline/internal/storage"
	"github.com/acme-corp/racing-pipeline/internal/warehouse"
	"github.com/acme-corp/racing-pipeline/internal/watermark"
)

// uploadRetries bounds the attempts of one shard upload beyond the first.
const uploadRetries = 3

func (a *app) openStore() (storage.Store, error) {
	c := a.cfg.Storage
	switch c.Driver {
	case "fs":
		return storage.NewDirStore(c.Root, storage.WithLogger(a.log))
	case "s3":
		return storage.NewS3Store(storage.S3Config{
			Endpoint:  c.Endpoint,
			Bucket:    c.Bucket,
			Region:    c.Region,
			AccessKey: c.AccessKey,
			SecretKey: c.SecretKey,
			UseSSL:    c.UseSSL,
			Log:       a.log,
		})
	case "memory":
		return storage.NewMemStore(), nil
	default:
		return nil, errors.Errorf("unsupported storage driver %q", c.Driver)
	}
}

// openWarehouse returns the warehouse, the watermark store sharing its
// connection, and a function releasing both.
func (a *app) openWarehouse(ctx context.Context) (warehouse.Warehouse, watermark.Store, func(), error) {
	c := a.cfg.Warehouse
	switch c.Driver {
	case "postgres":
		pg, err := warehouse.NewPostgres(ctx, c.DSN, c.MaxConns, a.log)
		if err != nil {
			return nil, nil, nil, err
		}
		marks := watermark.NewPGStore(pg.Pool())
		if c.EnsureSchema {
			if err := pg.EnsureSchema(ctx, schema.Catalog); err != nil {
				pg.Close()
				return nil, nil, nil, err
			}
			if err := marks.EnsureSchema(ctx); err != nil {
				pg.Close()
				return nil, nil, nil, err
			}
		}
		return pg, marks, pg.Close, nil
	case "memory":
		a.log.Warn().Msg("using the in-memory warehouse; nothing outlives the process")
		wh := warehouse.NewMemory(nil)
		if err := wh.EnsureSchema(ctx, schema.Catalog); err != nil {
			return nil, nil, nil, err
		}
		return wh, watermark.NewMemory(nil), func() {}, nil
	default:
		return nil, nil, nil, errors.Errorf("unsupported warehouse driver %q", c.Driver)
	}
}

func (a *app) snapshotOptions() []snapshot.Option {
	return []snapshot.Option{
		snapshot.WithLogger(a.log),
		snapshot.WithMetrics(a.metrics),
		snapshot.WithBatchSize(a.cfg.Clean.BatchSize),
	}
}

func (a *app) newCoordinator(store storage.Store, wh warehouse.Warehouse, marks watermark.Store) *ingest.Coordinator {
	c := a.cfg.Ingest
	return ingest.NewCoordinator(store, wh, marks, ingest.Config{
		Sources:         c.Sources,
		Workers:         c.Workers,
		BatchSize:       c.BatchSize,
		StatConcurrency: c.StatConcurrency,
		LeaseTTL:        c.LeaseTTL,
		Timeout:         c.Timeout,
	}, a.log, a.metrics)
}

func (a *app) fetcherConfig() harvest.HTTPConfig {
	c := a.cfg.Harvest
	return harvest.HTTPConfig{
		BaseURL:       c.BaseURL,
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
		RetryMax:      c.RetryMax,
		RetryDelay:    c.RetryDelay,
		Timeout:       c.Timeout,
	}
}

func (a *app) newHarvester(store storage.Store) *harvest.Harvester {
	c := a.cfg.Harvest
	fetcher := harvest.NewHTTPFetcher(a.fetcherConfig(), a.log)
	writer := storage.NewRetryWriter(store, uploadRetries, c.RetryDelay, a.log)
	return harvest.NewHarvester(fetcher, writer, harvest.Config{
		Prefixes:    c.Prefixes,
		Concurrency: c.Concurrency,
		Cutoff:      c.Cutoff,
	}, a.log, a.metrics)
}
