package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/acme-corp/racing-pipeline/internal/metrics"
	"github.com/acme-corp/racing-pipeline/internal/pipeline"
	"github.com/acme-corp/racing-pipeline/internal/snapshot"
	"github.com/acme-corp/racing-pipeline/internal/storage"
	"github.com/acme-corp/racing-pipeline/internal/workpool"
)

// Config configures a Harvester.
type Config struct {
	// Prefixes maps each entity to the prefix its shards are written under.
	Prefixes    map[string]string
	Concurrency int

	// Cutoff is the number of consecutive misses after which a batch stops.
	Cutoff int
}

// Result describes one harvested batch. ShardKey is empty when nothing was
// found.
type Result struct {
	Status   pipeline.Status
	Entity   string
	ShardKey string
	Stats    workpool.Stats
	FirstID  int64
	LastID   int64
}

// Harvester fetches id ranges of one entity kind and stores each batch as
// one shard.
type Harvester struct {
	fetcher Fetcher
	writer  *storage.RetryWriter
	cfg     Config
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Collector
}

func NewHarvester(fetcher Fetcher, writer *storage.RetryWriter, cfg Config, log zerolog.Logger, m *metrics.Collector) *Harvester {
	return &Harvester{fetcher: fetcher, writer: writer, cfg: cfg, now: time.Now, log: log, metrics: m}
}

// HarvestBatch fetches up to count entities starting at startID with
// bounded concurrency, stopping early after Cutoff consecutive misses.
// Found records are written in id order as one shard.
func (h *Harvester) HarvestBatch(ctx context.Context, entity string, startID, count int64) (Result, error) {
	prefix, ok := h.cfg.Prefixes[entity]
	if !ok {
		return Result{}, pipeline.InvalidInput("unknown entity %q", entity)
	}
	if startID <= 0 || count <= 0 {
		return Result{}, pipeline.InvalidInput("start id and count must be positive")
	}
	log := h.log.With().Str("entity", entity).Int64("start", startID).Int64("count", count).Logger()
	log.Debug().Msg("harvesting batch")

	start := time.Now()
	found, stats, err := workpool.Run(ctx, workpool.Options{
		Concurrency: h.cfg.Concurrency,
		Window:      h.cfg.Cutoff,
		Stop:        workpool.ConsecutiveMisses(h.cfg.Cutoff),
	}, workpool.Range(startID, count), func(ctx context.Context, id int64) (map[string]any, bool, error) {
		rec, ok, err := h.fetcher.Fetch(ctx, entity, id)
		switch {
		case err != nil:
			log.Error().Err(err).Int64("id", id).Msg("fetch failed")
			h.metrics.FetchOutcome(entity, "error")
		case ok:
			h.metrics.FetchOutcome(entity, "found")
		default:
			h.metrics.FetchOutcome(entity, "missing")
		}
		return rec, ok, err
	})
	if err != nil {
		return Result{}, err
	}
	if stats.StoppedEarly {
		log.Warn().Int("dispatched", stats.Dispatched).Msg("stopped after consecutive misses")
	}

	res := Result{Status: pipeline.StatusNoOp, Entity: entity, Stats: stats}
	if len(found) == 0 {
		log.Info().Msg("nothing fetched, no shard written")
		return res, nil
	}

	var body bytes.Buffer
	for _, f := range found {
		line, err := json.Marshal(f.Result)
		if err != nil {
			return Result{}, errors.Wrapf(err, "encoding %s %d", entity, f.ID)
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	res.FirstID, res.LastID = found[0].ID, found[len(found)-1].ID
	res.ShardKey = snapshot.ShardKey(prefix, res.FirstID, res.LastID, h.now())
	if _, err := h.writer.Put(ctx, res.ShardKey, storage.ContentTypeNDJSON, body.Bytes()); err != nil {
		return Result{}, err
	}
	res.Status = pipeline.StatusOK

	h.metrics.TrackStageDuration("harvest", time.Since(start))
	log.Info().Str("shard", res.ShardKey).Int("found", stats.Found).Msg("saved shard")
	return res, nil
}
