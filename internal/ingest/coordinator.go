// Package ingest loads new cleaned snapshots of a source into the
// warehouse and advances the source's watermark.
package ingest

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/acme-corp/racing-pipeline/internal/ingestion"
	"github.com/acme-corp/racing-pipeline/internal/metrics"
	"github.com/acme-corp/racing-pipeline/internal/pipeline"
	"github.com/acme-corp/racing-pipeline/internal/schema"
	"github.com/acme-corp/racing-pipeline/internal/snapshot"
	"github.com/acme-corp/racing-pipeline/internal/storage"
	"github.com/acme-corp/racing-pipeline/internal/transform"
	"github.com/acme-corp/racing-pipeline/internal/warehouse"
	"github.com/acme-corp/racing-pipeline/internal/watermark"
)

// Config configures a Coordinator.
type Config struct {
	// Sources maps each source prefix to the relations it feeds.
	Sources map[string][]string

	Workers         int
	BatchSize       int
	StatConcurrency int
	LeaseTTL        time.Duration

	// Timeout bounds one run. Zero leaves it to the caller's context.
	Timeout time.Duration
}

// Snapshot is a cleaned snapshot selected for ingestion.
type Snapshot struct {
	Key     string
	Created time.Time
}

// RelationReport counts what one run did to one relation.
type RelationReport struct {
	Staged   int64 `json:"staged"`
	Skipped  int   `json:"skipped"`
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
}

// Report describes one run. On StatusNoOp only Prefix, RunID and
// LastProcessedTime (the unchanged watermark) are set.
type Report struct {
	Status            pipeline.Status
	RunID             string
	Prefix            string
	ProcessedFiles    []string
	LastProcessedTime time.Time
	Rejected          int
	Relations         map[string]RelationReport
}

// Coordinator runs ingestion for one source at a time per prefix.
type Coordinator struct {
	store   storage.Store
	wh      warehouse.Warehouse
	marks   watermark.Store
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Collector
	newID   func() string
}

func NewCoordinator(store storage.Store, wh warehouse.Warehouse, marks watermark.Store, cfg Config, log zerolog.Logger, m *metrics.Collector) *Coordinator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.StatConcurrency < 1 {
		cfg.StatConcurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	return &Coordinator{
		store:   store,
		wh:      wh,
		marks:   marks,
		cfg:     cfg,
		log:     log,
		metrics: m,
		newID:   func() string { return ulid.Make().String() },
	}
}

// StagingName names the staging relation of one relation in one run.
func StagingName(relation, runID string) string {
	return "stg_" + relation + "_" + strings.ToLower(runID)
}

// Ingest discovers the cleaned snapshots of prefix created after its
// watermark, stages them, merges every target relation, drops the staging
// relations and advances the watermark. Either every merge succeeds and
// the watermark moves to the newest snapshot, or an error is returned and
// the watermark is untouched; staging relations of a failed run are kept.
func (c *Coordinator) Ingest(ctx context.Context, prefix string) (Report, error) {
	rels, err := c.relations(prefix)
	if err != nil {
		return Report{}, err
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	r := &run{c: c, prefix: prefix, rels: rels, id: c.newID()}
	r.log = c.log.With().Str("prefix", prefix).Str("run_id", r.id).Logger()

	start := time.Now()
	report, err := r.execute(ctx)
	if err != nil {
		r.log.Error().Err(err).Str("state", r.state).Msg("ingest failed")
		c.metrics.RunFinished("ingest", "error")
		return Report{}, err
	}
	c.metrics.RunFinished("ingest", string(report.Status))
	c.metrics.TrackStageDuration("ingest", time.Since(start))
	return report, nil
}

func (c *Coordinator) relations(prefix string) ([]schema.Relation, error) {
	if prefix == "" {
		return nil, pipeline.InvalidInput("prefix is required")
	}
	names, ok := c.cfg.Sources[prefix]
	if !ok {
		return nil, pipeline.InvalidInput("unknown source prefix %q", prefix)
	}
	rels, err := schema.Ordered(names)
	if err != nil {
		return nil, errors.Wrapf(err, "source %s", prefix)
	}
	return rels, nil
}

// Discover returns the cleaned snapshots under prefix created strictly
// after since, oldest first. Creation times are truncated to the precision
// the watermark store keeps, so a snapshot equal to the watermark is never
// picked up again.
func (c *Coordinator) Discover(ctx context.Context, prefix string, since time.Time) ([]Snapshot, error) {
	objects, err := c.store.List(ctx, prefix+snapshot.CleanedMarker)
	if err != nil {
		return nil, errors.Wrapf(err, "listing cleaned snapshots under %s", prefix)
	}
	var keys []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, snapshot.Extension) {
			keys = append(keys, obj.Key)
		}
	}

	snaps := make([]Snapshot, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.StatConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			info, err := c.store.Stat(gctx, key)
			if err != nil {
				return errors.Wrapf(err, "reading metadata of %s", key)
			}
			snaps[i] = Snapshot{Key: key, Created: watermark.Truncate(info.Created)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fresh := snaps[:0]
	for _, s := range snaps {
		if s.Created.After(since) {
			fresh = append(fresh, s)
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		if !fresh[i].Created.Equal(fresh[j].Created) {
			return fresh[i].Created.Before(fresh[j].Created)
		}
		return fresh[i].Key < fresh[j].Key
	})
	return fresh, nil
}

// run is the state of one Ingest call.
type run struct {
	c      *Coordinator
	prefix string
	rels   []schema.Relation
	id     string
	log    zerolog.Logger
	state  string
}

func (r *run) enter(state string) {
	r.log.Debug().Str("from", r.state).Str("to", state).Msg("state transition")
	r.state = state
}

func (r *run) execute(ctx context.Context) (Report, error) {
	c := r.c
	r.state = "idle"

	ok, err := c.marks.Acquire(ctx, r.prefix, r.id, c.cfg.LeaseTTL)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{}, errors.Wrapf(pipeline.ErrBusy, "prefix %s", r.prefix)
	}
	defer func() {
		if err := c.marks.Release(context.WithoutCancel(ctx), r.prefix, r.id); err != nil {
			r.log.Warn().Err(err).Msg("releasing lease")
		}
	}()

	r.enter("discovering")
	since, err := c.marks.Get(ctx, r.prefix)
	if err != nil {
		return Report{}, err
	}
	snaps, err := c.Discover(ctx, r.prefix, since)
	if err != nil {
		return Report{}, err
	}
	report := Report{Status: pipeline.StatusNoOp, RunID: r.id, Prefix: r.prefix, LastProcessedTime: since}
	if len(snaps) == 0 {
		r.enter("no_new_data")
		r.log.Info().Time("watermark", since).Msg("no new files to ingest")
		return report, nil
	}
	r.log.Info().Int("files", len(snaps)).Time("watermark", since).Msg("discovered new cleaned files")

	r.enter("staging")
	relReports, rejected, err := r.stage(ctx, snaps)
	if err != nil {
		return Report{}, err
	}

	for _, rel := range r.rels {
		r.enter("merging(" + rel.Name + ")")
		stats, err := c.wh.Merge(ctx, warehouse.SpecFor(rel, StagingName(rel.Name, r.id)))
		if err != nil {
			return Report{}, errors.Wrapf(err, "merging %s", rel.Name)
		}
		rr := relReports[rel.Name]
		rr.Inserted, rr.Updated = stats.Inserted, stats.Updated
		relReports[rel.Name] = rr
		c.metrics.RowsMerged(rel.Name, stats.Inserted, stats.Updated)
		r.log.Info().Str("relation", rel.Name).Int64("inserted", stats.Inserted).Int64("updated", stats.Updated).Msg("merged")
	}

	r.enter("cleanup")
	for _, rel := range r.rels {
		name := StagingName(rel.Name, r.id)
		if err := c.wh.Drop(ctx, name); err != nil {
			r.log.Warn().Err(err).Str("staging", name).Msg("dropping staging relation")
		}
	}

	latest := snaps[len(snaps)-1].Created
	if err := c.marks.Advance(ctx, r.prefix, latest); err != nil {
		return Report{}, err
	}
	c.metrics.SetWatermark(r.prefix, latest)
	r.enter("done")

	report.Status = pipeline.StatusOK
	report.LastProcessedTime = latest
	report.Rejected = rejected
	report.Relations = relReports
	for _, s := range snaps {
		report.ProcessedFiles = append(report.ProcessedFiles, s.Key)
	}
	r.log.Info().Int("files", len(snaps)).Time("watermark", latest).Int("rejected", rejected).Msg("ingest completed")
	return report, nil
}

// stage creates one staging relation per target and loads every selected
// snapshot into them, in snapshot order.
func (r *run) stage(ctx context.Context, snaps []Snapshot) (map[string]RelationReport, int, error) {
	c := r.c
	reports := make(map[string]RelationReport, len(r.rels))
	for _, rel := range r.rels {
		name := StagingName(rel.Name, r.id)
		if err := c.wh.CreateStaging(ctx, name, rel); err != nil {
			return nil, 0, err
		}
		r.log.Debug().Str("relation", rel.Name).Str("staging", name).Msg("created staging relation")
		reports[rel.Name] = RelationReport{}
	}

	projections, err := transform.Projections(r.rels)
	if err != nil {
		return nil, 0, err
	}
	proc := transform.NewPipeline(c.cfg.Workers, r.log)
	for _, p := range projections {
		proc.AddProjection(p)
	}
	proc.SetErrorHandler(func(err error, rec ingestion.Record) {
		r.log.Warn().Err(err).Str("file", rec.Source).Int64("line", rec.Line).Msg("record rejected")
		c.metrics.RecordRemoved("ingest", "rejected", 1)
	})

	rejected := 0
	for _, s := range snaps {
		src := ingestion.NewNDJSONSource(c.store, s.Key)
		if err := src.Open(ctx); err != nil {
			return nil, 0, err
		}
		err := ingestion.ReadAll(ctx, src, c.cfg.BatchSize, func(b *ingestion.Batch) error {
			c.metrics.RecordRead("ingest", int64(len(b.Records)))
			rows, errs := proc.Process(ctx, b)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			rejected += len(errs)
			c.metrics.RecordWritten("ingest", int64(len(b.Records)-len(errs)))
			for _, rel := range r.rels {
				n, err := c.wh.Load(ctx, StagingName(rel.Name, r.id), rel, rows.Rows[rel.Name])
				if err != nil {
					return err
				}
				rr := reports[rel.Name]
				rr.Staged += n
				rr.Skipped += rows.Skipped[rel.Name]
				reports[rel.Name] = rr
			}
			return nil
		})
		src.Close()
		if err != nil {
			return nil, 0, errors.Wrapf(err, "staging %s", s.Key)
		}
		r.log.Debug().Str("file", s.Key).Msg("staged file")
	}
	return reports, rejected, nil
}
