package snapshot

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/acme-corp/racing-pipeline/internal/ingestion"
	"github.com/acme-corp/racing-pipeline/internal/pipeline"
	"github.com/acme-corp/racing-pipeline/internal/storage"
	"github.com/acme-corp/racing-pipeline/internal/transform"
)

// CleanResult describes the cleaning of one master snapshot.
type CleanResult struct {
	Status         pipeline.Status
	MasterFile     string
	CleanedFile    string
	InitialCount   int64
	RemovedCount   int64
	MalformedCount int64
	DuplicateCount int64
	FinalCount     int64
	Created        time.Time
}

// Cleaner turns master snapshots into cleaned snapshots holding each
// distinct valid record once, in first-seen order.
type Cleaner struct {
	store storage.Store
	opts  options
}

func NewCleaner(store storage.Store, opts ...Option) *Cleaner {
	return &Cleaner{store: store, opts: buildOptions(opts)}
}

// CleanMaster cleans one master snapshot. When its cleaned snapshot
// already exists the master is not read and the result is StatusSkipped.
func (c *Cleaner) CleanMaster(ctx context.Context, masterKey string) (CleanResult, error) {
	if !IsMaster(masterKey) {
		return CleanResult{}, pipeline.InvalidInput("%s is not a master snapshot", masterKey)
	}
	cleanedKey := CleanedKey(masterKey)
	res := CleanResult{MasterFile: masterKey, CleanedFile: cleanedKey}
	log := c.opts.log.With().Str("master", masterKey).Str("cleaned", cleanedKey).Logger()

	exists, err := c.store.Exists(ctx, cleanedKey)
	if err != nil {
		return CleanResult{}, errors.Wrapf(err, "checking %s", cleanedKey)
	}
	if exists {
		log.Info().Msg("already cleaned, skipping")
		res.Status = pipeline.StatusSkipped
		c.opts.metrics.RunFinished("clean", string(pipeline.StatusSkipped))
		return res, nil
	}

	start := time.Now()
	if err := c.clean(ctx, &res); err != nil {
		log.Error().Err(err).Msg("clean aborted")
		c.opts.metrics.RunFinished("clean", "error")
		return CleanResult{}, err
	}

	c.opts.metrics.RecordRead("clean", res.InitialCount)
	c.opts.metrics.RecordRemoved("clean", "malformed", res.MalformedCount)
	c.opts.metrics.RecordRemoved("clean", "duplicate", res.DuplicateCount)
	c.opts.metrics.RecordWritten("clean", res.FinalCount)
	c.opts.metrics.RunFinished("clean", string(pipeline.StatusOK))
	c.opts.metrics.TrackStageDuration("clean", time.Since(start))
	log.Info().
		Int64("initial", res.InitialCount).
		Int64("removed", res.RemovedCount).
		Int64("final", res.FinalCount).
		Msg("cleaned")
	return res, nil
}

func (c *Cleaner) clean(ctx context.Context, res *CleanResult) error {
	src := ingestion.NewNDJSONSource(c.store, res.MasterFile)
	if err := src.Open(ctx); err != nil {
		return err
	}
	defer src.Close()

	obj, err := c.store.Create(ctx, res.CleanedFile, storage.ContentTypeNDJSON)
	if err != nil {
		return errors.Wrapf(err, "creating %s", res.CleanedFile)
	}
	out := storage.NewNDJSONWriter(obj)
	dedup := transform.NewDeduplicator()

	err = ingestion.ReadAll(ctx, src, c.opts.batchSize, func(b *ingestion.Batch) error {
		for _, rec := range b.Records {
			res.InitialCount++
			if rec.Malformed() {
				c.opts.log.Debug().Err(rec.Err).Int64("line", rec.Line).Msg("malformed record")
				res.MalformedCount++
				continue
			}
			canonical, err := transform.Canonical(rec.Value)
			if err != nil {
				return errors.Wrapf(err, "line %d", rec.Line)
			}
			if dedup.Seen(canonical) {
				res.DuplicateCount++
				continue
			}
			if err := out.WriteLine(canonical); err != nil {
				return errors.Wrapf(err, "writing %s", res.CleanedFile)
			}
		}
		return nil
	})
	if err != nil {
		out.Abort(err)
		return errors.Wrapf(err, "cleaning %s", res.MasterFile)
	}

	info, err := out.Commit()
	if err != nil {
		return errors.Wrapf(err, "finalizing %s", res.CleanedFile)
	}
	res.Status = pipeline.StatusOK
	res.RemovedCount = res.MalformedCount + res.DuplicateCount
	res.FinalCount = out.Lines()
	res.Created = info.Created
	return nil
}

// CleanPrefix cleans every master snapshot under prefix, in key order, and
// returns the results of the masters actually cleaned.
func (c *Cleaner) CleanPrefix(ctx context.Context, prefix string) ([]CleanResult, error) {
	if prefix == "" {
		return nil, pipeline.InvalidInput("prefix is required")
	}
	objects, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "listing masters under %s", prefix)
	}

	var processed []CleanResult
	for _, obj := range objects {
		if !IsMaster(obj.Key) {
			continue
		}
		res, err := c.CleanMaster(ctx, obj.Key)
		if err != nil {
			return processed, err
		}
		if res.Status == pipeline.StatusOK {
			processed = append(processed, res)
		}
	}
	if len(processed) == 0 {
		c.opts.log.Info().Str("prefix", prefix).Msg("no fresh master files")
	}
	return processed, nil
}
