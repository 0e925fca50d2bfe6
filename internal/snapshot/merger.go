package snapshot

import (
	"context"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/acme-corp/racing-pipeline/internal/pipeline"
	"github.com/acme-corp/racing-pipeline/internal/storage"
)

// MergeRequest selects the shards to consolidate.
type MergeRequest struct {
	Prefix       string `json:"prefix"`
	OutputPrefix string `json:"outputPrefix"`
	Pattern      string `json:"pattern"`
}

// MergeResult describes one merge. MasterFile is empty when Status is
// StatusNoOp.
type MergeResult struct {
	Status      pipeline.Status
	MasterFile  string
	MergedCount int
	Shards      []string
	Created     time.Time
}

// Merger concatenates shards into master snapshots.
type Merger struct {
	store storage.Store
	opts  options
}

func NewMerger(store storage.Store, opts ...Option) *Merger {
	return &Merger{store: store, opts: buildOptions(opts)}
}

func (r MergeRequest) compile() (*regexp.Regexp, error) {
	if r.Prefix == "" || r.OutputPrefix == "" || r.Pattern == "" {
		return nil, pipeline.InvalidInput("prefix, outputPrefix and pattern are required")
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, pipeline.InvalidInput("pattern: %v", err)
	}
	return re, nil
}

// Shards lists the shard names under the request prefix that match its
// pattern, relative to the prefix and sorted. Master and cleaned snapshots
// are never shards.
func (m *Merger) Shards(ctx context.Context, req MergeRequest) ([]string, error) {
	re, err := req.compile()
	if err != nil {
		return nil, err
	}
	objects, err := m.store.List(ctx, req.Prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "listing shards under %s", req.Prefix)
	}
	var names []string
	for _, obj := range objects {
		if IsMaster(obj.Key) || IsCleaned(obj.Key) {
			continue
		}
		name := strings.TrimPrefix(obj.Key, req.Prefix)
		if re.MatchString(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

// MergeShards writes every matching shard, in name order, into one new
// master snapshot. Each shard body is followed by a newline, so a shard
// without a trailing newline cannot fuse with the next one. The master
// only becomes visible if every shard was copied. Shards are left in place.
func (m *Merger) MergeShards(ctx context.Context, req MergeRequest) (MergeResult, error) {
	start := time.Now()
	log := m.opts.log.With().Str("prefix", req.Prefix).Logger()

	names, err := m.Shards(ctx, req)
	if err != nil {
		m.opts.metrics.RunFinished("merge", "error")
		return MergeResult{}, err
	}
	if len(names) == 0 {
		log.Info().Str("pattern", req.Pattern).Msg("no shards to merge")
		m.opts.metrics.RunFinished("merge", string(pipeline.StatusNoOp))
		return MergeResult{Status: pipeline.StatusNoOp}, nil
	}

	masterKey := MasterKey(req.OutputPrefix, m.opts.now())
	log = log.With().Str("master", masterKey).Logger()
	log.Debug().Int("shards", len(names)).Msg("creating master file")

	info, err := m.write(ctx, masterKey, req.Prefix, names)
	if err != nil {
		log.Error().Err(err).Msg("merge aborted")
		m.opts.metrics.RunFinished("merge", "error")
		return MergeResult{}, err
	}

	m.opts.metrics.ShardsMerged(int64(len(names)))
	m.opts.metrics.RunFinished("merge", string(pipeline.StatusOK))
	m.opts.metrics.TrackStageDuration("merge", time.Since(start))
	log.Info().Int("merged", len(names)).Int64("bytes", info.Size).Msg("merge completed")

	return MergeResult{
		Status:      pipeline.StatusOK,
		MasterFile:  masterKey,
		MergedCount: len(names),
		Shards:      names,
		Created:     info.Created,
	}, nil
}

func (m *Merger) write(ctx context.Context, masterKey, prefix string, names []string) (storage.ObjectInfo, error) {
	w, err := m.store.Create(ctx, masterKey, storage.ContentTypeNDJSON)
	if err != nil {
		return storage.ObjectInfo{}, errors.Wrapf(err, "creating %s", masterKey)
	}
	for _, name := range names {
		if err := m.appendShard(ctx, w, prefix+name); err != nil {
			w.Abort(err)
			return storage.ObjectInfo{}, err
		}
		m.opts.log.Debug().Str("shard", name).Msg("appended shard")
	}
	info, err := w.Commit()
	if err != nil {
		return storage.ObjectInfo{}, errors.Wrapf(err, "finalizing %s", masterKey)
	}
	return info, nil
}

func (m *Merger) appendShard(ctx context.Context, w io.Writer, key string) error {
	body, err := m.store.Open(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "reading shard %s", key)
	}
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		return errors.Wrapf(err, "copying shard %s", key)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return errors.Wrapf(err, "copying shard %s", key)
	}
	return nil
}

// DeleteShards removes merged shards. It is never called by MergeShards.
func (m *Merger) DeleteShards(ctx context.Context, prefix string, names []string) error {
	for _, name := range names {
		if err := m.store.Delete(ctx, prefix+name); err != nil && !errors.Is(err, storage.ErrNotExist) {
			return errors.Wrapf(err, "deleting shard %s", name)
		}
		m.opts.log.Debug().Str("shard", name).Msg("deleted shard")
	}
	return nil
}
