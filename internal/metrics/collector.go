package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector gathers pipeline metrics. Counters are exported through a
// private Prometheus registry and mirrored in atomics so that a Snapshot can
// be logged without scraping. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	records      *prometheus.CounterVec
	shards       prometheus.Counter
	runs         *prometheus.CounterVec
	mergedRows   *prometheus.CounterVec
	stageSeconds *prometheus.HistogramVec
	watermark    *prometheus.GaugeVec
	fetches      *prometheus.CounterVec

	recordsRead    atomic.Int64
	recordsWritten atomic.Int64
	recordsRemoved atomic.Int64
	shardsMerged   atomic.Int64
	rowsInserted   atomic.Int64
	rowsUpdated    atomic.Int64
	runsFailed     atomic.Int64

	stageDurations map[string]*durationTracker
	mu             sync.RWMutex

	startTime time.Time
}

type durationTracker struct {
	total time.Duration
	count int64
	mu    sync.Mutex
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_records_total",
			Help: "Snapshot records by stage and outcome.",
		}, []string{"stage", "outcome"}),
		shards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_shards_merged_total",
			Help: "Shards concatenated into master snapshots.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Stage invocations by operation and status.",
		}, []string{"operation", "status"}),
		mergedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_merged_rows_total",
			Help: "Rows merged into production relations by action.",
		}, []string{"relation", "action"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"stage"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_watermark_timestamp_seconds",
			Help: "Last processed cleaned snapshot creation time per source.",
		}, []string{"prefix"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_harvest_fetches_total",
			Help: "Upstream entity fetches by entity and outcome.",
		}, []string{"entity", "outcome"}),
		stageDurations: make(map[string]*durationTracker),
		startTime:      time.Now(),
	}
	c.registry.MustRegister(c.records, c.shards, c.runs, c.mergedRows, c.stageSeconds, c.watermark, c.fetches)
	return c
}

// Handler exposes the collector's registry in the Prometheus text format.
// A nil collector serves an empty registry.
func (c *Collector) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	if c != nil {
		registry = c.registry
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func (c *Collector) RecordRead(stage string, n int64) {
	if c == nil || n == 0 {
		return
	}
	c.recordsRead.Add(n)
	c.records.WithLabelValues(stage, "read").Add(float64(n))
}

func (c *Collector) RecordWritten(stage string, n int64) {
	if c == nil || n == 0 {
		return
	}
	c.recordsWritten.Add(n)
	c.records.WithLabelValues(stage, "written").Add(float64(n))
}

// RecordRemoved counts records a stage dropped for reason ("malformed",
// "duplicate", "rejected").
func (c *Collector) RecordRemoved(stage, reason string, n int64) {
	if c == nil || n == 0 {
		return
	}
	c.recordsRemoved.Add(n)
	c.records.WithLabelValues(stage, reason).Add(float64(n))
}

func (c *Collector) ShardsMerged(n int64) {
	if c == nil || n == 0 {
		return
	}
	c.shardsMerged.Add(n)
	c.shards.Add(float64(n))
}

// RunFinished counts one invocation of operation ending with status, which
// is a pipeline status or "error".
func (c *Collector) RunFinished(operation, status string) {
	if c == nil {
		return
	}
	if status == "error" {
		c.runsFailed.Add(1)
	}
	c.runs.WithLabelValues(operation, status).Inc()
}

func (c *Collector) RowsMerged(relation string, inserted, updated int64) {
	if c == nil {
		return
	}
	c.rowsInserted.Add(inserted)
	c.rowsUpdated.Add(updated)
	c.mergedRows.WithLabelValues(relation, "insert").Add(float64(inserted))
	c.mergedRows.WithLabelValues(relation, "update").Add(float64(updated))
}

func (c *Collector) SetWatermark(prefix string, t time.Time) {
	if c == nil {
		return
	}
	c.watermark.WithLabelValues(prefix).Set(float64(t.Unix()))
}

func (c *Collector) FetchOutcome(entity, outcome string) {
	if c == nil {
		return
	}
	c.fetches.WithLabelValues(entity, outcome).Inc()
}

// TrackStageDuration records how long a named stage took.
func (c *Collector) TrackStageDuration(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageSeconds.WithLabelValues(stage).Observe(d.Seconds())

	c.mu.RLock()
	tracker, ok := c.stageDurations[stage]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		// Double-check after acquiring write lock
		if tracker, ok = c.stageDurations[stage]; !ok {
			tracker = &durationTracker{}
			c.stageDurations[stage] = tracker
		}
		c.mu.Unlock()
	}

	tracker.mu.Lock()
	tracker.total += d
	tracker.count++
	tracker.mu.Unlock()
}

// Snapshot represents a point-in-time view of pipeline metrics.
type Snapshot struct {
	RecordsRead      int64             `json:"records_read"`
	RecordsWritten   int64             `json:"records_written"`
	RecordsRemoved   int64             `json:"records_removed"`
	ShardsMerged     int64             `json:"shards_merged"`
	RowsInserted     int64             `json:"rows_inserted"`
	RowsUpdated      int64             `json:"rows_updated"`
	RunsFailed       int64             `json:"runs_failed"`
	Uptime           string            `json:"uptime"`
	AvgStageDuration map[string]string `json:"avg_stage_duration_ms"`
	RemovalRate      float64           `json:"removal_rate_percent"`
}

// Snapshot returns a consistent view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{AvgStageDuration: map[string]string{}}
	}
	read := c.recordsRead.Load()
	removed := c.recordsRemoved.Load()

	var removalRate float64
	if read > 0 {
		removalRate = float64(removed) / float64(read) * 100
	}

	avgDurations := make(map[string]string)
	c.mu.RLock()
	for stage, tracker := range c.stageDurations {
		tracker.mu.Lock()
		if tracker.count > 0 {
			avg := tracker.total / time.Duration(tracker.count)
			avgDurations[stage] = fmt.Sprintf("%.2fms", float64(avg.Microseconds())/1000)
		}
		tracker.mu.Unlock()
	}
	c.mu.RUnlock()

	return Snapshot{
		RecordsRead:      read,
		RecordsWritten:   c.recordsWritten.Load(),
		RecordsRemoved:   removed,
		ShardsMerged:     c.shardsMerged.Load(),
		RowsInserted:     c.rowsInserted.Load(),
		RowsUpdated:      c.rowsUpdated.Load(),
		RunsFailed:       c.runsFailed.Load(),
		Uptime:           time.Since(c.startTime).Round(time.Second).String(),
		AvgStageDuration: avgDurations,
		RemovalRate:      removalRate,
	}
}

// JSON returns the snapshot as formatted JSON.
func (c *Collector) JSON() (string, error) {
	snap := c.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
