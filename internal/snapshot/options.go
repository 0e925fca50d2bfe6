package snapshot

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/acme-corp/racing-pipeline/internal/metrics"
)

type options struct {
	now       func() time.Time
	log       zerolog.Logger
	metrics   *metrics.Collector
	batchSize int
}

// Option configures a Merger or a Cleaner.
type Option func(*options)

// WithClock sets the clock used to name master snapshots.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithBatchSize sets how many lines the cleaner reads at a time.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: zerolog.Nop(), batchSize: 1000}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		o.batchSize = 1000
	}
	return o
}
