// Package watermark persists, per source prefix, the creation time of the
// newest cleaned snapshot already ingested, and a lease that keeps two
// ingestion runs off the same prefix.
package watermark

import (
	"context"
	"time"
)

// Epoch is the watermark of a prefix that was never ingested.
var Epoch = time.Unix(0, 0).UTC()

// Store is the watermark store.
type Store interface {
	// Get returns the watermark of prefix, or Epoch when none is stored.
	Get(ctx context.Context, prefix string) (time.Time, error)

	// Advance raises the watermark to ts. A ts older than the stored value
	// leaves it unchanged.
	Advance(ctx context.Context, prefix string, ts time.Time) error

	// Acquire takes the lease on prefix for holder. It succeeds when no
	// lease exists, the lease expired, or holder already holds it.
	Acquire(ctx context.Context, prefix, holder string, ttl time.Duration) (bool, error)

	// Release drops the lease if holder still holds it.
	Release(ctx context.Context, prefix, holder string) error
}

// Truncate rounds t down to the precision the stores keep.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
