package watermark

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ingestion_metadata (
  prefix TEXT PRIMARY KEY,
  last_processed_time TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ingestion_leases (
  prefix TEXT PRIMARY KEY,
  holder TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL
)`

const getSQL = `SELECT last_processed_time FROM ingestion_metadata WHERE prefix = $1`

const advanceSQL = `
INSERT INTO ingestion_metadata (prefix, last_processed_time) VALUES ($1, $2)
ON CONFLICT (prefix) DO UPDATE
SET last_processed_time = GREATEST(ingestion_metadata.last_processed_time, EXCLUDED.last_processed_time)`

const acquireSQL = `
INSERT INTO ingestion_leases (prefix, holder, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3))
ON CONFLICT (prefix) DO UPDATE
SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
WHERE ingestion_leases.expires_at < now() OR ingestion_leases.holder = EXCLUDED.holder
RETURNING holder`

const releaseSQL = `DELETE FROM ingestion_leases WHERE prefix = $1 AND holder = $2`

// PGStore keeps watermarks and leases in the warehouse database. Each
// operation is a single statement, so concurrent callers never observe a
// partial update.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "creating watermark relations")
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, prefix string) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, getSQL, prefix).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return Epoch, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "reading watermark of %s", prefix)
	}
	return ts.UTC(), nil
}

func (s *PGStore) Advance(ctx context.Context, prefix string, ts time.Time) error {
	if _, err := s.pool.Exec(ctx, advanceSQL, prefix, Truncate(ts)); err != nil {
		return errors.Wrapf(err, "advancing watermark of %s", prefix)
	}
	return nil
}

func (s *PGStore) Acquire(ctx context.Context, prefix, holder string, ttl time.Duration) (bool, error) {
	var got string
	err := s.pool.QueryRow(ctx, acquireSQL, prefix, holder, ttl.Seconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "acquiring lease on %s", prefix)
	}
	return got == holder, nil
}

func (s *PGStore) Release(ctx context.Context, prefix, holder string) error {
	if _, err := s.pool.Exec(ctx, releaseSQL, prefix, holder); err != nil {
		return errors.Wrapf(err, "releasing lease on %s", prefix)
	}
	return nil
}
