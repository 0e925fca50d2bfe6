package warehouse

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/acme-corp/racing-pipeline/internal/schema"
)

// Postgres is the warehouse on PostgreSQL 15 or later.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgres opens a connection pool and checks that the server answers.
func NewPostgres(ctx context.Context, dsn string, maxConns int, log zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parsing warehouse dsn")
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "connecting to warehouse")
	}
	return &Postgres{pool: pool, log: log}, nil
}

// Pool exposes the connection pool so the watermark store can share it.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) EnsureSchema(ctx context.Context, rels []schema.Relation) error {
	for _, rel := range rels {
		if _, err := p.pool.Exec(ctx, createTableSQL(rel)); err != nil {
			return errors.Wrapf(err, "creating relation %s", rel.Name)
		}
	}
	return nil
}

func (p *Postgres) CreateStaging(ctx context.Context, name string, rel schema.Relation) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, dropSQL(name)); err != nil {
			return errors.Wrapf(err, "dropping staging %s", name)
		}
		if _, err := tx.Exec(ctx, createStagingSQL(name, rel)); err != nil {
			return errors.Wrapf(err, "creating staging %s", name)
		}
		return nil
	})
}

func (p *Postgres) Load(ctx context.Context, name string, rel schema.Relation, rows []schema.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = r
	}
	n, err := p.pool.CopyFrom(ctx, pgx.Identifier{name}, rel.ColumnNames(), pgx.CopyFromRows(src))
	if err != nil {
		return n, errors.Wrapf(err, "loading %d rows into %s", len(rows), name)
	}
	return n, nil
}

// Merge runs the upsert and derives its statistics inside one transaction:
// inserted rows are the growth of the target, updated rows are the rest of
// the rows the statement affected.
func (p *Postgres) Merge(ctx context.Context, spec UpsertSpec) (MergeStats, error) {
	if err := spec.validate(); err != nil {
		return MergeStats{}, err
	}

	var stats MergeStats
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var before, after int64
		if err := tx.QueryRow(ctx, countSQL(spec.Target)).Scan(&before); err != nil {
			return errors.Wrapf(err, "counting %s", spec.Target)
		}
		tag, err := tx.Exec(ctx, mergeSQL(spec))
		if err != nil {
			return errors.Wrapf(err, "merging %s into %s", spec.Staging, spec.Target)
		}
		if err := tx.QueryRow(ctx, countSQL(spec.Target)).Scan(&after); err != nil {
			return errors.Wrapf(err, "counting %s", spec.Target)
		}
		stats.Inserted = after - before
		stats.Updated = tag.RowsAffected() - stats.Inserted
		return nil
	})
	if err != nil {
		return MergeStats{}, err
	}
	p.log.Debug().Str("relation", spec.Target).Str("staging", spec.Staging).
		Int64("inserted", stats.Inserted).Int64("updated", stats.Updated).Msg("merged")
	return stats, nil
}

func (p *Postgres) Drop(ctx context.Context, name string) error {
	if _, err := p.pool.Exec(ctx, dropSQL(name)); err != nil {
		return errors.Wrapf(err, "dropping %s", name)
	}
	return nil
}

func (p *Postgres) Count(ctx context.Context, relation string) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, countSQL(relation)).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "counting %s", relation)
	}
	return n, nil
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				p.log.Error().Err(rbErr).AnErr("original_error", err).Msg("rollback failed")
			}
			return
		}
		err = errors.Wrap(tx.Commit(ctx), "committing transaction")
	}()
	return fn(tx)
}
