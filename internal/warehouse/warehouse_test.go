package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/racing-pipeline/internal/schema"
)

var careers, _ = schema.Lookup(schema.HorseCareers)

func TestMergeSQL(t *testing.T) {
	got := mergeSQL(UpsertSpec{
		Target:  "breeders",
		Staging: "stg_breeders_01",
		Keys:    []string{"breeder_id"},
		Columns: []string{"breeder_id", "name", "city"},
	})
	want := `MERGE INTO "breeders" AS tgt
USING (
  SELECT DISTINCT ON ("breeder_id") "breeder_id", "name", "city"
  FROM "stg_breeders_01"
  ORDER BY "breeder_id", "_seq" DESC
) AS src
ON tgt."breeder_id" = src."breeder_id"
WHEN MATCHED AND (tgt."name", tgt."city") IS DISTINCT FROM (src."name", src."city") THEN
  UPDATE SET "name" = src."name", "city" = src."city", "last_updated_date" = now()
WHEN NOT MATCHED THEN
  INSERT ("breeder_id", "name", "city", "created_date", "last_updated_date")
  VALUES (src."breeder_id", src."name", src."city", now(), now())`
	assert.Equal(t, want, got)
}

func TestMergeSQLCompositeKeyOnly(t *testing.T) {
	got := mergeSQL(UpsertSpec{Target: "t", Staging: "s", Keys: []string{"a", "b"}, Columns: []string{"a", "b"}})
	assert.Contains(t, got, `ON tgt."a" = src."a" AND tgt."b" = src."b"`)
	assert.NotContains(t, got, "WHEN MATCHED")
}

func TestMergeSQLQuotesIdentifiers(t *testing.T) {
	got := mergeSQL(UpsertSpec{Target: `evil"; DROP TABLE x; --`, Staging: "s", Keys: []string{"k"}, Columns: []string{"k"}})
	assert.Contains(t, got, `MERGE INTO "evil""; DROP TABLE x; --" AS tgt`)
}

func TestCreateSQL(t *testing.T) {
	rel := schema.Relation{Name: "jockeys", Keys: []string{"jockey_id"}, Columns: []schema.Column{
		{Name: "jockey_id", Type: schema.Int}, {Name: "first_name", Type: schema.Text},
	}}
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "jockeys" (
  "jockey_id" BIGINT,
  "first_name" TEXT,
  "created_date" TIMESTAMPTZ NOT NULL DEFAULT now(),
  "last_updated_date" TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY ("jockey_id")
)`, createTableSQL(rel))

	assert.Equal(t, `CREATE UNLOGGED TABLE "stg_jockeys_x" (
  "_seq" BIGSERIAL,
  "jockey_id" BIGINT,
  "first_name" TEXT
)`, createStagingSQL("stg_jockeys_x", rel))
}

func career(horse int64, year int64, typ string, count int64) schema.Row {
	return schema.Row{horse, year, typ, nil, count, int64(0), int64(0), "0", "PLN"}
}

func stage(t *testing.T, w Warehouse, name string, rows ...schema.Row) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, w.CreateStaging(ctx, name, careers))
	n, err := w.Load(ctx, name, careers, rows)
	require.NoError(t, err)
	require.Equal(t, int64(len(rows)), n)
}

func TestMemoryMergeIsIdempotent(t *testing.T) {
	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	w := NewMemory(func() time.Time { return clock })
	ctx := context.Background()
	require.NoError(t, w.EnsureSchema(ctx, []schema.Relation{careers}))

	stage(t, w, "stg1",
		career(1, 2021, "UNKNOWN", 3),
		career(1, 2022, "PLASKI", 1),
		career(1, 2021, "UNKNOWN", 4), // later staged row wins
	)
	stats, err := w.Merge(ctx, SpecFor(careers, "stg1"))
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Inserted: 2}, stats)

	rows := w.Rows(schema.HorseCareers)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(4), rows[0].Values[4])

	clock = clock.Add(time.Hour)
	stats, err = w.Merge(ctx, SpecFor(careers, "stg1"))
	require.NoError(t, err)
	assert.Equal(t, MergeStats{}, stats, "second merge of the same content is a no-op")
	assert.Equal(t, rows, w.Rows(schema.HorseCareers))

	stage(t, w, "stg2", career(1, 2022, "PLASKI", 2))
	stats, err = w.Merge(ctx, SpecFor(careers, "stg2"))
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Updated: 1}, stats)

	rows = w.Rows(schema.HorseCareers)
	assert.Equal(t, clock, rows[1].Updated)
	assert.Equal(t, clock.Add(-time.Hour), rows[1].Created)

	n, err := w.Count(ctx, schema.HorseCareers)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryMergeFailures(t *testing.T) {
	w := NewMemory(nil)
	ctx := context.Background()

	_, err := w.Merge(ctx, UpsertSpec{Target: "x", Staging: "y"})
	require.Error(t, err)

	stage(t, w, "stg", career(1, 2021, "UNKNOWN", 1))
	_, err = w.Merge(ctx, SpecFor(careers, "stg"))
	assert.ErrorIs(t, err, ErrNoRelation, "target must exist")

	require.NoError(t, w.EnsureSchema(ctx, []schema.Relation{careers}))
	w.FailMerge(schema.HorseCareers, errors.New("quota exceeded"))
	_, err = w.Merge(ctx, SpecFor(careers, "stg"))
	assert.ErrorContains(t, err, "quota exceeded")

	w.FailMerge(schema.HorseCareers, nil)
	_, err = w.Merge(ctx, SpecFor(careers, "stg"))
	require.NoError(t, err)

	require.NoError(t, w.Drop(ctx, "stg"))
	assert.False(t, w.Exists("stg"))
}
