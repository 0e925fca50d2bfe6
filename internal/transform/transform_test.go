package transform

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/racing-pipeline/internal/ingestion"
	"github.com/acme-corp/racing-pipeline/internal/schema"
)

func parse(t *testing.T, line string) any {
	t.Helper()
	v, err := ingestion.ParseLine([]byte(line))
	require.NoError(t, err)
	return v
}

func TestCanonical(t *testing.T) {
	a, err := Canonical(parse(t, `{"b": 2, "a": {"y": 1.50, "x": "<&>"}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"x":"<&>","y":1.50},"b":2}`, string(a))

	b, err := Canonical(parse(t, `{ "a":{"x":"<&>", "y":1.50},"b":2 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeduplicator(t *testing.T) {
	d := NewDeduplicator()
	assert.False(t, d.Seen([]byte(`{"a":1}`)))
	assert.False(t, d.Seen([]byte(`{"b":2}`)))
	assert.True(t, d.Seen([]byte(`{"a":1}`)))
	assert.False(t, d.Seen([]byte(`{ "a":1}`)), "compares canonical bytes only")
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		in   any
		typ  schema.ColumnType
		want any
		err  bool
	}{
		{"null", nil, schema.Int, nil, false},
		{"int", json.Number("42"), schema.Int, int64(42), false},
		{"integral float as int", json.Number("42.0"), schema.Int, int64(42), false},
		{"fraction as int", json.Number("4.5"), schema.Int, nil, true},
		{"numeric string as int", " 7 ", schema.Int, int64(7), false},
		{"empty string as int", "", schema.Int, nil, false},
		{"word as int", "seven", schema.Int, nil, true},
		{"float", json.Number("57.5"), schema.Float, 57.5, false},
		{"decimal comma", "57,5", schema.Float, 57.5, false},
		{"bool", true, schema.Bool, true, false},
		{"bool string", "false", schema.Bool, false, false},
		{"number as text", json.Number("3"), schema.Text, "3", false},
		{"object as text", map[string]any{"k": json.Number("1")}, schema.Text, `{"k":1}`, false},
		{"object as int", map[string]any{}, schema.Int, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.in, tt.typ)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRaceRecordIDIsDeterministic(t *testing.T) {
	a := RaceRecordID(int64(12), int64(900), int64(3))
	b := RaceRecordID(json.Number("12"), "900", int64(3))
	assert.Equal(t, a, b)

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())

	assert.NotEqual(t, a, RaceRecordID(int64(12), int64(900), int64(4)))
	assert.NotEqual(t, a, RaceRecordID(int64(129), int64(0), int64(3)))
}

func TestRaceRecordIDIgnoresSuppliedValue(t *testing.T) {
	records, err := ProjectionFor(schema.RaceRecords)
	require.NoError(t, err)
	rel := records.Relation

	supplied := parse(t, `{"horse_id":12,"races":[{"race_id":900,"start_order":3,"race_record_id":"abc"}]}`).(map[string]any)
	plain := parse(t, `{"horse_id":12,"races":[{"race_id":900,"start_order":3}]}`).(map[string]any)

	a, err := records.Project(supplied)
	require.NoError(t, err)
	b, err := records.Project(plain)
	require.NoError(t, err)
	require.Len(t, a.Rows, 1)
	require.Len(t, b.Rows, 1)

	want := RaceRecordID(int64(12), int64(900), int64(3))
	assert.Equal(t, want, a.Rows[0][rel.Index("race_record_id")])
	assert.Equal(t, want, b.Rows[0][rel.Index("race_record_id")])
}

func TestRaceRecordNeedsHorseAndRace(t *testing.T) {
	records, err := ProjectionFor(schema.RaceRecords)
	require.NoError(t, err)

	obj := parse(t, `{"horse_id":12,"races":[{"race_id":null,"start_order":3},{"start_order":3},{"race_id":901,"start_order":1}]}`).(map[string]any)
	got, err := records.Project(obj)
	require.NoError(t, err)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, 2, got.Skipped)

	orphan := parse(t, `{"races":[{"race_id":900,"start_order":3}]}`).(map[string]any)
	got, err = records.Project(orphan)
	require.NoError(t, err)
	assert.Empty(t, got.Rows)
	assert.Equal(t, 1, got.Skipped)
}

const horseLine = `{"horse_id":12,"horse_name":"Arrow","polish_breeding":true,"breeder_id":null,
"career":[{"race_year":2021,"race_type":null,"race_count":3,"prize_amounts":1200.5,"prize_currencies":"PLN"},
          {"race_year":2022,"race_type":"PŁASKI","race_count":1}],
"races":[{"race_id":900,"start_order":3,"finish_place":1,"jockey_weight_kg":57.5,"race_name":"Derby"},
         {"race_id":null,"start_order":1}]}`

func TestProjectHorseRecord(t *testing.T) {
	obj := parse(t, horseLine).(map[string]any)

	horses, err := ProjectionFor(schema.Horses)
	require.NoError(t, err)
	got, err := horses.Project(obj)
	require.NoError(t, err)
	require.Len(t, got.Rows, 1)
	rel := horses.Relation
	assert.Equal(t, int64(12), got.Rows[0][rel.Index("horse_id")])
	assert.Equal(t, true, got.Rows[0][rel.Index("polish_breeding")])
	assert.Nil(t, got.Rows[0][rel.Index("breeder_id")])

	careers, err := ProjectionFor(schema.HorseCareers)
	require.NoError(t, err)
	got, err = careers.Project(obj)
	require.NoError(t, err)
	require.Len(t, got.Rows, 2)
	rel = careers.Relation
	assert.Equal(t, int64(12), got.Rows[0][rel.Index("horse_id")], "inherits parent key")
	assert.Equal(t, UnknownRaceType, got.Rows[0][rel.Index("race_type")])
	assert.Equal(t, "1200.5", got.Rows[0][rel.Index("prize_amounts")])

	races, err := ProjectionFor(schema.Races)
	require.NoError(t, err)
	got, err = races.Project(obj)
	require.NoError(t, err)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, 1, got.Skipped, "race without id is dropped")

	records, err := ProjectionFor(schema.RaceRecords)
	require.NoError(t, err)
	got, err = records.Project(obj)
	require.NoError(t, err)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, 1, got.Skipped, "start without a race is dropped")
	rel = records.Relation
	assert.Equal(t, RaceRecordID(int64(12), int64(900), int64(3)), got.Rows[0][rel.Index("race_record_id")])
	assert.Equal(t, "1", got.Rows[0][rel.Index("finish_place")])
}

func TestProjectRejectsBadValue(t *testing.T) {
	p, err := ProjectionFor(schema.Jockeys)
	require.NoError(t, err)
	_, err = p.Project(map[string]any{"jockey_id": "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jockey_id")
}

func newHorsePipeline(t *testing.T, workers int) *Pipeline {
	rels, err := schema.Ordered(schema.DefaultSources["horse_data/"])
	require.NoError(t, err)
	projs, err := Projections(rels)
	require.NoError(t, err)
	p := NewPipeline(workers, zerolog.Nop())
	for _, proj := range projs {
		p.AddProjection(proj)
	}
	return p
}

func TestPipelinePreservesOrder(t *testing.T) {
	p := newHorsePipeline(t, 4)

	batch := &ingestion.Batch{Source: "horse_data/CLEANED_x.ndjson"}
	for i := 1; i <= 50; i++ {
		rec := ingestion.Record{Source: batch.Source, Line: int64(i)}
		rec.Value = map[string]any{"horse_id": json.Number(strconv.Itoa(i * 7))}
		batch.Records = append(batch.Records, rec)
	}
	batch.Records = append(batch.Records, ingestion.Record{Source: batch.Source, Line: 51, Value: []any{}})

	var rejected []int64
	p.SetErrorHandler(func(err error, r ingestion.Record) { rejected = append(rejected, r.Line) })

	rs, errs := p.Process(context.Background(), batch)
	require.Len(t, errs, 1)
	assert.Equal(t, []int64{51}, rejected)
	require.Len(t, rs.Rows[schema.Horses], 50)
	for i, row := range rs.Rows[schema.Horses] {
		assert.Equal(t, int64((i+1)*7), row[0])
	}
	assert.Empty(t, rs.Rows[schema.Races])
}

func TestPipelineCanceled(t *testing.T) {
	p := newHorsePipeline(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := &ingestion.Batch{Records: []ingestion.Record{{Value: map[string]any{"horse_id": json.Number("1")}}}}
	rs, errs := p.Process(ctx, batch)
	assert.Nil(t, rs)
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[len(errs)-1], context.Canceled)
}
