package ingestion

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/racing-pipeline/internal/storage"
)

func store(t *testing.T, key, body string) storage.Store {
	t.Helper()
	s := storage.NewMemStore()
	w, err := s.Create(context.Background(), key, storage.ContentTypeNDJSON)
	require.NoError(t, err)
	_, err = io.WriteString(w, body)
	require.NoError(t, err)
	_, err = w.Commit()
	require.NoError(t, err)
	return s
}

func TestParseLine(t *testing.T) {
	v, err := ParseLine([]byte(`{"horse_id": 12, "w": 57.50}`))
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, json.Number("12"), m["horse_id"])
	assert.Equal(t, json.Number("57.50"), m["w"])

	_, err = ParseLine([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseLine([]byte(`{"a":1} {"b":2}`))
	assert.ErrorIs(t, err, ErrTrailingData)

	v, err = ParseLine([]byte(`[1,2]`))
	require.NoError(t, err)
	assert.Len(t, v, 2)
}

func TestNDJSONSourceBatches(t *testing.T) {
	body := "{\"a\":1}\n\n  \nnot json\r\n{\"a\":1}\n{\"b\":2}"
	src := NewNDJSONSource(store(t, "x/CLEANED_m.ndjson", body), "x/CLEANED_m.ndjson")
	ctx := context.Background()
	require.NoError(t, src.Open(ctx))
	defer src.Close()

	b1, err := src.ReadBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, b1.Records, 2)
	assert.Equal(t, int64(1), b1.Records[0].Line)
	assert.False(t, b1.Records[0].Malformed())
	assert.Equal(t, int64(4), b1.Records[1].Line)
	assert.True(t, b1.Records[1].Malformed())
	assert.Equal(t, "not json", string(b1.Records[1].Raw))

	b2, err := src.ReadBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, b2.Records, 2)
	obj, ok := b2.Records[1].Object()
	require.True(t, ok)
	assert.Equal(t, json.Number("2"), obj["b"])
	assert.Equal(t, int64(2), b2.SeqNum)

	_, err = src.ReadBatch(ctx, 10)
	assert.Equal(t, io.EOF, err)
}

func TestNDJSONSourceLongLines(t *testing.T) {
	long := `{"v":"` + strings.Repeat("x", 1<<20) + `"}`
	src := NewNDJSONSource(store(t, "k.ndjson", long+"\n"), "k.ndjson")
	ctx := context.Background()
	require.NoError(t, src.Open(ctx))
	defer src.Close()

	var n int
	err := ReadAll(ctx, src, 100, func(b *Batch) error {
		for _, r := range b.Records {
			require.NoError(t, r.Err)
			n++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNDJSONSourceMissingObject(t *testing.T) {
	src := NewNDJSONSource(storage.NewMemStore(), "missing.ndjson")
	err := src.Open(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotExist)
}
