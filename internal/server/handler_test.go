package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/racing-pipeline/internal/ingest"
	"github.com/acme-corp/racing-pipeline/internal/metrics"
	"github.com/acme-corp/racing-pipeline/internal/pipeline"
	"github.com/acme-corp/racing-pipeline/internal/snapshot"
	"github.com/acme-corp/racing-pipeline/internal/storage"
)

type fakeIngestor struct {
	report ingest.Report
	err    error
	prefix string
}

func (f *fakeIngestor) Ingest(ctx context.Context, prefix string) (ingest.Report, error) {
	f.prefix = prefix
	if prefix == "" {
		return ingest.Report{}, pipeline.InvalidInput("prefix is required")
	}
	return f.report, f.err
}

var at = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, ing Ingestor) (*httptest.Server, storage.Store) {
	t.Helper()
	store := storage.NewMemStore(storage.WithClock(func() time.Time { return at }))
	opts := []snapshot.Option{snapshot.WithClock(func() time.Time { return at })}
	if ing == nil {
		ing = &fakeIngestor{}
	}
	h := Handler(snapshot.NewMerger(store, opts...), snapshot.NewCleaner(store, opts...), ing, metrics.NewCollector(), zerolog.Nop())
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts, store
}

func put(t *testing.T, s storage.Store, key, body string) {
	t.Helper()
	w, err := s.Create(context.Background(), key, storage.ContentTypeNDJSON)
	require.NoError(t, err)
	_, err = io.WriteString(w, body)
	require.NoError(t, err)
	_, err = w.Commit()
	require.NoError(t, err)
}

func post(t *testing.T, ts *httptest.Server, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestMergeShardsEndpoint(t *testing.T) {
	ts, store := newTestServer(t, nil)
	put(t, store, "horse_data/shard_1_10_a.ndjson", "{\"horse_id\":1}\n")
	put(t, store, "horse_data/shard_11_20_b.ndjson", "{\"horse_id\":11}\n")

	code, body := post(t, ts, "/merge-shards", `{"prefix":"horse_data/","outputPrefix":"horse_data/","pattern":"^shard_.*\\.ndjson$"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["mergedCount"])
	assert.Equal(t, "horse_data/MASTERFILE_HORSEDATA_2024-05-01T10_00_00_000Z.ndjson", body["masterFile"])
}

func TestMergeShardsNothingToMerge(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	code, body := post(t, ts, "/merge-shards", `{"prefix":"horse_data/","outputPrefix":"horse_data/","pattern":"^shard_"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["mergedCount"])
	assert.Nil(t, body["masterFile"])
	assert.NotEmpty(t, body["message"])
}

func TestMergeShardsBadRequest(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	for name, body := range map[string]string{
		"missing pattern": `{"prefix":"horse_data/","outputPrefix":"horse_data/"}`,
		"bad pattern":     `{"prefix":"horse_data/","outputPrefix":"horse_data/","pattern":"("}`,
		"unknown field":   `{"prefix":"horse_data/","outputPrefix":"horse_data/","pattern":"x","extra":1}`,
		"empty body":      ``,
		"not json":        `prefix=horse_data/`,
	} {
		code, resp := post(t, ts, "/merge-shards", body)
		assert.Equal(t, http.StatusBadRequest, code, name)
		assert.NotEmpty(t, resp["error"], name)
	}
}

func TestCleanMasterEndpoint(t *testing.T) {
	ts, store := newTestServer(t, nil)
	put(t, store, "jockey_data/MASTERFILE_JOCKEYDATA_1.ndjson", "{\"a\":1}\nnot json\n{\"a\":1}\n{\"b\":2}\n")

	code, body := post(t, ts, "/clean-master", `{"prefix":"jockey_data/"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "jockey_data/", body["prefix"])
	processed := body["processed"].([]any)
	require.Len(t, processed, 1)
	entry := processed[0].(map[string]any)
	assert.Equal(t, "jockey_data/CLEANED_MASTERFILE_JOCKEYDATA_1.ndjson", entry["cleanedFile"])
	assert.Equal(t, float64(4), entry["initialCount"])
	assert.Equal(t, float64(2), entry["removedCount"])
	assert.Equal(t, float64(2), entry["finalCount"])
	assert.Equal(t, "2024-05-01T10:00:00Z", entry["createdTime"])

	code, _ = post(t, ts, "/clean-master", `{"prefix":"jockey_data/"}`)
	assert.Equal(t, http.StatusNoContent, code, "already cleaned")
}

func TestCleanMasterBadRequest(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	code, _ := post(t, ts, "/clean-master", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestIngestEndpoint(t *testing.T) {
	ing := &fakeIngestor{report: ingest.Report{
		Status:            pipeline.StatusOK,
		RunID:             "01HX",
		Prefix:            "breeder_data/",
		ProcessedFiles:    []string{"breeder_data/CLEANED_MASTERFILE_BREEDERDATA_1.ndjson"},
		LastProcessedTime: at,
		Relations:         map[string]ingest.RelationReport{"breeders": {Staged: 3, Inserted: 2, Updated: 1}},
	}}
	ts, _ := newTestServer(t, ing)

	code, body := post(t, ts, "/ingest", `{"prefix":"breeder_data/"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "breeder_data/", ing.prefix)
	assert.Equal(t, "breeder_data/", body["prefix"])
	assert.Equal(t, "2024-05-01T10:00:00Z", body["lastProcessedTime"])
	assert.Len(t, body["processedFiles"], 1)
	rel := body["relations"].(map[string]any)["breeders"].(map[string]any)
	assert.Equal(t, float64(2), rel["inserted"])
	assert.Equal(t, float64(1), rel["updated"])
}

func TestIngestEndpointStatuses(t *testing.T) {
	cases := []struct {
		name string
		ing  *fakeIngestor
		body string
		want int
	}{
		{"no new data", &fakeIngestor{report: ingest.Report{Status: pipeline.StatusNoOp}}, `{"prefix":"horse_data/"}`, http.StatusNoContent},
		{"missing prefix", &fakeIngestor{}, `{"prefix":""}`, http.StatusBadRequest},
		{"busy", &fakeIngestor{err: errors.Wrap(pipeline.ErrBusy, "prefix horse_data/")}, `{"prefix":"horse_data/"}`, http.StatusConflict},
		{"warehouse failure", &fakeIngestor{err: errors.New("merging races: connection reset")}, `{"prefix":"horse_data/"}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts, _ := newTestServer(t, tc.ing)
			code, body := post(t, ts, "/ingest", tc.body)
			assert.Equal(t, tc.want, code)
			if tc.want >= http.StatusBadRequest {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/ingest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
