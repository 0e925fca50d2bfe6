package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, s Store, key, body string) ObjectInfo {
	t.Helper()
	w, err := s.Create(context.Background(), key, ContentTypeNDJSON)
	require.NoError(t, err)
	_, err = io.WriteString(w, body)
	require.NoError(t, err)
	info, err := w.Commit()
	require.NoError(t, err)
	return info
}

func read(t *testing.T, s Store, key string) string {
	t.Helper()
	rc, err := s.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestFSStoreRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemStore(WithClock(func() time.Time { return at }))
	ctx := context.Background()

	info := put(t, s, "horse_data/shard_1_10_x.ndjson", "{\"a\":1}\n")
	assert.Equal(t, at, info.Created)
	assert.Equal(t, int64(8), info.Size)

	assert.Equal(t, "{\"a\":1}\n", read(t, s, "horse_data/shard_1_10_x.ndjson"))

	st, err := s.Stat(ctx, "horse_data/shard_1_10_x.ndjson")
	require.NoError(t, err)
	assert.Equal(t, at, st.Created)

	ok, err := s.Exists(ctx, "horse_data/shard_1_10_x.ndjson")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "horse_data/shard_1_10_x.ndjson"))
	ok, err = s.Exists(ctx, "horse_data/shard_1_10_x.ndjson")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSStoreListIsSortedAndScoped(t *testing.T) {
	s := NewMemStore()
	put(t, s, "horse_data/shard_2.ndjson", "")
	put(t, s, "horse_data/shard_1.ndjson", "")
	put(t, s, "horse_data/nested/shard_3.ndjson", "")
	put(t, s, "jockey_data/shard_1.ndjson", "")

	objs, err := s.List(context.Background(), "horse_data/")
	require.NoError(t, err)

	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{
		"horse_data/nested/shard_3.ndjson",
		"horse_data/shard_1.ndjson",
		"horse_data/shard_2.ndjson",
	}, keys)

	objs, err = s.List(context.Background(), "horse_data/shard_2")
	require.NoError(t, err)
	require.Len(t, objs, 1)

	objs, err = s.List(context.Background(), "breeder_data/")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestFSStoreAbortLeavesNothing(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	w, err := s.Create(ctx, "horse_data/MASTERFILE_X.ndjson", ContentTypeNDJSON)
	require.NoError(t, err)
	_, err = io.WriteString(w, "partial")
	require.NoError(t, err)

	objs, err := s.List(ctx, "horse_data/")
	require.NoError(t, err)
	assert.Empty(t, objs, "uncommitted objects are not listed")

	w.Abort(errors.New("boom"))
	ok, err := s.Exists(ctx, "horse_data/MASTERFILE_X.ndjson")
	require.NoError(t, err)
	assert.False(t, ok)

	objs, err = s.List(ctx, "horse_data/")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

type stubbornFs struct {
	afero.Fs
}

func (stubbornFs) Chtimes(name string, atime, mtime time.Time) error {
	return errors.New("operation not permitted")
}

func TestCommitSurvivesStampFailure(t *testing.T) {
	s := NewFSStore(stubbornFs{afero.NewMemMapFs()}, WithLogger(zerolog.Nop()))

	info := put(t, s, "jockey_data/CLEANED_MASTERFILE_X.ndjson", "{}\n")
	assert.False(t, info.Created.IsZero())

	st, err := s.Stat(context.Background(), "jockey_data/CLEANED_MASTERFILE_X.ndjson")
	require.NoError(t, err)
	assert.Equal(t, st.Created, info.Created, "reported time matches what readers see")
	assert.Equal(t, "{}\n", read(t, s, "jockey_data/CLEANED_MASTERFILE_X.ndjson"))
}

func TestOpenMissing(t *testing.T) {
	s := NewMemStore()
	_, err := s.Open(context.Background(), "nope.ndjson")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotExist))

	_, err = s.Stat(context.Background(), "nope.ndjson")
	assert.True(t, errors.Is(err, ErrNotExist))
}

func TestDirStore(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	put(t, s, "trainer_data/shard_1_2_t.ndjson", "{}\n")

	objs, err := s.List(context.Background(), "trainer_data/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "trainer_data/shard_1_2_t.ndjson", objs[0].Key)
}

func TestNDJSONWriter(t *testing.T) {
	s := NewMemStore()
	obj, err := s.Create(context.Background(), "out.ndjson", ContentTypeNDJSON)
	require.NoError(t, err)

	w := NewNDJSONWriter(obj)
	require.NoError(t, w.WriteLine([]byte(`{"a":1}`)))
	require.NoError(t, w.WriteLine([]byte(`{"b":2}`)))
	assert.Equal(t, int64(2), w.Lines())

	_, err = w.Commit()
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", read(t, s, "out.ndjson"))
}

type flakyStore struct {
	Store
	failures int
}

func (f *flakyStore) Create(ctx context.Context, key, contentType string) (ObjectWriter, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transient")
	}
	return f.Store.Create(ctx, key, contentType)
}

func TestRetryWriterRecovers(t *testing.T) {
	mem := NewMemStore()
	rw := NewRetryWriter(&flakyStore{Store: mem, failures: 2}, 3, time.Millisecond, zerolog.Nop())

	_, err := rw.Put(context.Background(), "k.ndjson", ContentTypeNDJSON, []byte("x\n"))
	require.NoError(t, err)
	assert.Equal(t, "x\n", read(t, mem, "k.ndjson"))
}

func TestRetryWriterGivesUp(t *testing.T) {
	rw := NewRetryWriter(&flakyStore{Store: NewMemStore(), failures: 5}, 1, time.Millisecond, zerolog.Nop())

	_, err := rw.Put(context.Background(), "k.ndjson", ContentTypeNDJSON, []byte("x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}
