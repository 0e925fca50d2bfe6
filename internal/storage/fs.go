package storage

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const tempMarker = ".tmp-"

// FSStore keeps objects as files on an afero filesystem. Keys map to paths
// below the filesystem root. Writers stage into a hidden temporary file
// and rename it into place on Commit.
type FSStore struct {
	fs  afero.Fs
	now func() time.Time
	log zerolog.Logger
	seq atomic.Int64
}

// FSOption configures an FSStore.
type FSOption func(*FSStore)

// WithClock sets the clock used to stamp object creation times.
func WithClock(now func() time.Time) FSOption {
	return func(s *FSStore) { s.now = now }
}

// WithLogger sets the logger for problems that do not fail an operation.
func WithLogger(log zerolog.Logger) FSOption {
	return func(s *FSStore) { s.log = log }
}

// NewFSStore returns a store over fs.
func NewFSStore(fs afero.Fs, opts ...FSOption) *FSStore {
	s := &FSStore{fs: fs, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDirStore returns a store rooted at a directory on the local disk.
func NewDirStore(root string, opts ...FSOption) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating storage root %s", root)
	}
	return NewFSStore(afero.NewBasePathFs(afero.NewOsFs(), root), opts...), nil
}

// NewMemStore returns an in-memory store.
func NewMemStore(opts ...FSOption) *FSStore {
	return NewFSStore(afero.NewMemMapFs(), opts...)
}

func keyPath(key string) string {
	return "/" + strings.TrimPrefix(key, "/")
}

func pathKey(p string) string {
	return strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	root := "/"
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		root = keyPath(prefix[:i])
	}

	if _, err := s.fs.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing %s", prefix)
	}

	var objects []ObjectInfo
	err := afero.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempMarker) {
			return nil
		}
		key := pathKey(p)
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, ObjectInfo{Key: key, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", prefix)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *FSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotExist, key)
		}
		return nil, errors.Wrapf(err, "opening %s", key)
	}
	return f, nil
}

func (s *FSStore) Create(ctx context.Context, key, contentType string) (ObjectWriter, error) {
	final := keyPath(key)
	dir := path.Dir(final)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %s", key)
	}

	tmp := path.Join(dir, tempMarker+path.Base(final)+"-"+strconv.FormatInt(s.seq.Add(1), 10))
	f, err := s.fs.Create(tmp)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", key)
	}
	return &fsWriter{store: s, file: f, tmp: tmp, final: final, key: key, contentType: contentType}, nil
}

func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := afero.Exists(s.fs, keyPath(key))
	if err != nil {
		return false, errors.Wrapf(err, "checking %s", key)
	}
	return ok, nil
}

func (s *FSStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.fs.Stat(keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, errors.Wrap(ErrNotExist, key)
		}
		return ObjectInfo{}, errors.Wrapf(err, "stat %s", key)
	}
	return ObjectInfo{Key: key, Size: info.Size(), Created: info.ModTime().UTC()}, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := s.fs.Remove(keyPath(key)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrNotExist, key)
		}
		return errors.Wrapf(err, "deleting %s", key)
	}
	return nil
}

type fsWriter struct {
	store       *FSStore
	file        afero.File
	tmp, final  string
	key         string
	contentType string
	size        int64
	done        bool
}

func (w *fsWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.Errorf("write to finished object %s", w.key)
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *fsWriter) Commit() (ObjectInfo, error) {
	if w.done {
		return ObjectInfo{}, errors.Errorf("object %s already finished", w.key)
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		w.discard()
		return ObjectInfo{}, errors.Wrapf(err, "syncing %s", w.key)
	}
	if err := w.file.Close(); err != nil {
		_ = w.store.fs.Remove(w.tmp)
		return ObjectInfo{}, errors.Wrapf(err, "closing %s", w.key)
	}
	if err := w.store.fs.Rename(w.tmp, w.final); err != nil {
		_ = w.store.fs.Remove(w.tmp)
		return ObjectInfo{}, errors.Wrapf(err, "publishing %s", w.key)
	}

	// The object is published from here on; failing to stamp it only
	// leaves the filesystem's own modification time.
	created := w.store.now().UTC()
	if err := w.store.fs.Chtimes(w.final, created, created); err != nil {
		w.store.log.Warn().Err(err).Str("key", w.key).Msg("stamping creation time failed")
		if info, statErr := w.store.fs.Stat(w.final); statErr == nil {
			created = info.ModTime().UTC()
		}
	}
	return ObjectInfo{Key: w.key, Size: w.size, Created: created, ContentType: w.contentType}, nil
}

func (w *fsWriter) Abort(err error) {
	if w.done {
		return
	}
	w.done = true
	w.discard()
}

func (w *fsWriter) discard() {
	_ = w.file.Close()
	_ = w.store.fs.Remove(w.tmp)
}
