// Package storage is the blob store holding shards, master snapshots and
// cleaned snapshots. Objects are addressed by slash-separated keys and are
// write-once: a new object becomes visible only when its writer commits.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// ContentTypeNDJSON is the content type of every payload this pipeline writes.
const ContentTypeNDJSON = "application/x-ndjson"

// ErrNotExist is returned when an object is missing.
var ErrNotExist = errors.New("object does not exist")

// ObjectInfo describes a stored object. Listing fills Key and Size only;
// Created comes from Stat or from a committed writer.
type ObjectInfo struct {
	Key         string
	Size        int64
	Created     time.Time
	ContentType string
}

// Store is the blob store used by every stage.
type Store interface {
	// List returns objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Open streams an object. Returns ErrNotExist when it is missing.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Create starts a new object. Nothing is visible under key until
	// Commit succeeds; Abort discards everything written.
	Create(ctx context.Context, key, contentType string) (ObjectWriter, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns the object's metadata including its creation time.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	Delete(ctx context.Context, key string) error
}

// ObjectWriter streams the body of a new object.
type ObjectWriter interface {
	io.Writer
	Commit() (ObjectInfo, error)
	Abort(err error)
}
