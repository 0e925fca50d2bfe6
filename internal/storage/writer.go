package storage

import (
	"bufio"
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ---- NDJSON Writer ----

// NDJSONWriter writes one record per line into a new object. Lines are
// buffered; nothing is visible in the store until Commit.
type NDJSONWriter struct {
	obj   ObjectWriter
	buf   *bufio.Writer
	lines int64
}

func NewNDJSONWriter(obj ObjectWriter) *NDJSONWriter {
	return &NDJSONWriter{obj: obj, buf: bufio.NewWriterSize(obj, 256<<10)}
}

// WriteLine writes line followed by a newline. line must not contain one.
func (w *NDJSONWriter) WriteLine(line []byte) error {
	if _, err := w.buf.Write(line); err != nil {
		return errors.Wrap(err, "writing line")
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "writing line")
	}
	w.lines++
	return nil
}

// Lines returns the number of lines written so far.
func (w *NDJSONWriter) Lines() int64 { return w.lines }

// Commit flushes buffered lines and publishes the object.
func (w *NDJSONWriter) Commit() (ObjectInfo, error) {
	if err := w.buf.Flush(); err != nil {
		w.obj.Abort(err)
		return ObjectInfo{}, errors.Wrap(err, "flushing lines")
	}
	return w.obj.Commit()
}

// Abort discards the object.
func (w *NDJSONWriter) Abort(err error) {
	w.obj.Abort(err)
}

// ---- Retry Wrapper ----

// RetryWriter uploads whole objects with exponential backoff. Each attempt
// creates a fresh object writer, so a failed attempt never leaves a
// partial object behind.
type RetryWriter struct {
	store      Store
	maxRetries int
	baseDelay  time.Duration
	log        zerolog.Logger
}

func NewRetryWriter(store Store, maxRetries int, baseDelay time.Duration, log zerolog.Logger) *RetryWriter {
	return &RetryWriter{
		store:      store,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		log:        log,
	}
}

// Put writes body to key, retrying failed attempts.
func (rw *RetryWriter) Put(ctx context.Context, key, contentType string, body []byte) (ObjectInfo, error) {
	var lastErr error

	for attempt := 0; attempt <= rw.maxRetries; attempt++ {
		info, err := rw.putOnce(ctx, key, contentType, body)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if attempt == rw.maxRetries {
			break
		}

		delay := rw.baseDelay * time.Duration(1<<uint(attempt))
		rw.log.Warn().Err(err).Str("key", key).
			Int("attempt", attempt+1).Int("attempts", rw.maxRetries+1).Dur("retry_in", delay).
			Msg("upload attempt failed")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ObjectInfo{}, ctx.Err()
		}
	}

	return ObjectInfo{}, errors.Wrapf(lastErr, "upload of %s failed after %d attempts", key, rw.maxRetries+1)
}

func (rw *RetryWriter) putOnce(ctx context.Context, key, contentType string, body []byte) (ObjectInfo, error) {
	w, err := rw.store.Create(ctx, key, contentType)
	if err != nil {
		return ObjectInfo{}, err
	}
	if _, err := w.Write(body); err != nil {
		w.Abort(err)
		return ObjectInfo{}, errors.Wrapf(err, "writing %s", key)
	}
	return w.Commit()
}
