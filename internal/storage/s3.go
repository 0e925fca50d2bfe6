package storage

import (
	"context"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// partSize bounds the memory used per streamed upload. Multipart uploads
// that fail or are aborted never produce an object.
const partSize = 16 << 20

// maxCopySize is the largest object a single server-side copy accepts.
const maxCopySize = 5 << 30

// needsRestamp reports whether an upload of size bytes went through
// multipart and can be restamped with one server-side copy. A multipart
// object's LastModified is the time the upload was initiated, which may
// predate a watermark advanced while the upload was still running.
func needsRestamp(size int64) bool {
	return size > partSize && size <= maxCopySize
}

// S3Config addresses a bucket on any S3-compatible endpoint, including GCS
// interoperability endpoints.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool

	Log zerolog.Logger
}

// S3Store keeps objects in one bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger
}

// NewS3Store connects to the endpoint. Credentials fall back to the
// environment (AWS_ACCESS_KEY_ID, MINIO_ACCESS_KEY, ...) when not given.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	creds := credentials.NewEnvAWS()
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", cfg.Endpoint)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, log: cfg.Log}, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "listing %s", prefix)
		}
		objects = append(objects, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return objects, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", key)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, errors.Wrap(ErrNotExist, key)
		}
		return nil, errors.Wrapf(err, "opening %s", key)
	}
	return obj, nil
}

func (s *S3Store) Create(ctx context.Context, key, contentType string) (ObjectWriter, error) {
	pr, pw := io.Pipe()
	w := &s3Writer{store: s, ctx: ctx, pw: pw, key: key, contentType: contentType, done: make(chan s3Result, 1)}

	go func() {
		info, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{
			ContentType: contentType,
			PartSize:    partSize,
		})
		pr.CloseWithError(err)
		w.done <- s3Result{info: info, err: err}
	}()
	return w, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "checking %s", key)
	}
	return true, nil
}

// Stat uses LastModified as the creation time; objects are never rewritten.
func (s *S3Store) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectInfo{}, errors.Wrap(ErrNotExist, key)
		}
		return ObjectInfo{}, errors.Wrapf(err, "stat %s", key)
	}
	return ObjectInfo{Key: key, Size: info.Size, Created: info.LastModified.UTC(), ContentType: info.ContentType}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrapf(err, "deleting %s", key)
	}
	return nil
}

type s3Result struct {
	info minio.UploadInfo
	err  error
}

type s3Writer struct {
	store       *S3Store
	ctx         context.Context
	pw          *io.PipeWriter
	key         string
	contentType string
	done        chan s3Result
	finished    bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Commit() (ObjectInfo, error) {
	if w.finished {
		return ObjectInfo{}, errors.Errorf("object %s already finished", w.key)
	}
	w.finished = true
	_ = w.pw.Close()
	res := <-w.done
	if res.err != nil {
		return ObjectInfo{}, errors.Wrapf(res.err, "uploading %s", w.key)
	}
	if needsRestamp(res.info.Size) {
		return w.restamp()
	}
	if res.info.LastModified.IsZero() {
		// Multipart completion does not always report the timestamp.
		return w.store.Stat(w.ctx, w.key)
	}
	return ObjectInfo{Key: w.key, Size: res.info.Size, Created: res.info.LastModified.UTC()}, nil
}

// restamp copies the object onto itself so that LastModified becomes the
// publish time. The object is already complete, so a reader that lists it
// before the copy finishes sees the full content under the older time, and
// a failed copy only leaves the older time in place.
func (w *s3Writer) restamp() (ObjectInfo, error) {
	s := w.store
	dst := minio.CopyDestOptions{
		Bucket:          s.bucket,
		Object:          w.key,
		ReplaceMetadata: true,
		UserMetadata:    map[string]string{"Content-Type": w.contentType},
	}
	src := minio.CopySrcOptions{Bucket: s.bucket, Object: w.key}
	if _, err := s.client.CopyObject(w.ctx, dst, src); err != nil {
		s.log.Warn().Err(err).Str("key", w.key).Msg("restamping multipart upload failed; keeping initiation time")
	}
	return s.Stat(w.ctx, w.key)
}

func (w *s3Writer) Abort(err error) {
	if w.finished {
		return
	}
	w.finished = true
	if err == nil {
		err = errors.New("upload aborted")
	}
	_ = w.pw.CloseWithError(err)
	<-w.done
}
