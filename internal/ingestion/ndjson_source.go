package ingestion

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/acme-corp/racing-pipeline/internal/storage"
)

const readBufferSize = 256 << 10

// NDJSONSource reads records line by line from one stored object. Lines of
// any length are supported; blank lines are skipped.
type NDJSONSource struct {
	store storage.Store
	key   string

	body   io.ReadCloser
	reader *bufio.Reader
	line   int64
	seqNum int64
	eof    bool
	mu     sync.Mutex
}

// NewNDJSONSource creates a source over the object stored under key.
func NewNDJSONSource(store storage.Store, key string) *NDJSONSource {
	return &NDJSONSource{store: store, key: key}
}

func (s *NDJSONSource) Name() string { return s.key }

func (s *NDJSONSource) Open(ctx context.Context) error {
	body, err := s.store.Open(ctx, s.key)
	if err != nil {
		return errors.Wrapf(err, "opening snapshot %s", s.key)
	}
	s.body = body
	s.reader = bufio.NewReaderSize(body, readBufferSize)
	return nil
}

func (s *NDJSONSource) ReadBatch(ctx context.Context, size int) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		return nil, errors.Errorf("source %s is not open", s.key)
	}
	if size <= 0 {
		size = 1
	}

	records := make([]Record, 0, size)
	for len(records) < size && !s.eof {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := s.reader.ReadBytes('\n')
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			return nil, errors.Wrapf(err, "reading %s", s.key)
		}
		if len(line) == 0 {
			continue
		}

		s.line++
		if IsBlank(line) {
			continue
		}

		rec := Record{Source: s.key, Line: s.line, Raw: trimEOL(line)}
		rec.Value, rec.Err = ParseLine(rec.Raw)
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, io.EOF
	}
	s.seqNum++
	return &Batch{Records: records, Source: s.key, SeqNum: s.seqNum}, nil
}

func (s *NDJSONSource) Close() error {
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

func trimEOL(line []byte) []byte {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return line[:n]
}

// ReadAll drains src in batches of size and calls fn for each batch.
func ReadAll(ctx context.Context, src Source, size int, fn func(*Batch) error) error {
	for {
		batch, err := src.ReadBatch(ctx, size)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}
