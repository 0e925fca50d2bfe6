// Package ingestion reads snapshot objects as streams of NDJSON records.
package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Record is one non-blank line of a snapshot object.
type Record struct {
	Source string
	Line   int64
	Raw    []byte

	// Value is the parsed JSON value with numbers kept as json.Number.
	// It is nil when Err is set.
	Value any
	Err   error
}

// Malformed reports whether the line failed to parse.
func (r Record) Malformed() bool { return r.Err != nil }

// Object returns the value as a JSON object, or false when the record is
// malformed or holds some other JSON value.
func (r Record) Object() (map[string]any, bool) {
	m, ok := r.Value.(map[string]any)
	return m, ok
}

// Batch is a run of consecutive records read from one source.
type Batch struct {
	Records []Record
	Source  string
	SeqNum  int64
}

// Source defines the interface all record sources implement.
type Source interface {
	// Name returns the identifier used in logs and records.
	Name() string

	Open(ctx context.Context) error

	// ReadBatch returns up to size records. Returns io.EOF when no more
	// records are available.
	ReadBatch(ctx context.Context, size int) (*Batch, error)

	Close() error
}

// ErrTrailingData is returned by ParseLine when a line holds more than one
// JSON value.
var ErrTrailingData = errors.New("trailing data after JSON value")

// ParseLine decodes one NDJSON line. Numbers are kept as json.Number so
// that their literal text survives re-encoding.
func ParseLine(line []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decoding record")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrTrailingData
	}
	return v, nil
}

// IsBlank reports whether line holds only whitespace. Blank lines separate
// records and are never records themselves.
func IsBlank(line []byte) bool {
	return len(bytes.TrimSpace(line)) == 0
}
