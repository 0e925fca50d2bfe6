// Package pipeline holds the vocabulary shared by the merge, clean and ingest stages.
package pipeline

import (
	"github.com/pkg/errors"
)

// Status reports how a stage invocation finished. Only StatusOK means new
// data was produced; the other statuses are successful no-ops.
type Status string

const (
	StatusOK      Status = "ok"
	StatusNoOp    Status = "no_op"
	StatusSkipped Status = "skipped"
)

var (
	// ErrInvalidInput marks a request that was rejected before any side effect.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBusy is returned when another run holds the lease for a source.
	ErrBusy = errors.New("source is being ingested by another run")
)

// InvalidInput wraps ErrInvalidInput with a description of the offending field.
func InvalidInput(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}

// IsInvalidInput reports whether err was caused by a rejected request.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
