package transform

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Canonical re-encodes a parsed JSON value so that equal values produce
// equal bytes: object keys are sorted, numbers keep their literal text and
// no HTML escaping is applied. The result carries no trailing newline.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "encoding canonical form")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Deduplicator remembers the canonical forms it has seen. Only a 32-byte
// digest is retained per distinct record. Not safe for concurrent use.
type Deduplicator struct {
	seen map[[32]byte]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[[32]byte]struct{})}
}

// Seen reports whether canonical was already offered, and records it if not.
func (d *Deduplicator) Seen(canonical []byte) bool {
	sum := blake3.Sum256(canonical)
	if _, ok := d.seen[sum]; ok {
		return true
	}
	d.seen[sum] = struct{}{}
	return false
}
