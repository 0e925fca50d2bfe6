// Package warehouse stages projected rows and merges them into the
// production relations of the analytical warehouse.
package warehouse

import (
	"context"

	"github.com/pkg/errors"

	"github.com/acme-corp/racing-pipeline/internal/schema"
)

const (
	// SeqColumn orders staged rows by load position. When a key is staged
	// more than once, the row with the highest sequence wins the merge.
	SeqColumn = "_seq"

	CreatedColumn = "created_date"
	UpdatedColumn = "last_updated_date"
)

// ErrNoRelation is returned when a relation does not exist.
var ErrNoRelation = errors.New("relation does not exist")

// Warehouse is the analytical warehouse used by the ingestion coordinator.
type Warehouse interface {
	// EnsureSchema creates missing production relations.
	EnsureSchema(ctx context.Context, rels []schema.Relation) error

	// CreateStaging creates an empty staging relation shaped like rel,
	// replacing any previous relation of that name.
	CreateStaging(ctx context.Context, name string, rel schema.Relation) error

	// Load appends rows to a staging relation in order.
	Load(ctx context.Context, name string, rel schema.Relation, rows []schema.Row) (int64, error)

	// Merge upserts a staging relation into its production relation.
	Merge(ctx context.Context, spec UpsertSpec) (MergeStats, error)

	Drop(ctx context.Context, name string) error

	Count(ctx context.Context, relation string) (int64, error)
}

// UpsertSpec describes one merge of a staging relation into a target:
// rows match on Keys, matched rows have every other column overwritten,
// unmatched rows are inserted.
type UpsertSpec struct {
	Target  string
	Staging string
	Keys    []string
	Columns []string
}

// SpecFor builds the upsert of staging into rel.
func SpecFor(rel schema.Relation, staging string) UpsertSpec {
	return UpsertSpec{
		Target:  rel.Name,
		Staging: staging,
		Keys:    rel.Keys,
		Columns: rel.ColumnNames(),
	}
}

// UpdateColumns returns Columns without Keys.
func (s UpsertSpec) UpdateColumns() []string {
	keys := make(map[string]bool, len(s.Keys))
	for _, k := range s.Keys {
		keys[k] = true
	}
	var cols []string
	for _, c := range s.Columns {
		if !keys[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

func (s UpsertSpec) validate() error {
	if s.Target == "" || s.Staging == "" {
		return errors.New("upsert needs a target and a staging relation")
	}
	if len(s.Keys) == 0 {
		return errors.Errorf("upsert into %s has no key columns", s.Target)
	}
	return nil
}

// MergeStats counts what a merge changed. Rows whose values already match
// the target are neither inserted nor updated.
type MergeStats struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
}
