// Package schema describes the production relations of the racing warehouse
// and which source prefix feeds which relations.
package schema

import (
	"github.com/pkg/errors"
)

// ColumnType is the warehouse type of a column.
type ColumnType int

const (
	Text ColumnType = iota
	Int
	Float
	Bool
)

func (t ColumnType) String() string {
	switch t {
	case Int:
		return "BIGINT"
	case Float:
		return "DOUBLE PRECISION"
	case Bool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// Column is one mapped column of a relation.
type Column struct {
	Name string
	Type ColumnType
}

// Row holds column values aligned with Relation.Columns.
type Row []any

// Relation describes a production relation. Columns includes the key columns.
// Every production relation also carries created_date and last_updated_date,
// which are maintained by the warehouse and not listed here.
type Relation struct {
	Name    string
	Keys    []string
	Columns []Column
}

// ColumnNames returns the names of all mapped columns in order.
func (r Relation) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column, or -1.
func (r Relation) Index(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// KeyIndexes returns the positions of the key columns.
func (r Relation) KeyIndexes() []int {
	idx := make([]int, len(r.Keys))
	for i, k := range r.Keys {
		idx[i] = r.Index(k)
	}
	return idx
}

// Validate checks that every key is a mapped column.
func (r Relation) Validate() error {
	if r.Name == "" {
		return errors.New("relation name is required")
	}
	if len(r.Keys) == 0 {
		return errors.Errorf("relation %s: at least one key column is required", r.Name)
	}
	for _, k := range r.Keys {
		if r.Index(k) < 0 {
			return errors.Errorf("relation %s: key %q is not a column", r.Name, k)
		}
	}
	return nil
}
