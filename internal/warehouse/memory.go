package warehouse

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/acme-corp/racing-pipeline/internal/schema"
)

// StoredRow is a production row held by Memory.
type StoredRow struct {
	Values  schema.Row
	Created time.Time
	Updated time.Time
}

type memTable struct {
	rel  schema.Relation
	rows []schema.Row // staging rows in load order

	byKey map[string]*StoredRow
	order []string
}

// Memory is an in-process warehouse with the same merge semantics as
// Postgres. It backs local runs and tests.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	tables   map[string]*memTable
	failures map[string]error
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, tables: make(map[string]*memTable), failures: make(map[string]error)}
}

// FailMerge makes every later merge into target fail with err. A nil err
// clears the failure.
func (m *Memory) FailMerge(target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, target)
		return
	}
	m.failures[target] = err
}

func (m *Memory) EnsureSchema(ctx context.Context, rels []schema.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rel := range rels {
		if _, ok := m.tables[rel.Name]; !ok {
			m.tables[rel.Name] = &memTable{rel: rel, byKey: make(map[string]*StoredRow)}
		}
	}
	return nil
}

func (m *Memory) CreateStaging(ctx context.Context, name string, rel schema.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[name] = &memTable{rel: rel}
	return nil
}

func (m *Memory) Load(ctx context.Context, name string, rel schema.Relation, rows []schema.Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		return 0, errors.Wrap(ErrNoRelation, name)
	}
	for _, r := range rows {
		if len(r) != len(rel.Columns) {
			return 0, errors.Errorf("loading %s: row has %d values, want %d", name, len(r), len(rel.Columns))
		}
		t.rows = append(t.rows, append(schema.Row(nil), r...))
	}
	return int64(len(rows)), nil
}

func (m *Memory) Merge(ctx context.Context, spec UpsertSpec) (MergeStats, error) {
	if err := spec.validate(); err != nil {
		return MergeStats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failures[spec.Target]; err != nil {
		return MergeStats{}, errors.Wrapf(err, "merging %s into %s", spec.Staging, spec.Target)
	}
	target, ok := m.tables[spec.Target]
	if !ok || target.byKey == nil {
		return MergeStats{}, errors.Wrap(ErrNoRelation, spec.Target)
	}
	staging, ok := m.tables[spec.Staging]
	if !ok {
		return MergeStats{}, errors.Wrap(ErrNoRelation, spec.Staging)
	}

	keyIdx := staging.rel.KeyIndexes()
	updIdx := make([]int, 0, len(spec.UpdateColumns()))
	for _, c := range spec.UpdateColumns() {
		updIdx = append(updIdx, staging.rel.Index(c))
	}

	// Last staged row per key wins; first-seen order decides insert order.
	latest := make(map[string]schema.Row)
	var keys []string
	for _, r := range staging.rows {
		k, err := rowKey(r, keyIdx)
		if err != nil {
			return MergeStats{}, err
		}
		if _, seen := latest[k]; !seen {
			keys = append(keys, k)
		}
		latest[k] = r
	}

	var stats MergeStats
	now := m.now()
	for _, k := range keys {
		r := latest[k]
		existing, ok := target.byKey[k]
		if !ok {
			target.byKey[k] = &StoredRow{Values: r, Created: now, Updated: now}
			target.order = append(target.order, k)
			stats.Inserted++
			continue
		}
		if sameAt(existing.Values, r, updIdx) {
			continue
		}
		existing.Values = r
		existing.Updated = now
		stats.Updated++
	}
	return stats, nil
}

func (m *Memory) Drop(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, name)
	return nil
}

func (m *Memory) Count(ctx context.Context, relation string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[relation]
	if !ok {
		return 0, errors.Wrap(ErrNoRelation, relation)
	}
	if t.byKey == nil {
		return int64(len(t.rows)), nil
	}
	return int64(len(t.byKey)), nil
}

// Rows returns the production rows of a relation in insertion order.
func (m *Memory) Rows(relation string) []StoredRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[relation]
	if !ok || t.byKey == nil {
		return nil
	}
	out := make([]StoredRow, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.byKey[k])
	}
	return out
}

// Exists reports whether a relation, production or staging, exists.
func (m *Memory) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[name]
	return ok
}

func rowKey(r schema.Row, idx []int) (string, error) {
	parts := make([]any, len(idx))
	for i, j := range idx {
		parts[i] = r[j]
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return "", errors.Wrap(err, "encoding row key")
	}
	return string(b), nil
}

func sameAt(a, b schema.Row, idx []int) bool {
	for _, i := range idx {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
