package transform

import (
	"github.com/pkg/errors"

	"github.com/acme-corp/racing-pipeline/internal/schema"
)

// UnknownRaceType stands in for a missing race type so that the career key
// never holds a null.
const UnknownRaceType = "UNKNOWN"

// Projection maps one snapshot record to the rows it contributes to a
// relation. Flat relations take the record itself; nested relations take
// each element of an array field, inheriting the parent's horse_id.
type Projection struct {
	Relation schema.Relation

	// Nested names the array field to unnest. Empty for flat relations.
	Nested string

	// Required lists non-key columns that must be present for a row to be
	// kept, such as references to parent relations.
	Required []string

	// Derive fills computed columns after coercion and the null checks.
	Derive func(rel schema.Relation, row schema.Row)
}

// Projected is the outcome of projecting one record.
type Projected struct {
	Rows []schema.Row

	// Skipped counts rows dropped because a key or required column was null.
	Skipped int
}

// Project coerces every column of every row taken from obj.
func (p Projection) Project(obj map[string]any) (Projected, error) {
	var out Projected
	for i, fields := range p.extract(obj) {
		row := make(schema.Row, len(p.Relation.Columns))
		for c, col := range p.Relation.Columns {
			v, err := Coerce(fields[col.Name], col.Type)
			if err != nil {
				if p.Nested != "" {
					return Projected{}, errors.Wrapf(err, "%s[%d].%s", p.Nested, i, col.Name)
				}
				return Projected{}, errors.Wrap(err, col.Name)
			}
			row[c] = v
		}
		if p.missingRequired(row) {
			out.Skipped++
			continue
		}
		if p.Derive != nil {
			p.Derive(p.Relation, row)
		}
		if hasNullKey(p.Relation, row) {
			out.Skipped++
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func (p Projection) extract(obj map[string]any) []map[string]any {
	if p.Nested == "" {
		return []map[string]any{obj}
	}
	items, _ := obj[p.Nested].([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		child, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if child["horse_id"] == nil && obj["horse_id"] != nil {
			merged := make(map[string]any, len(child)+1)
			for k, v := range child {
				merged[k] = v
			}
			merged["horse_id"] = obj["horse_id"]
			child = merged
		}
		out = append(out, child)
	}
	return out
}

func (p Projection) missingRequired(row schema.Row) bool {
	for _, name := range p.Required {
		if row[p.Relation.Index(name)] == nil {
			return true
		}
	}
	return false
}

func hasNullKey(rel schema.Relation, row schema.Row) bool {
	for _, i := range rel.KeyIndexes() {
		if row[i] == nil {
			return true
		}
	}
	return false
}

func deriveRaceRecordID(rel schema.Relation, row schema.Row) {
	// Supplied ids are ignored; the key depends only on the start itself.
	row[rel.Index("race_record_id")] = RaceRecordID(row[rel.Index("horse_id")], row[rel.Index("race_id")], row[rel.Index("start_order")])
}

func defaultRaceType(rel schema.Relation, row schema.Row) {
	if i := rel.Index("race_type"); row[i] == nil {
		row[i] = UnknownRaceType
	}
}

// ProjectionFor returns how records feed the named relation.
func ProjectionFor(name string) (Projection, error) {
	rel, ok := schema.Lookup(name)
	if !ok {
		return Projection{}, errors.Errorf("unknown relation %q", name)
	}
	p := Projection{Relation: rel}
	switch name {
	case schema.HorseCareers:
		p.Nested = "career"
		p.Derive = defaultRaceType
	case schema.Races:
		p.Nested = "races"
	case schema.RaceRecords:
		p.Nested = "races"
		p.Required = []string{"horse_id", "race_id"}
		p.Derive = deriveRaceRecordID
	}
	return p, nil
}

// Projections resolves relations into projections in the same order.
func Projections(rels []schema.Relation) ([]Projection, error) {
	out := make([]Projection, 0, len(rels))
	for _, r := range rels {
		p, err := ProjectionFor(r.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
