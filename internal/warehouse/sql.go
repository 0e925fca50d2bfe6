package warehouse

import (
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/acme-corp/racing-pipeline/internal/schema"
)

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func qualified(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + ident(c)
	}
	return out
}

func idents(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}

func columnDefs(rel schema.Relation) []string {
	defs := make([]string, len(rel.Columns))
	for i, c := range rel.Columns {
		defs[i] = ident(c.Name) + " " + c.Type.String()
	}
	return defs
}

func createTableSQL(rel schema.Relation) string {
	defs := columnDefs(rel)
	defs = append(defs,
		ident(CreatedColumn)+" TIMESTAMPTZ NOT NULL DEFAULT now()",
		ident(UpdatedColumn)+" TIMESTAMPTZ NOT NULL DEFAULT now()",
		"PRIMARY KEY ("+strings.Join(idents(rel.Keys), ", ")+")",
	)
	return "CREATE TABLE IF NOT EXISTS " + ident(rel.Name) + " (\n  " + strings.Join(defs, ",\n  ") + "\n)"
}

func createStagingSQL(name string, rel schema.Relation) string {
	defs := append([]string{ident(SeqColumn) + " BIGSERIAL"}, columnDefs(rel)...)
	return "CREATE UNLOGGED TABLE " + ident(name) + " (\n  " + strings.Join(defs, ",\n  ") + "\n)"
}

func dropSQL(name string) string {
	return "DROP TABLE IF EXISTS " + ident(name)
}

func countSQL(name string) string {
	return "SELECT count(*) FROM " + ident(name)
}

// mergeSQL renders the generic upsert. The source is reduced to the last
// staged row per key, and matched rows are only touched when a value
// differs, so re-running a merge over the same staging content changes
// nothing.
func mergeSQL(spec UpsertSpec) string {
	keys := idents(spec.Keys)
	cols := idents(spec.Columns)
	update := spec.UpdateColumns()

	var b strings.Builder
	b.WriteString("MERGE INTO " + ident(spec.Target) + " AS tgt\n")
	b.WriteString("USING (\n  SELECT DISTINCT ON (" + strings.Join(keys, ", ") + ") " + strings.Join(cols, ", ") + "\n")
	b.WriteString("  FROM " + ident(spec.Staging) + "\n")
	b.WriteString("  ORDER BY " + strings.Join(keys, ", ") + ", " + ident(SeqColumn) + " DESC\n")
	b.WriteString(") AS src\n")

	on := make([]string, len(spec.Keys))
	for i, k := range keys {
		on[i] = "tgt." + k + " = src." + k
	}
	b.WriteString("ON " + strings.Join(on, " AND ") + "\n")

	if len(update) > 0 {
		set := make([]string, 0, len(update)+1)
		for _, c := range idents(update) {
			set = append(set, c+" = src."+c)
		}
		set = append(set, ident(UpdatedColumn)+" = now()")
		b.WriteString("WHEN MATCHED AND (" + strings.Join(qualified("tgt", update), ", ") + ") IS DISTINCT FROM (" +
			strings.Join(qualified("src", update), ", ") + ") THEN\n")
		b.WriteString("  UPDATE SET " + strings.Join(set, ", ") + "\n")
	}

	insertCols := append(append([]string{}, cols...), ident(CreatedColumn), ident(UpdatedColumn))
	values := append(qualified("src", spec.Columns), "now()", "now()")
	b.WriteString("WHEN NOT MATCHED THEN\n")
	b.WriteString("  INSERT (" + strings.Join(insertCols, ", ") + ")\n")
	b.WriteString("  VALUES (" + strings.Join(values, ", ") + ")")
	return b.String()
}
