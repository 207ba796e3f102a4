package types

import (
	"fmt"
	"time"
)

// ColumnType is the semantic type of a column as declared by a source's
// table descriptor. It drives pushdown literal checking and the analytical
// runtime's schema mapping.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
)

// String returns the YAML/wire name of the type.
func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	default:
		return "unknown"
	}
}

// ParseColumnType parses a column type name from a tenant config or
// connector manifest.
func ParseColumnType(s string) (ColumnType, error) {
	switch s {
	case "string", "text", "":
		return TypeString, nil
	case "int", "integer":
		return TypeInt, nil
	case "float", "double", "number":
		return TypeFloat, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "time", "timestamp", "datetime":
		return TypeTime, nil
	default:
		return TypeString, fmt.Errorf("unknown column type %q", s)
	}
}

// ColumnDef is one column in a rowset schema.
type ColumnDef struct {
	Name string
	Type ColumnType
}

// Schema is the ordered column layout shared by every row in a Rowset.
// It is the source of truth for column order and types.
type Schema struct {
	Columns []ColumnDef
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Without returns a copy of the schema with the named column removed.
// Returns the receiver unchanged if the column is absent.
func (s Schema) Without(name string) Schema {
	idx := s.Index(name)
	if idx < 0 {
		return s
	}
	cols := make([]ColumnDef, 0, len(s.Columns)-1)
	cols = append(cols, s.Columns[:idx]...)
	cols = append(cols, s.Columns[idx+1:]...)
	return Schema{Columns: cols}
}

// Row is one record, values ordered per the owning Rowset's schema.
// A nil element is SQL NULL.
type Row []any

// Rowset is an ordered list of records for one fetch node plus the age of
// the data at materialization time. Row order is preserved as returned by
// the source.
type Rowset struct {
	Schema Schema
	Rows   []Row

	// Age is how long ago the data was materialized (zero for a live
	// fetch, the cache entry age for a cached one).
	Age time.Duration
}

// RowsetFromMaps builds a Rowset from connector-style records, ordering
// values by the given schema. Keys absent from a record become NULL;
// keys not in the schema are dropped.
func RowsetFromMaps(schema Schema, records []map[string]any) Rowset {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := make(Row, len(schema.Columns))
		for i, col := range schema.Columns {
			if v, ok := rec[col.Name]; ok {
				row[i] = v
			}
		}
		rows = append(rows, row)
	}
	return Rowset{Schema: schema, Rows: rows}
}

// Maps converts the rowset back to connector-style records. Used at the
// response boundary.
func (rs Rowset) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		rec := make(map[string]any, len(rs.Schema.Columns))
		for i, col := range rs.Schema.Columns {
			rec[col.Name] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// Project narrows the rowset to the named columns, in the order given.
// Unknown names are skipped. An empty column list returns the rowset
// unchanged.
func (rs Rowset) Project(columns []string) Rowset {
	if len(columns) == 0 {
		return rs
	}
	idxs := make([]int, 0, len(columns))
	cols := make([]ColumnDef, 0, len(columns))
	for _, name := range columns {
		if i := rs.Schema.Index(name); i >= 0 {
			idxs = append(idxs, i)
			cols = append(cols, rs.Schema.Columns[i])
		}
	}
	if len(cols) == len(rs.Schema.Columns) {
		return rs
	}
	rows := make([]Row, len(rs.Rows))
	for r, row := range rs.Rows {
		nr := make(Row, len(idxs))
		for j, i := range idxs {
			nr[j] = row[i]
		}
		rows[r] = nr
	}
	return Rowset{Schema: Schema{Columns: cols}, Rows: rows, Age: rs.Age}
}
