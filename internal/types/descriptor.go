package types

import "time"

// TableDescriptor describes one virtual table a source exposes: its
// columns, which of them the source API can filter by server-side, and
// whether the source supports conditional (etag-style) fetches.
type TableDescriptor struct {
	// Source is the owning source name ("github", "jira", ...).
	Source string
	// Name is the table part ("pull_requests"); the SQL surface addresses
	// it as Source.Name.
	Name string

	Columns []ColumnDef

	// PushableFilters lists the columns the source API accepts as
	// server-side filters. Predicates on other columns stay residual.
	PushableFilters []string

	// PushableOps lists operators the source accepts beyond the baseline
	// (= and IN are always considered pushable when the column allows it).
	PushableOps []Op

	// ConditionalFetch reports whether the source supports etag-like
	// revalidation.
	ConditionalFetch bool

	// SupportsProjection reports whether the source can omit columns
	// server-side. When false the planner accepts the full row and the
	// projection is applied locally.
	SupportsProjection bool
}

// Schema returns the descriptor's columns as a rowset schema.
func (td TableDescriptor) Schema() Schema {
	return Schema{Columns: td.Columns}
}

// QualifiedName returns "source.table".
func (td TableDescriptor) QualifiedName() string {
	return td.Source + "." + td.Name
}

// ColumnType looks up a column's semantic type.
func (td TableDescriptor) ColumnType(name string) (ColumnType, bool) {
	for _, c := range td.Columns {
		if c.Name == name {
			return c.Type, true
		}
	}
	return TypeString, false
}

// Pushable reports whether the column may be pushed to the source at all.
func (td TableDescriptor) Pushable(column string) bool {
	for _, c := range td.PushableFilters {
		if c == column {
			return true
		}
	}
	return false
}

// PushableOp reports whether the operator may be pushed. Equality and IN
// are always pushable; anything else must be declared in PushableOps.
func (td TableDescriptor) PushableOp(op Op) bool {
	if op == OpEq || op == OpIn {
		return true
	}
	for _, o := range td.PushableOps {
		if o == op {
			return true
		}
	}
	return false
}

// SourceDescriptor names a source and carries the limits that apply to the
// whole source rather than a single table: rate budget and the hard
// staleness ceiling the cache may never exceed.
type SourceDescriptor struct {
	Name   string
	Tables []TableDescriptor

	// RateCapacity and RefillPerSecond parameterize the per-(source,
	// tenant) token bucket.
	RateCapacity    float64
	RefillPerSecond float64

	// HardStalenessCap is the maximum age at which a cache entry for this
	// source may ever be served, regardless of the caller's
	// max_staleness_ms.
	HardStalenessCap time.Duration

	// FetchDeadline bounds a single connector fetch; the effective task
	// deadline is min(query deadline, FetchDeadline).
	FetchDeadline time.Duration
}

// Table looks up a table descriptor by name.
func (sd SourceDescriptor) Table(name string) (TableDescriptor, bool) {
	for _, t := range sd.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableDescriptor{}, false
}
