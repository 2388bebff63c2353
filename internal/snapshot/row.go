package snapshot

import (
	"strings"

	"dbchanges/internal/value"
)

// Row is one captured row. The column list and primary key positions are
// shared with the owning snapshot and never mutated.
type Row struct {
	columns []string
	values  []any
	pk      []int
}

// Len returns the number of values in the row
func (r Row) Len() int {
	return len(r.values)
}

// ColumnNames returns the column names in schema order
func (r Row) ColumnNames() []string {
	return append([]string(nil), r.columns...)
}

// Values returns a copy of the row values in schema order
func (r Row) Values() []any {
	return append([]any(nil), r.values...)
}

// Value returns the value at column position i
func (r Row) Value(i int) (any, bool) {
	if i < 0 || i >= len(r.values) {
		return nil, false
	}
	return r.values[i], true
}

// ValueByName looks a value up by case-insensitive column name
func (r Row) ValueByName(name string) (any, bool) {
	for i, c := range r.columns {
		if strings.EqualFold(c, name) {
			return r.values[i], true
		}
	}
	return nil, false
}

// HasPrimaryKey reports whether the row has designated key columns
func (r Row) HasPrimaryKey() bool {
	return len(r.pk) > 0
}

// PrimaryKeyNames returns the key column names in key order
func (r Row) PrimaryKeyNames() []string {
	names := make([]string, len(r.pk))
	for i, idx := range r.pk {
		names[i] = r.columns[idx]
	}
	return names
}

// PrimaryKeyValues returns the key values in key order
func (r Row) PrimaryKeyValues() []any {
	values := make([]any, len(r.pk))
	for i, idx := range r.pk {
		values[i] = r.values[idx]
	}
	return values
}

// IsPrimaryKey reports whether column position i is part of the key
func (r Row) IsPrimaryKey(i int) bool {
	for _, idx := range r.pk {
		if idx == i {
			return true
		}
	}
	return false
}

// Equal compares two rows value by value
func (r Row) Equal(o Row) bool {
	return value.EqualAll(r.values, o.values)
}
