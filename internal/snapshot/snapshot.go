// Package snapshot holds the immutable capture of one source at one instant:
// its columns, its rows, and the primary key designation used to match rows
// across two captures.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dbchanges/internal/value"
)

// ErrInvalidSnapshot is returned when captured data violates the snapshot shape
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot is sealed at construction; every accessor returns copies
type Snapshot struct {
	source     Source
	columns    []string
	dbTypes    []string
	pk         []int
	rows       [][]any
	capturedAt time.Time
	watermark  string
}

// Option configures New
type Option func(*Snapshot)

// At sets the capture instant (defaults to time.Now)
func At(t time.Time) Option {
	return func(s *Snapshot) {
		s.capturedAt = t
	}
}

// WithWatermark stamps the snapshot with a source-specific position, such as
// a binlog coordinate.
func WithWatermark(w string) Option {
	return func(s *Snapshot) {
		s.watermark = w
	}
}

// WithDatabaseTypes records the driver-reported type name of each column
func WithDatabaseTypes(types []string) Option {
	return func(s *Snapshot) {
		s.dbTypes = append([]string(nil), types...)
	}
}

// New seals a snapshot. Column names must be unique (case-insensitive), key
// columns must exist, and every row must have one value per column.
func New(source Source, columns []string, primaryKeys []string, rows [][]any, opts ...Option) (*Snapshot, error) {
	s := &Snapshot{
		source:     source,
		columns:    append([]string(nil), columns...),
		capturedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[string]int, len(columns))
	for i, c := range columns {
		if c == "" {
			return nil, fmt.Errorf("%w: %s: column %d has no name", ErrInvalidSnapshot, source, i)
		}
		key := strings.ToLower(c)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: %s: column %q at position %d duplicates position %d", ErrInvalidSnapshot, source, c, i, prev)
		}
		seen[key] = i
	}

	if len(s.dbTypes) > 0 && len(s.dbTypes) != len(columns) {
		return nil, fmt.Errorf("%w: %s: %d database types for %d columns", ErrInvalidSnapshot, source, len(s.dbTypes), len(columns))
	}

	for _, name := range primaryKeys {
		idx, ok := seen[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %s: primary key column %q not found", ErrInvalidSnapshot, source, name)
		}
		for _, existing := range s.pk {
			if existing == idx {
				return nil, fmt.Errorf("%w: %s: primary key column %q listed twice", ErrInvalidSnapshot, source, name)
			}
		}
		s.pk = append(s.pk, idx)
	}

	s.rows = make([][]any, len(rows))
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("%w: %s: row %d has %d values, expected %d", ErrInvalidSnapshot, source, i, len(row), len(columns))
		}
		s.rows[i] = append([]any(nil), row...)
	}

	return s, nil
}

// Source returns the captured source
func (s *Snapshot) Source() Source {
	return s.source
}

// CapturedAt returns the capture instant
func (s *Snapshot) CapturedAt() time.Time {
	return s.capturedAt
}

// Watermark returns the source position recorded at capture, if any
func (s *Snapshot) Watermark() string {
	return s.watermark
}

// ColumnCount returns the number of columns
func (s *Snapshot) ColumnCount() int {
	return len(s.columns)
}

// ColumnNames returns the column names in schema order
func (s *Snapshot) ColumnNames() []string {
	return append([]string(nil), s.columns...)
}

// ColumnIndex finds a column position by case-insensitive name
func (s *Snapshot) ColumnIndex(name string) (int, bool) {
	for i, c := range s.columns {
		if strings.EqualFold(c, name) {
			return i, true
		}
	}
	return -1, false
}

// Column returns the column at position i with its values in row order
func (s *Snapshot) Column(i int) (Column, bool) {
	if i < 0 || i >= len(s.columns) {
		return Column{}, false
	}
	values := make([]any, len(s.rows))
	for r, row := range s.rows {
		values[r] = row[i]
	}
	col := Column{
		name:       s.columns[i],
		index:      i,
		primaryKey: s.isPrimaryKey(i),
		values:     values,
	}
	if len(s.dbTypes) > 0 {
		col.dbType = s.dbTypes[i]
	}
	return col, true
}

// ColumnByName returns a column by case-insensitive name
func (s *Snapshot) ColumnByName(name string) (Column, bool) {
	i, ok := s.ColumnIndex(name)
	if !ok {
		return Column{}, false
	}
	return s.Column(i)
}

// HasPrimaryKey reports whether any key columns are designated
func (s *Snapshot) HasPrimaryKey() bool {
	return len(s.pk) > 0
}

// PrimaryKeyIndexes returns key column positions in key order
func (s *Snapshot) PrimaryKeyIndexes() []int {
	return append([]int(nil), s.pk...)
}

// PrimaryKeyNames returns key column names in key order
func (s *Snapshot) PrimaryKeyNames() []string {
	names := make([]string, len(s.pk))
	for i, idx := range s.pk {
		names[i] = s.columns[idx]
	}
	return names
}

// RowCount returns the number of rows
func (s *Snapshot) RowCount() int {
	return len(s.rows)
}

// Row returns the row at position i
func (s *Snapshot) Row(i int) (Row, bool) {
	if i < 0 || i >= len(s.rows) {
		return Row{}, false
	}
	return Row{columns: s.columns, values: s.rows[i], pk: s.pk}, true
}

// Rows returns all rows in capture order
func (s *Snapshot) Rows() []Row {
	rows := make([]Row, len(s.rows))
	for i := range s.rows {
		rows[i], _ = s.Row(i)
	}
	return rows
}

func (s *Snapshot) isPrimaryKey(i int) bool {
	for _, idx := range s.pk {
		if idx == i {
			return true
		}
	}
	return false
}

// Column is a read-only view of one column across every row
type Column struct {
	name       string
	index      int
	primaryKey bool
	dbType     string
	values     []any
}

func (c Column) Name() string { return c.name }
func (c Column) Index() int { return c.index }
func (c Column) IsPrimaryKey() bool { return c.primaryKey }
func (c Column) DatabaseType() string { return c.dbType }
func (c Column) Len() int { return len(c.values) }

// Values returns the column values in row order
func (c Column) Values() []any {
	return append([]any(nil), c.values...)
}

// Value returns the value at row position i
func (c Column) Value(i int) (any, bool) {
	if i < 0 || i >= len(c.values) {
		return nil, false
	}
	return c.values[i], true
}

// ValueType returns the semantic type of the value at row position i
func (c Column) ValueType(i int) value.Type {
	v, _ := c.Value(i)
	return value.Classify(v)
}

// Type returns the semantic type shared by every non-null value, or
// NotIdentified when the column is empty, all null, or mixed.
func (c Column) Type() value.Type {
	typ := value.NotIdentified
	found := false
	for _, v := range c.values {
		if value.IsNull(v) {
			continue
		}
		t := value.Classify(v)
		if !found {
			typ, found = t, true
			continue
		}
		if t != typ {
			return value.NotIdentified
		}
	}
	return typ
}
