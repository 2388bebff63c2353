package diff

import (
	"strings"
	"time"

	"dbchanges/internal/snapshot"
)

// ChangeType classifies one row difference
type ChangeType int

const (
	Creation ChangeType = iota + 1
	Modification
	Deletion
	Unchanged
)

func (t ChangeType) String() string {
	switch t {
	case Creation:
		return "CREATION"
	case Modification:
		return "MODIFICATION"
	case Deletion:
		return "DELETION"
	case Unchanged:
		return "UNCHANGED"
	default:
		return "UNKNOWN"
	}
}

// ParseChangeType accepts the names returned by String, case-insensitively
func ParseChangeType(s string) (ChangeType, bool) {
	for _, t := range []ChangeType{Creation, Modification, Deletion, Unchanged} {
		if strings.EqualFold(t.String(), s) {
			return t, true
		}
	}
	return 0, false
}

// Change is one classified difference between a row at the start point and
// the same row at the end point. It is immutable.
type Change struct {
	source   snapshot.Source
	typ      ChangeType
	start    *snapshot.Row
	end      *snapshot.Row
	columns  []string
	modified []int
	startAt  time.Time
	endAt    time.Time
	index    int
}

// Source returns the originating source
func (c Change) Source() snapshot.Source { return c.source }

// DataType is TABLE or REQUEST
func (c Change) DataType() snapshot.Kind { return c.source.Kind }

// Type returns the classification
func (c Change) Type() ChangeType { return c.typ }

// Index is the position of the change in the change set it was assembled into
func (c Change) Index() int { return c.index }

// WithIndex returns a copy of c positioned at i
func (c Change) WithIndex(i int) Change {
	c.index = i
	return c
}

// RowAtStartPoint returns the row before the change; false for creations
func (c Change) RowAtStartPoint() (snapshot.Row, bool) {
	if c.start == nil {
		return snapshot.Row{}, false
	}
	return *c.start, true
}

// RowAtEndPoint returns the row after the change; false for deletions
func (c Change) RowAtEndPoint() (snapshot.Row, bool) {
	if c.end == nil {
		return snapshot.Row{}, false
	}
	return *c.end, true
}

// StartPointAt and EndPointAt return the capture instants of the two
// snapshots the change was computed from.
func (c Change) StartPointAt() time.Time { return c.startAt }
func (c Change) EndPointAt() time.Time { return c.endAt }

// ColumnNames returns the column names shared by both snapshots
func (c Change) ColumnNames() []string {
	return append([]string(nil), c.columns...)
}

// PrimaryKeyNames returns the key columns used for matching; empty when the
// source has no key and rows were matched on full content.
func (c Change) PrimaryKeyNames() []string {
	if r := c.row(); r != nil {
		return r.PrimaryKeyNames()
	}
	return nil
}

// PrimaryKeyValues returns the key values from whichever row is present
func (c Change) PrimaryKeyValues() []any {
	if r := c.row(); r != nil {
		return r.PrimaryKeyValues()
	}
	return nil
}

// ModifiedColumnIndexes returns the ascending positions of modified columns.
// It is empty for anything but a modification.
func (c Change) ModifiedColumnIndexes() []int {
	return append([]int(nil), c.modified...)
}

// ModifiedColumnNames returns the names of modified columns in schema order
func (c Change) ModifiedColumnNames() []string {
	names := make([]string, len(c.modified))
	for i, idx := range c.modified {
		names[i] = c.columns[idx]
	}
	return names
}

// IsModified reports whether column position i differs between the two rows
func (c Change) IsModified(i int) bool {
	for _, idx := range c.modified {
		if idx == i {
			return true
		}
	}
	return false
}

func (c Change) row() *snapshot.Row {
	if c.start != nil {
		return c.start
	}
	return c.end
}
