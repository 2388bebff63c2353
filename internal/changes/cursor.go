package changes

import (
	"dbchanges/internal/diff"
)

// ColumnChange is one column of a change seen from both capture points.
// Before is nil when the change has no start row (creation), After is nil
// when it has no end row (deletion).
type ColumnChange struct {
	Index      int
	Name       string
	Before     any
	After      any
	Modified   bool
	PrimaryKey bool
}

// Cursor walks a change set by position, then drills into the columns of the
// current change. Use it like sql.Rows:
//
//	cur := cs.Cursor()
//	for cur.Next() {
//		for _, col := range cur.ModifiedColumns() {
//			...
//		}
//	}
type Cursor struct {
	cs  *ChangeSet
	pos int
}

// Next advances to the next change and reports whether there is one
func (c *Cursor) Next() bool {
	if c.pos < len(c.cs.changes) {
		c.pos++
	}
	return c.pos < len(c.cs.changes)
}

// Reset moves the cursor back before the first change
func (c *Cursor) Reset() {
	c.pos = -1
}

// Position returns the position of the current change in the set, -1
// before the first call to Next
func (c *Cursor) Position() int {
	return c.pos
}

// Change returns the current change. It is the zero Change when the cursor
// is not on a change.
func (c *Cursor) Change() diff.Change {
	if !c.valid() {
		return diff.Change{}
	}
	return c.cs.changes[c.pos]
}

// ColumnAt returns column i of the current change
func (c *Cursor) ColumnAt(i int) (ColumnChange, bool) {
	if !c.valid() {
		return ColumnChange{}, false
	}
	ch := c.cs.changes[c.pos]
	names := ch.ColumnNames()
	if i < 0 || i >= len(names) {
		return ColumnChange{}, false
	}

	col := ColumnChange{
		Index:    i,
		Name:     names[i],
		Modified: ch.IsModified(i),
	}
	if row, ok := ch.RowAtStartPoint(); ok {
		col.Before, _ = row.Value(i)
		col.PrimaryKey = row.IsPrimaryKey(i)
	}
	if row, ok := ch.RowAtEndPoint(); ok {
		col.After, _ = row.Value(i)
		col.PrimaryKey = row.IsPrimaryKey(i)
	}
	return col, true
}

// Columns returns every column of the current change in schema order
func (c *Cursor) Columns() []ColumnChange {
	if !c.valid() {
		return nil
	}
	n := len(c.cs.changes[c.pos].ColumnNames())
	cols := make([]ColumnChange, 0, n)
	for i := 0; i < n; i++ {
		col, _ := c.ColumnAt(i)
		cols = append(cols, col)
	}
	return cols
}

// ModifiedColumns returns the modified columns of the current change
func (c *Cursor) ModifiedColumns() []ColumnChange {
	if !c.valid() {
		return nil
	}
	var cols []ColumnChange
	for _, i := range c.cs.changes[c.pos].ModifiedColumnIndexes() {
		col, _ := c.ColumnAt(i)
		cols = append(cols, col)
	}
	return cols
}

func (c *Cursor) valid() bool {
	return c.pos >= 0 && c.pos < len(c.cs.changes)
}
