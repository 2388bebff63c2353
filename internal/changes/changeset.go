// Package changes assembles per-source diffs into one ordered, read-only
// change set and drives the start point / end point lifecycle that produces it.
package changes

import (
	"errors"
	"fmt"
	"strings"

	"dbchanges/internal/diff"
	"dbchanges/internal/snapshot"
	"dbchanges/internal/value"
)

// ErrIndexOutOfRange is returned by At for a position outside the change set
var ErrIndexOutOfRange = errors.New("change index out of range")

// IndexOutOfRangeError carries the requested position and the set size
type IndexOutOfRangeError struct {
	Index int
	Len   int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("change index %d out of range [0, %d)", e.Index, e.Len)
}

func (e *IndexOutOfRangeError) Unwrap() error {
	return ErrIndexOutOfRange
}

// ChangeSet is an ordered sequence of changes grouped by source in declared
// order. Each change keeps the index it was assigned when the set was
// assembled, so filtered views still report absolute positions.
type ChangeSet struct {
	changes []diff.Change
}

// New assembles a change set and numbers the changes from zero
func New(changes []diff.Change) *ChangeSet {
	cs := &ChangeSet{changes: make([]diff.Change, len(changes))}
	for i, c := range changes {
		cs.changes[i] = c.WithIndex(i)
	}
	return cs
}

// Len returns the number of changes
func (cs *ChangeSet) Len() int {
	return len(cs.changes)
}

// IsEmpty reports whether the set holds no change
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.changes) == 0
}

// At returns the change at position i of this set
func (cs *ChangeSet) At(i int) (diff.Change, error) {
	if i < 0 || i >= len(cs.changes) {
		return diff.Change{}, &IndexOutOfRangeError{Index: i, Len: len(cs.changes)}
	}
	return cs.changes[i], nil
}

// All returns every change in order
func (cs *ChangeSet) All() []diff.Change {
	return append([]diff.Change(nil), cs.changes...)
}

// OfType returns the changes of the given type
func (cs *ChangeSet) OfType(t diff.ChangeType) *ChangeSet {
	return cs.filter(func(c diff.Change) bool {
		return c.Type() == t
	})
}

// OfSource returns the changes of the named source (table name or request
// text, case-insensitive)
func (cs *ChangeSet) OfSource(name string) *ChangeSet {
	return cs.filter(func(c diff.Change) bool {
		return strings.EqualFold(c.Source().Name(), name)
	})
}

func (cs *ChangeSet) Creations() *ChangeSet     { return cs.OfType(diff.Creation) }
func (cs *ChangeSet) Modifications() *ChangeSet { return cs.OfType(diff.Modification) }
func (cs *ChangeSet) Deletions() *ChangeSet     { return cs.OfType(diff.Deletion) }

// Count returns how many changes have type t
func (cs *ChangeSet) Count(t diff.ChangeType) int {
	n := 0
	for _, c := range cs.changes {
		if c.Type() == t {
			n++
		}
	}
	return n
}

// Sources returns the distinct sources that have changes, in set order
func (cs *ChangeSet) Sources() []snapshot.Source {
	var sources []snapshot.Source
	for _, c := range cs.changes {
		src := c.Source()
		seen := false
		for _, s := range sources {
			if s.Same(src) {
				seen = true
				break
			}
		}
		if !seen {
			sources = append(sources, src)
		}
	}
	return sources
}

// Find returns the first change on the named source whose primary key
// values equal pk. Changes on a source without a primary key are never
// found, and neither is an empty pk.
func (cs *ChangeSet) Find(source string, pk ...any) (diff.Change, bool) {
	if len(pk) == 0 {
		return diff.Change{}, false
	}
	for _, c := range cs.changes {
		if !strings.EqualFold(c.Source().Name(), source) {
			continue
		}
		if value.EqualAll(c.PrimaryKeyValues(), pk) {
			return c, true
		}
	}
	return diff.Change{}, false
}

// Cursor returns a cursor positioned before the first change
func (cs *ChangeSet) Cursor() *Cursor {
	return &Cursor{cs: cs, pos: -1}
}

func (cs *ChangeSet) filter(keep func(diff.Change) bool) *ChangeSet {
	out := &ChangeSet{changes: make([]diff.Change, 0)}
	for _, c := range cs.changes {
		if keep(c) {
			out.changes = append(out.changes, c)
		}
	}
	return out
}
