// Package diff matches the rows of two snapshots of the same source and
// classifies every difference as a creation, modification or deletion.
//
// Rows are matched on their primary key values. A source without a primary
// key is matched on full row content, so any content change on such a source
// shows up as a deletion followed by a creation rather than a modification.
// When several rows share a key, the n-th start row with that key matches the
// n-th end row with that key (first seen wins).
package diff

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"dbchanges/internal/snapshot"
	"dbchanges/internal/value"
)

var (
	// ErrSchemaMismatch is returned when start and end snapshots do not share
	// the same columns
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrSourceMismatch is returned when the two snapshots come from different sources
	ErrSourceMismatch = errors.New("source mismatch")

	// ErrMissingSnapshot is returned when a snapshot is nil
	ErrMissingSnapshot = errors.New("missing snapshot")
)

// SchemaMismatchError describes where start and end schemas diverge
type SchemaMismatchError struct {
	Source   string
	Position int // column position, -1 when the column counts differ
	Expected string
	Actual   string
}

func (e *SchemaMismatchError) Error() string {
	if e.Position < 0 {
		return fmt.Sprintf("schema mismatch on %s: expected %s columns at end point but was %s",
			e.Source, e.Expected, e.Actual)
	}
	return fmt.Sprintf("schema mismatch on %s: column %d expected %q at end point but was %q",
		e.Source, e.Position, e.Expected, e.Actual)
}

func (e *SchemaMismatchError) Unwrap() error {
	return ErrSchemaMismatch
}

// Options controls which changes are emitted
type Options struct {
	IncludeUnchanged bool
}

// Option configures an Engine or Compare
type Option func(*Options)

// WithUnchanged also emits UNCHANGED entries for matched, identical rows
func WithUnchanged() Option {
	return func(o *Options) {
		o.IncludeUnchanged = true
	}
}

// Engine compares snapshot pairs and logs what it found
type Engine struct {
	logger *logrus.Logger
	opts   Options
}

// NewEngine creates a diff engine
func NewEngine(logger *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{logger: logger}
	for _, opt := range opts {
		opt(&e.opts)
	}
	return e
}

// Compare diffs start against end
func (e *Engine) Compare(start, end *snapshot.Snapshot) ([]Change, error) {
	changes, err := compare(start, end, e.opts)
	if err != nil {
		return nil, err
	}

	if e.logger != nil {
		counts := make(map[ChangeType]int, 4)
		for _, c := range changes {
			counts[c.Type()]++
		}
		e.logger.Debugf("Compared %s: %d start rows, %d end rows, %d creations, %d modifications, %d deletions",
			start.Source(), start.RowCount(), end.RowCount(),
			counts[Creation], counts[Modification], counts[Deletion])
	}
	return changes, nil
}

// Compare diffs start against end with the given options
func Compare(start, end *snapshot.Snapshot, opts ...Option) ([]Change, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return compare(start, end, o)
}

func compare(start, end *snapshot.Snapshot, opts Options) ([]Change, error) {
	if start == nil || end == nil {
		return nil, ErrMissingSnapshot
	}
	if !start.Source().Same(end.Source()) {
		return nil, fmt.Errorf("%w: start point is %s, end point is %s", ErrSourceMismatch, start.Source(), end.Source())
	}
	if err := checkSchema(start, end); err != nil {
		return nil, err
	}

	columns := start.ColumnNames()
	keyCols := start.PrimaryKeyIndexes()
	if len(keyCols) == 0 {
		keyCols = make([]int, len(columns))
		for i := range keyCols {
			keyCols[i] = i
		}
	}

	base := Change{
		source:  start.Source(),
		columns: columns,
		startAt: start.CapturedAt(),
		endAt:   end.CapturedAt(),
	}

	pending := newRowIndex(end.Rows(), keyCols)
	changes := make([]Change, 0)

	for _, startRow := range start.Rows() {
		j, ok := pending.take(keyValues(startRow, keyCols))
		if !ok {
			c := base
			c.typ = Deletion
			c.start = &startRow
			changes = append(changes, c)
			continue
		}

		endRow := pending.rows[j]
		modified := modifiedColumns(startRow, endRow)
		if len(modified) == 0 && !opts.IncludeUnchanged {
			continue
		}

		c := base
		c.start = &startRow
		c.end = &endRow
		if len(modified) == 0 {
			c.typ = Unchanged
		} else {
			c.typ = Modification
			c.modified = modified
		}
		changes = append(changes, c)
	}

	for _, j := range pending.remaining() {
		endRow := pending.rows[j]
		c := base
		c.typ = Creation
		c.end = &endRow
		changes = append(changes, c)
	}

	return changes, nil
}

// checkSchema fails fast when the two snapshots cannot be diffed
func checkSchema(start, end *snapshot.Snapshot) error {
	name := start.Source().String()
	if start.ColumnCount() != end.ColumnCount() {
		return &SchemaMismatchError{
			Source:   name,
			Position: -1,
			Expected: strconv.Itoa(start.ColumnCount()),
			Actual:   strconv.Itoa(end.ColumnCount()),
		}
	}

	endNames := end.ColumnNames()
	for i, n := range start.ColumnNames() {
		if !strings.EqualFold(n, endNames[i]) {
			return &SchemaMismatchError{Source: name, Position: i, Expected: n, Actual: endNames[i]}
		}
	}
	return nil
}

// modifiedColumns lists, left to right, the positions whose values differ
func modifiedColumns(start, end snapshot.Row) []int {
	var modified []int
	for i := 0; i < start.Len(); i++ {
		a, _ := start.Value(i)
		b, _ := end.Value(i)
		if !value.Equal(a, b) {
			modified = append(modified, i)
		}
	}
	return modified
}

func keyValues(row snapshot.Row, keyCols []int) []any {
	values := make([]any, len(keyCols))
	for i, idx := range keyCols {
		values[i], _ = row.Value(idx)
	}
	return values
}

// compositeKey joins per-value canonical keys without ambiguity
func compositeKey(values []any) string {
	var b strings.Builder
	for _, v := range values {
		k := value.Key(v)
		b.WriteString(strconv.Itoa(len(k)))
		b.WriteByte(':')
		b.WriteString(k)
	}
	return b.String()
}

// rowIndex is the pool of end rows not yet matched, bucketed by key
type rowIndex struct {
	rows    []snapshot.Row
	keyCols []int
	buckets map[string][]int
	taken   []bool
}

func newRowIndex(rows []snapshot.Row, keyCols []int) *rowIndex {
	idx := &rowIndex{
		rows:    rows,
		keyCols: keyCols,
		buckets: make(map[string][]int, len(rows)),
		taken:   make([]bool, len(rows)),
	}
	for i, r := range rows {
		k := compositeKey(keyValues(r, keyCols))
		idx.buckets[k] = append(idx.buckets[k], i)
	}
	return idx
}

// take removes and returns the first pending row, in capture order, whose key
// equals key.
func (x *rowIndex) take(key []any) (int, bool) {
	k := compositeKey(key)
	bucket := x.buckets[k]
	for n, j := range bucket {
		if x.taken[j] {
			continue
		}
		if !value.EqualAll(keyValues(x.rows[j], x.keyCols), key) {
			continue
		}
		x.taken[j] = true
		if n == 0 {
			x.buckets[k] = bucket[1:]
		}
		return j, true
	}
	return -1, false
}

// remaining returns the unmatched rows in capture order
func (x *rowIndex) remaining() []int {
	var out []int
	for i, t := range x.taken {
		if !t {
			out = append(out, i)
		}
	}
	return out
}
