// Package report renders a change set for the terminal.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"dbchanges/internal/changes"
	"dbchanges/internal/diff"
	"dbchanges/internal/snapshot"
	"dbchanges/internal/value"
)

// Headers of the change table
var Headers = []string{"#", "type", "source", "pk", "column", "before", "after"}

// Options control rendering
type Options struct {
	Color    bool
	MaxWidth int // Truncate cell values to this many runes, 0 = no limit
}

var typeColors = map[diff.ChangeType]lipgloss.Color{
	diff.Creation:     lipgloss.Color("2"),
	diff.Modification: lipgloss.Color("3"),
	diff.Deletion:     lipgloss.Color("1"),
	diff.Unchanged:    lipgloss.Color("8"),
}

// Rows flattens a change set into table rows. A modification yields one
// row per modified column; the leading cells are left blank on the rows
// after its first.
func Rows(cs *changes.ChangeSet, maxWidth int) [][]string {
	var rows [][]string
	cur := cs.Cursor()
	for cur.Next() {
		c := cur.Change()
		lead := []string{
			fmt.Sprint(c.Index()),
			c.Type().String(),
			truncate(sourceLabel(c.Source()), maxWidth),
			truncate(formatValues(c.PrimaryKeyNames(), c.PrimaryKeyValues()), maxWidth),
		}

		if c.Type() == diff.Modification {
			for i, col := range cur.ModifiedColumns() {
				if i > 0 {
					lead = []string{"", "", "", ""}
				}
				rows = append(rows, append(lead,
					col.Name,
					truncate(value.Format(col.Before), maxWidth),
					truncate(value.Format(col.After), maxWidth)))
			}
			continue
		}

		before, after := "-", "-"
		if row, ok := c.RowAtStartPoint(); ok {
			before = truncate(formatValues(row.ColumnNames(), row.Values()), maxWidth)
		}
		if row, ok := c.RowAtEndPoint(); ok {
			after = truncate(formatValues(row.ColumnNames(), row.Values()), maxWidth)
		}
		rows = append(rows, append(lead, "*", before, after))
	}
	return rows
}

var (
	headerStyle = lipgloss.NewStyle().Align(lipgloss.Left).Bold(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1, 0, 0).Align(lipgloss.Left)
)

func newTable(headers []string, rows [][]string, style func(row, col int) lipgloss.Style) *table.Table {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if style != nil {
				return style(row, col)
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
}

// Table writes a plain table
func Table(w io.Writer, headers []string, rows [][]string) {
	fmt.Fprintln(w, newTable(headers, rows, nil))
}

// Render writes the change table followed by the summary line
func Render(w io.Writer, cs *changes.ChangeSet, started, ended time.Time, opts Options) {
	rows := Rows(cs, opts.MaxWidth)
	if len(rows) > 0 {
		fmt.Fprintln(w, newTable(Headers, rows, func(row, col int) lipgloss.Style {
			style := cellStyle
			if opts.Color && col == 1 && row >= 0 && row < len(rows) {
				if ct, ok := diff.ParseChangeType(rows[row][1]); ok {
					style = style.Foreground(typeColors[ct])
				}
			}
			return style
		}))
	}

	fmt.Fprintln(w, headerStyle.Render(Summary(cs, started, ended)))
}

// Summary describes the change counts and the capture window, e.g.
// "3 changes across 2 sources in 2 minutes: 1 creation, 1 modification, 1 deletion"
func Summary(cs *changes.ChangeSet, started, ended time.Time) string {
	if cs.IsEmpty() {
		return fmt.Sprintf("No changes in %s", window(started, ended))
	}

	counts := []string{
		plural(cs.Count(diff.Creation), "creation"),
		plural(cs.Count(diff.Modification), "modification"),
		plural(cs.Count(diff.Deletion), "deletion"),
	}
	if n := cs.Count(diff.Unchanged); n > 0 {
		counts = append(counts, humanize.Comma(int64(n))+" unchanged")
	}

	return fmt.Sprintf("%s across %s in %s: %s",
		plural(cs.Len(), "change"),
		plural(len(cs.Sources()), "source"),
		window(started, ended),
		strings.Join(counts, ", "))
}

func plural(n int, word string) string {
	return humanize.Comma(int64(n)) + " " + english.PluralWord(n, word, "")
}

func window(started, ended time.Time) string {
	if started.IsZero() || ended.IsZero() || !ended.After(started) {
		return "no time"
	}
	if ended.Sub(started) < time.Second {
		return "under a second"
	}
	return strings.TrimSpace(humanize.RelTime(started, ended, "", ""))
}

func sourceLabel(s snapshot.Source) string {
	if s.Kind == snapshot.KindTable {
		return s.Name()
	}
	return strings.Join(strings.Fields(s.Name()), " ")
}

// formatValues renders name=value pairs
func formatValues(names []string, values []any) string {
	if len(names) == 0 {
		return "-"
	}
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + value.Format(values[i])
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}
