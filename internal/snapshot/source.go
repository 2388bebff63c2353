package snapshot

import (
	"fmt"
	"strings"

	"dbchanges/internal/value"
)

// Kind tells whether a snapshot comes from a table or from a request
type Kind int

const (
	KindTable Kind = iota
	KindRequest
)

func (k Kind) String() string {
	if k == KindRequest {
		return "REQUEST"
	}
	return "TABLE"
}

// Source identifies what a snapshot was captured from. It is used for
// labeling and for pairing start and end snapshots; the diff engine never
// interprets it.
type Source struct {
	Kind   Kind
	Table  string
	Query  string
	Params []any

	// PrimaryKeys overrides the table's declared key, or declares the key
	// columns of a request.
	PrimaryKeys []string

	// Columns and Exclude restrict the captured table columns
	Columns []string
	Exclude []string
}

// Table returns a source for the named table
func Table(name string) Source {
	return Source{Kind: KindTable, Table: name}
}

// Request returns a source for a parametrized query
func Request(query string, params ...any) Source {
	return Source{Kind: KindRequest, Query: query, Params: params}
}

// WithPrimaryKeys returns a copy of s with the given key columns
func (s Source) WithPrimaryKeys(names ...string) Source {
	s.PrimaryKeys = append([]string(nil), names...)
	return s
}

// Name is the table name for tables and the query text for requests
func (s Source) Name() string {
	if s.Kind == KindRequest {
		return s.Query
	}
	return s.Table
}

func (s Source) String() string {
	if s.Kind == KindRequest {
		if len(s.Params) == 0 {
			return fmt.Sprintf("request %q", s.Query)
		}
		params := make([]string, len(s.Params))
		for i, p := range s.Params {
			params[i] = value.Format(p)
		}
		return fmt.Sprintf("request %q [%s]", s.Query, strings.Join(params, ", "))
	}
	return fmt.Sprintf("table %s", s.Table)
}

// Same reports whether s and o denote the same logical source. Table names
// are case-insensitive; requests match on query text and parameter values.
func (s Source) Same(o Source) bool {
	if s.Kind != o.Kind {
		return false
	}
	if s.Kind == KindTable {
		return strings.EqualFold(s.Table, o.Table)
	}
	return s.Query == o.Query && value.EqualAll(s.Params, o.Params)
}

// Includes reports whether a column survives the Columns/Exclude filters
func (s Source) Includes(column string) bool {
	if len(s.Columns) > 0 && !containsFold(s.Columns, column) {
		return false
	}
	return !containsFold(s.Exclude, column)
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
