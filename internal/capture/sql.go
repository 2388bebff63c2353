// Package capture reads snapshots of tables and queries from a SQL database.
package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dbchanges/internal/snapshot"
)

// ErrTableNotFound is returned when the catalog knows no columns for a table
var ErrTableNotFound = errors.New("table not found")

// WatermarkFunc reports the source position a capture is taken at
type WatermarkFunc func(ctx context.Context) (string, error)

// Column is one column as the catalog describes it
type Column struct {
	Name     string
	DataType string
}

// TableInfo is the cached catalog view of one table
type TableInfo struct {
	Name        string
	Columns     []Column
	PrimaryKeys []string
}

// ColumnNames returns the column names in ordinal order
func (t TableInfo) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// SQL captures snapshots over a caller-owned *sql.DB
type SQL struct {
	db        *sql.DB
	dialect   Dialect
	logger    *logrus.Logger
	watermark WatermarkFunc
	now       func() time.Time

	mu     sync.Mutex
	tables map[string]TableInfo // Cache table metadata by lowercase name
}

// Option configures a SQL capturer
type Option func(*SQL)

// WithWatermark stamps every snapshot with the position fn reports right
// before the read
func WithWatermark(fn WatermarkFunc) Option {
	return func(c *SQL) {
		c.watermark = fn
	}
}

// WithClock overrides the capture timestamp source
func WithClock(now func() time.Time) Option {
	return func(c *SQL) {
		c.now = now
	}
}

// NewSQL creates a capturer. The caller keeps ownership of db.
func NewSQL(db *sql.DB, dialect Dialect, logger *logrus.Logger, opts ...Option) *SQL {
	c := &SQL{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     time.Now,
		tables:  make(map[string]TableInfo),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialect returns the dialect queries are written in
func (c *SQL) Dialect() Dialect {
	return c.dialect
}

// Database returns the name of the connected database
func (c *SQL) Database(ctx context.Context) (string, error) {
	var name sql.NullString
	if err := c.db.QueryRowContext(ctx, c.dialect.databaseSQL).Scan(&name); err != nil {
		return "", fmt.Errorf("failed to query current database: %w", err)
	}
	return name.String, nil
}

// ListTables lists the base tables of the current schema
func (c *SQL) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.listSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return tables, nil
}

// Describe returns the columns and primary key of a table. Results are
// cached for the lifetime of the capturer.
func (c *SQL) Describe(ctx context.Context, table string) (TableInfo, error) {
	cacheKey := strings.ToLower(table)
	c.mu.Lock()
	info, ok := c.tables[cacheKey]
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	schema, name := splitTable(table)
	info = TableInfo{Name: table}

	rows, err := c.db.QueryContext(ctx, c.dialect.columnsSQL, schema, name)
	if err != nil {
		return TableInfo{}, fmt.Errorf("failed to query column info: %w", err)
	}
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType); err != nil {
			rows.Close()
			return TableInfo{}, fmt.Errorf("failed to scan column info: %w", err)
		}
		info.Columns = append(info.Columns, col)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return TableInfo{}, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return TableInfo{}, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	keys, err := c.db.QueryContext(ctx, c.dialect.keysSQL, schema, name)
	if err != nil {
		return TableInfo{}, fmt.Errorf("failed to query primary key: %w", err)
	}
	defer keys.Close()
	for keys.Next() {
		var col string
		if err := keys.Scan(&col); err != nil {
			return TableInfo{}, fmt.Errorf("failed to scan primary key: %w", err)
		}
		info.PrimaryKeys = append(info.PrimaryKeys, col)
	}
	if err := keys.Err(); err != nil {
		return TableInfo{}, fmt.Errorf("error iterating primary key: %w", err)
	}
	if len(info.PrimaryKeys) == 0 {
		c.logger.Warnf("Table %s has no primary key, rows will be matched on full content", table)
	}

	c.mu.Lock()
	c.tables[cacheKey] = info
	c.mu.Unlock()
	c.logger.Debugf("Fetched %d columns and %d key columns for %s", len(info.Columns), len(info.PrimaryKeys), table)

	return info, nil
}

// Forget drops cached metadata so the next capture re-reads the catalog
func (c *SQL) Forget() {
	c.mu.Lock()
	c.tables = make(map[string]TableInfo)
	c.mu.Unlock()
}

// Capture reads the current content of src
func (c *SQL) Capture(ctx context.Context, src snapshot.Source) (*snapshot.Snapshot, error) {
	switch src.Kind {
	case snapshot.KindTable:
		return c.captureTable(ctx, src)
	case snapshot.KindRequest:
		return c.captureRequest(ctx, src)
	default:
		return nil, fmt.Errorf("unknown source kind: %d", src.Kind)
	}
}

func (c *SQL) captureTable(ctx context.Context, src snapshot.Source) (*snapshot.Snapshot, error) {
	info, err := c.Describe(ctx, src.Table)
	if err != nil {
		return nil, err
	}

	keys := info.PrimaryKeys
	if len(src.PrimaryKeys) > 0 {
		keys = make([]string, len(src.PrimaryKeys))
		for i, k := range src.PrimaryKeys {
			keys[i] = k
			for _, col := range info.Columns {
				if strings.EqualFold(col.Name, k) {
					keys[i] = col.Name
					break
				}
			}
		}
	}

	var columns []string
	for _, col := range info.Columns {
		if src.Includes(col.Name) || containsFold(keys, col.Name) {
			columns = append(columns, col.Name)
		}
	}

	watermark, err := c.readWatermark(ctx)
	if err != nil {
		return nil, err
	}
	capturedAt := c.now()

	rows, err := c.db.QueryContext(ctx, c.dialect.SelectSQL(src.Table, columns, keys))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src, err)
	}
	defer rows.Close()

	names, dbTypes, data, err := readRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src, err)
	}

	return snapshot.New(src, names, keys, data,
		snapshot.At(capturedAt), snapshot.WithWatermark(watermark), snapshot.WithDatabaseTypes(dbTypes))
}

func (c *SQL) captureRequest(ctx context.Context, src snapshot.Source) (*snapshot.Snapshot, error) {
	watermark, err := c.readWatermark(ctx)
	if err != nil {
		return nil, err
	}
	capturedAt := c.now()

	rows, err := c.db.QueryContext(ctx, src.Query, src.Params...)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", src, err)
	}
	defer rows.Close()

	names, dbTypes, data, err := readRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", src, err)
	}

	// Requests cannot be rewritten, so column filters apply after the read
	keep := make([]int, 0, len(names))
	for i, n := range names {
		if src.Includes(n) || containsFold(src.PrimaryKeys, n) {
			keep = append(keep, i)
		}
	}
	if len(keep) < len(names) {
		names, dbTypes, data = project(keep, names, dbTypes, data)
	}

	return snapshot.New(src, names, src.PrimaryKeys, data,
		snapshot.At(capturedAt), snapshot.WithWatermark(watermark), snapshot.WithDatabaseTypes(dbTypes))
}

func (c *SQL) readWatermark(ctx context.Context) (string, error) {
	if c.watermark == nil {
		return "", nil
	}
	w, err := c.watermark(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read watermark: %w", err)
	}
	return w, nil
}

// readRows scans every row into converted values
func readRows(rows *sql.Rows) ([]string, []string, [][]any, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to get column types: %w", err)
	}

	names := make([]string, len(types))
	dbTypes := make([]string, len(types))
	cats := make([]category, len(types))
	for i, ct := range types {
		names[i] = ct.Name()
		dbTypes[i] = ct.DatabaseTypeName()
		cats[i] = categorize(dbTypes[i])
	}

	data := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(names))
		valuePtrs := make([]any, len(names))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, nil, fmt.Errorf("scan failed: %w", err)
		}
		for i, v := range values {
			values[i] = convert(v, cats[i])
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return names, dbTypes, data, nil
}

func project(keep []int, names, dbTypes []string, data [][]any) ([]string, []string, [][]any) {
	outNames := make([]string, len(keep))
	outTypes := make([]string, len(keep))
	for j, i := range keep {
		outNames[j] = names[i]
		outTypes[j] = dbTypes[i]
	}
	outData := make([][]any, len(data))
	for r, row := range data {
		out := make([]any, len(keep))
		for j, i := range keep {
			out[j] = row[i]
		}
		outData[r] = out
	}
	return outNames, outTypes, outData
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
