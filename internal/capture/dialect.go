package capture

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "github.com/lib/pq"              // postgres driver
)

// Dialect holds the SQL that differs between database flavors
type Dialect struct {
	Name string

	quote       string
	columnsSQL  string
	keysSQL     string
	listSQL     string
	databaseSQL string
}

// MySQL quotes with backticks and binds with ?
var MySQL = Dialect{
	Name:  "mysql",
	quote: "`",
	columnsSQL: "SELECT COLUMN_NAME, DATA_TYPE FROM information_schema.COLUMNS " +
		"WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ? " +
		"ORDER BY ORDINAL_POSITION",
	keysSQL: "SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE " +
		"WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY' " +
		"ORDER BY ORDINAL_POSITION",
	listSQL: "SELECT TABLE_NAME FROM information_schema.TABLES " +
		"WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME",
	databaseSQL: "SELECT DATABASE()",
}

// Postgres quotes with double quotes and binds with $n
var Postgres = Dialect{
	Name:  "postgres",
	quote: `"`,
	columnsSQL: "SELECT column_name, data_type FROM information_schema.columns " +
		"WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2 " +
		"ORDER BY ordinal_position",
	keysSQL: "SELECT kcu.column_name FROM information_schema.table_constraints tc " +
		"JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name " +
		"AND tc.table_schema = kcu.table_schema AND tc.table_name = kcu.table_name " +
		"WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = COALESCE(NULLIF($1, ''), current_schema()) " +
		"AND tc.table_name = $2 ORDER BY kcu.ordinal_position",
	listSQL: "SELECT table_name FROM information_schema.tables " +
		"WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name",
	databaseSQL: "SELECT current_database()",
}

// DialectFor maps a database/sql driver name to its dialect
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "mysql":
		return MySQL, nil
	case "postgres", "pgx", "pgx/v5":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Quote quotes a single identifier
func (d Dialect) Quote(name string) string {
	return d.quote + strings.ReplaceAll(name, d.quote, d.quote+d.quote) + d.quote
}

// QuoteTable quotes a table name with an optional schema prefix, so
// "shop.orders" becomes `shop`.`orders`.
func (d Dialect) QuoteTable(name string) string {
	schema, table := splitTable(name)
	if schema == "" {
		return d.Quote(table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

// SelectSQL builds the table read, ordered by key so rows come back in a
// stable order between captures
func (d Dialect) SelectSQL(table string, columns, orderBy []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.Quote(c)
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(quoted, ", "))
	b.WriteString(" FROM ")
	b.WriteString(d.QuoteTable(table))
	if len(orderBy) > 0 {
		keys := make([]string, len(orderBy))
		for i, c := range orderBy {
			keys[i] = d.Quote(c)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(keys, ", "))
	}
	return b.String()
}

// splitTable separates an optional schema prefix from a table name
func splitTable(name string) (schema, table string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// Open opens a pool for driver and verifies it with a ping
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if _, err := DialectFor(driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
