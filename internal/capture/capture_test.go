package capture

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbchanges/internal/snapshot"
	"dbchanges/internal/value"
)

var fixedNow = time.Date(2024, time.July, 4, 10, 30, 0, 0, time.UTC)

func newMock(t *testing.T, dialect Dialect, opts ...Option) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger, _ := test.NewNullLogger()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewSQL(db, dialect, logger, opts...), mock
}

func expectDescribe(mock sqlmock.Sqlmock, d Dialect, table string, columns [][2]string, keys ...string) {
	schema, name := splitTable(table)
	cols := sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE"})
	for _, c := range columns {
		cols.AddRow(c[0], c[1])
	}
	mock.ExpectQuery(regexp.QuoteMeta(d.columnsSQL)).WithArgs(schema, name).WillReturnRows(cols)

	if len(columns) == 0 {
		return
	}
	pk := sqlmock.NewRows([]string{"COLUMN_NAME"})
	for _, k := range keys {
		pk.AddRow(k)
	}
	mock.ExpectQuery(regexp.QuoteMeta(d.keysSQL)).WithArgs(schema, name).WillReturnRows(pk)
}

func TestCaptureTable(t *testing.T) {
	calls := 0
	c, mock := newMock(t, MySQL, WithWatermark(func(context.Context) (string, error) {
		calls++
		return "binlog.000003:1337", nil
	}))
	ctx := context.Background()

	expectDescribe(mock, MySQL, "users", [][2]string{
		{"id", "int"}, {"name", "varchar"}, {"password", "varchar"}, {"created_at", "datetime"},
	}, "id")

	created := time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)
	data := func() *sqlmock.Rows {
		return mock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("id").OfType("INT", int64(0)),
			sqlmock.NewColumn("name").OfType("VARCHAR", ""),
			sqlmock.NewColumn("created_at").OfType("DATETIME", time.Time{}),
		).
			AddRow([]byte("1"), []byte("ann"), created).
			AddRow([]byte("2"), []byte("bob"), nil)
	}
	query := "SELECT `id`, `name`, `created_at` FROM `users` ORDER BY `id`"
	mock.ExpectQuery(regexp.QuoteMeta(query)).WillReturnRows(data())
	mock.ExpectQuery(regexp.QuoteMeta(query)).WillReturnRows(data())

	src := snapshot.Table("users")
	src.Exclude = []string{"password"}

	snap, err := c.Capture(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "created_at"}, snap.ColumnNames())
	assert.Equal(t, []string{"id"}, snap.PrimaryKeyNames())
	assert.Equal(t, fixedNow, snap.CapturedAt())
	assert.Equal(t, "binlog.000003:1337", snap.Watermark())
	require.Equal(t, 2, snap.RowCount())

	row, _ := snap.Row(0)
	assert.Equal(t, []any{int64(1), "ann", created}, row.Values())
	row, _ = snap.Row(1)
	assert.Nil(t, row.Values()[2])

	col, _ := snap.ColumnByName("created_at")
	assert.Equal(t, "DATETIME", col.DatabaseType())
	assert.Equal(t, value.DateTime, col.Type())

	// metadata comes from the cache the second time
	_, err = c.Capture(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaptureTableKeyOverride(t *testing.T) {
	c, mock := newMock(t, Postgres)
	expectDescribe(mock, Postgres, "audit.events", [][2]string{{"Code", "text"}, {"at", "timestamp"}})
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "Code", "at" FROM "audit"."events" ORDER BY "Code"`)).
		WillReturnRows(mock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("Code").OfType("TEXT", ""),
			sqlmock.NewColumn("at").OfType("TIMESTAMP", time.Time{}),
		).AddRow("a", "2024-05-06 07:08:09.5"))

	snap, err := c.Capture(context.Background(), snapshot.Table("audit.events").WithPrimaryKeys("code"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Code"}, snap.PrimaryKeyNames())
	row, _ := snap.Row(0)
	assert.Equal(t, time.Date(2024, time.May, 6, 7, 8, 9, 500000000, time.UTC), row.Values()[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaptureRequest(t *testing.T) {
	c, mock := newMock(t, Postgres)
	q := "SELECT id, total, note FROM orders WHERE total > $1"
	mock.ExpectQuery(regexp.QuoteMeta(q)).WithArgs(100).
		WillReturnRows(mock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("id").OfType("INT8", int64(0)),
			sqlmock.NewColumn("total").OfType("NUMERIC", ""),
			sqlmock.NewColumn("note").OfType("TEXT", ""),
		).AddRow(int64(7), []byte("120.50"), "gift"))

	src := snapshot.Request(q, 100).WithPrimaryKeys("id")
	src.Columns = []string{"total"}

	snap, err := c.Capture(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, snapshot.KindRequest, snap.Source().Kind)
	assert.Equal(t, []string{"id", "total"}, snap.ColumnNames())
	assert.Equal(t, []string{"INT8", "NUMERIC"}, []string{mustType(t, snap, 0), mustType(t, snap, 1)})

	row, _ := snap.Row(0)
	total, _ := row.ValueByName("total")
	assert.True(t, decimal.RequireFromString("120.5").Equal(total.(decimal.Decimal)))
	assert.Empty(t, snap.Watermark())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func mustType(t *testing.T, snap *snapshot.Snapshot, i int) string {
	t.Helper()
	col, ok := snap.Column(i)
	require.True(t, ok)
	return col.DatabaseType()
}

func TestCaptureErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown table", func(t *testing.T) {
		c, mock := newMock(t, MySQL)
		expectDescribe(mock, MySQL, "ghost", nil)
		_, err := c.Capture(ctx, snapshot.Table("ghost"))
		assert.ErrorIs(t, err, ErrTableNotFound)
	})

	t.Run("query failure", func(t *testing.T) {
		c, mock := newMock(t, MySQL)
		boom := errors.New("table is locked")
		mock.ExpectQuery("SELECT 1").WillReturnError(boom)
		_, err := c.Capture(ctx, snapshot.Request("SELECT 1"))
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), `request "SELECT 1"`)
	})

	t.Run("watermark failure", func(t *testing.T) {
		boom := errors.New("no binlog")
		c, _ := newMock(t, MySQL, WithWatermark(func(context.Context) (string, error) { return "", boom }))
		_, err := c.Capture(ctx, snapshot.Request("SELECT 1"))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("unknown request key", func(t *testing.T) {
		c, mock := newMock(t, MySQL)
		mock.ExpectQuery("SELECT name FROM t").WillReturnRows(mock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("name").OfType("VARCHAR", ""),
		).AddRow("x"))
		_, err := c.Capture(ctx, snapshot.Request("SELECT name FROM t").WithPrimaryKeys("id"))
		assert.ErrorIs(t, err, snapshot.ErrInvalidSnapshot)
	})
}

func TestListTablesAndDatabase(t *testing.T) {
	c, mock := newMock(t, MySQL)
	mock.ExpectQuery(regexp.QuoteMeta(MySQL.listSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}).AddRow("orders").AddRow("users"))
	mock.ExpectQuery(regexp.QuoteMeta(MySQL.databaseSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"DATABASE()"}).AddRow("shop"))

	tables, err := c.ListTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, tables)

	name, err := c.Database(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shop", name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDescribeForget(t *testing.T) {
	c, mock := newMock(t, MySQL)
	expectDescribe(mock, MySQL, "users", [][2]string{{"id", "int"}}, "id")
	expectDescribe(mock, MySQL, "users", [][2]string{{"id", "int"}, {"email", "varchar"}}, "id")

	info, err := c.Describe(context.Background(), "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, info.ColumnNames())

	c.Forget()
	info, err = c.Describe(context.Background(), "USERS")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "email"}, info.ColumnNames())
	assert.Equal(t, []string{"id"}, info.PrimaryKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialect(t *testing.T) {
	d, err := DialectFor("pgx")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name)
	_, err = DialectFor("sqlite3")
	assert.Error(t, err)

	assert.Equal(t, "`we``ird`", MySQL.Quote("we`ird"))
	assert.Equal(t, `"shop"."orders"`, Postgres.QuoteTable("shop.orders"))
	assert.Equal(t, `SELECT "a", "b" FROM "t"`, Postgres.SelectSQL("t", []string{"a", "b"}, nil))
}

func TestCategorize(t *testing.T) {
	tests := map[string]category{
		"INT":             catInteger,
		"UNSIGNED BIGINT": catUnsigned,
		"int4":            catInteger,
		"INTERVAL":        catText,
		"POINT":           catOther,
		"DECIMAL":         catDecimal,
		"DOUBLE":          catFloat,
		"VARCHAR":         catText,
		"MEDIUMTEXT":      catText,
		"BLOB":            catBinary,
		"BYTEA":           catBinary,
		"BOOL":            catBool,
		"DATE":            catDate,
		"TIME":            catTime,
		"TIMESTAMPTZ":     catDateTime,
		"UUID":            catUUID,
		"":                catOther,
	}
	for dbType, want := range tests {
		assert.Equal(t, want, categorize(dbType), dbType)
	}
}

func TestConvert(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	at := time.Date(2024, time.February, 29, 23, 59, 58, 0, time.UTC)

	tests := []struct {
		name string
		raw  any
		cat  category
		want any
	}{
		{"nil", nil, catInteger, nil},
		{"integer text", []byte("-42"), catInteger, int64(-42)},
		{"integer native", int64(5), catInteger, int64(5)},
		{"unsigned overflow", []byte("18446744073709551615"), catUnsigned, uint64(18446744073709551615)},
		{"float", []byte("1.5"), catFloat, 1.5},
		{"bool tinyint", int64(1), catBool, true},
		{"bool text", []byte("f"), catBool, false},
		{"text", []byte("héllo"), catText, "héllo"},
		{"binary", []byte{0xff, 0x00}, catBinary, []byte{0xff, 0x00}},
		{"date from time", at, catDate, civil.Date{Year: 2024, Month: time.February, Day: 29}},
		{"date text", "2024-02-29", catDate, civil.Date{Year: 2024, Month: time.February, Day: 29}},
		{"time text", []byte("23:59:58"), catTime, civil.Time{Hour: 23, Minute: 59, Second: 58}},
		{"mysql time over 24h", []byte("838:59:59"), catTime, "838:59:59"},
		{"datetime text", []byte("2024-02-29 23:59:58"), catDateTime, at},
		{"datetime native", at, catDateTime, at},
		{"zero datetime", []byte("0000-00-00 00:00:00"), catDateTime, "0000-00-00 00:00:00"},
		{"uuid text", id.String(), catUUID, id},
		{"uuid array", [16]byte(id), catUUID, id},
		{"other utf8", []byte("{1,2}"), catOther, "{1,2}"},
		{"other binary", []byte{0xc3, 0x28}, catOther, []byte{0xc3, 0x28}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convert(tt.raw, tt.cat))
		})
	}

	d, ok := convert([]byte("10.250"), catDecimal).(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "10.25", d.String())
}
