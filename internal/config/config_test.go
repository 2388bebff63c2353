package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbchanges/internal/snapshot"
)

const sample = `
database:
  driver: mysql
  host: db.internal
  user: cdc
  password: s3cret
  name: shop
binlog:
  enabled: true
  position_file: /var/lib/dbchanges/position
sources:
  tables:
    - name: customers
      exclude: [password_hash]
    - name: order_lines
      primary_keys: [order_id, line]
  requests:
    - query: "SELECT id, total FROM orders WHERE total > ?"
      params: [100]
      primary_keys: [id]
nats:
  url: nats://localhost:4222
  per_source_subject: true
  max_reconnect: 5
  reconnect_wait: 500ms
processor:
  enabled: true
  rules:
    - source: customers
      rename:
        email: contact
logging:
  level: debug
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, "db.internal:3306", cfg.Database.Address())
	assert.True(t, cfg.Binlog.Enabled)
	assert.Equal(t, "dbchanges", cfg.NATS.Subject)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait)
	assert.True(t, cfg.NATS.PerSourceSubject)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Processor.Rules, 1)
	assert.Equal(t, "contact", cfg.Processor.Rules[0].Rename["email"])

	sources := cfg.Sources.List()
	require.Len(t, sources, 3)
	assert.Equal(t, snapshot.KindTable, sources[0].Kind)
	assert.Equal(t, []string{"password_hash"}, sources[0].Exclude)
	assert.Equal(t, []string{"order_id", "line"}, sources[1].PrimaryKeys)
	assert.Equal(t, snapshot.KindRequest, sources[2].Kind)
	assert.Equal(t, []any{100}, sources[2].Params)
	assert.Equal(t, []string{"id"}, sources[2].PrimaryKeys)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  driver: PGX\n  user: app\n"))
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "127.0.0.1", cfg.Database.Host)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, uint32(1001), cfg.Binlog.ServerID)
	assert.Equal(t, "mysql", cfg.Binlog.Flavor)

	_, err = Parse([]byte("database: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Parse([]byte("database:\n  user: root\nsources:\n  tables:\n    - name: t\n"))
		require.NoError(t, err)
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite3" }},
		{"no user", func(c *Config) { c.Database.User = "" }},
		{"binlog on postgres", func(c *Config) { c.Database.Driver = "postgres"; c.Binlog.Enabled = true }},
		{"no sources", func(c *Config) { c.Sources.Tables = nil }},
		{"all tables with tables", func(c *Config) { c.Sources.AllTables = true }},
		{"unnamed table", func(c *Config) { c.Sources.Tables[0].Name = "" }},
		{"empty query", func(c *Config) { c.Sources.Requests = []RequestConfig{{Query: "  "}} }},
		{"bad flavor", func(c *Config) { c.Binlog.Flavor = "percona" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	dsnOnly := valid()
	dsnOnly.Database.User = ""
	dsnOnly.Database.DSN = "root@tcp(localhost)/shop"
	assert.NoError(t, dsnOnly.Validate())
}

func TestDataSourceName(t *testing.T) {
	db := DatabaseConfig{Driver: "mysql", Host: "10.0.0.5", Port: 3307, User: "cdc", Password: "p@ss", Name: "shop"}
	parsed, err := mysql.ParseDSN(db.DataSourceName())
	require.NoError(t, err)
	assert.Equal(t, "cdc", parsed.User)
	assert.Equal(t, "p@ss", parsed.Passwd)
	assert.Equal(t, "10.0.0.5:3307", parsed.Addr)
	assert.Equal(t, "shop", parsed.DBName)
	assert.True(t, parsed.ParseTime)

	pg := DatabaseConfig{Driver: "postgres", Host: "pg", Port: 5432, User: "app", Password: "it's", Name: "shop", SSLMode: "require"}
	assert.Equal(t, `host='pg' port=5432 user='app' password='it\'s' dbname='shop' sslmode='require'`, pg.DataSourceName())

	explicit := DatabaseConfig{Driver: "pgx", DSN: "postgres://app@pg/shop"}
	assert.Equal(t, "postgres://app@pg/shop", explicit.DataSourceName())
}

func TestMySQLAccount(t *testing.T) {
	db := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "cdc", Password: "secret"}
	addr, user, password, err := db.MySQLAccount()
	require.NoError(t, err)
	assert.Equal(t, "db:3306", addr)
	assert.Equal(t, "cdc", user)
	assert.Equal(t, "secret", password)

	db.DSN = "repl:pw@tcp(replica:3307)/shop"
	addr, user, _, err = db.MySQLAccount()
	require.NoError(t, err)
	assert.Equal(t, "replica:3307", addr)
	assert.Equal(t, "repl", user)

	db.DSN = "not a dsn"
	_, _, _, err = db.MySQLAccount()
	assert.Error(t, err)
}
