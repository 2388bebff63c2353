// Package config loads the YAML configuration of the dbchanges tool.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"dbchanges/internal/snapshot"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Binlog    BinlogConfig    `yaml:"binlog"`
	Sources   SourcesConfig   `yaml:"sources"`
	NATS      NATSConfig      `yaml:"nats"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, postgres, pgx
	DSN      string `yaml:"dsn"`    // Optional: overrides the fields below
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"` // postgres only
}

type BinlogConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PositionFile string `yaml:"position_file"`
	ServerID     uint32 `yaml:"server_id"` // Replica id used when following the binlog
	Flavor       string `yaml:"flavor"`    // mysql or mariadb
}

type SourcesConfig struct {
	AllTables bool            `yaml:"all_tables"`
	Tables    []TableConfig   `yaml:"tables"`
	Requests  []RequestConfig `yaml:"requests"`
}

type TableConfig struct {
	Name        string   `yaml:"name"`
	PrimaryKeys []string `yaml:"primary_keys"`
	Columns     []string `yaml:"columns"`
	Exclude     []string `yaml:"exclude"`
}

type RequestConfig struct {
	Query       string   `yaml:"query"`
	Params      []any    `yaml:"params"`
	PrimaryKeys []string `yaml:"primary_keys"`
	Columns     []string `yaml:"columns"`
	Exclude     []string `yaml:"exclude"`
}

type NATSConfig struct {
	URL              string        `yaml:"url"`
	Subject          string        `yaml:"subject"`
	PerSourceSubject bool          `yaml:"per_source_subject"`
	MaxReconnect     int           `yaml:"max_reconnect"`
	ReconnectWait    time.Duration `yaml:"reconnect_wait"`
}

// ProcessorConfig configures the change event transformer
type ProcessorConfig struct {
	Enabled bool            `yaml:"enabled"`
	Script  string          `yaml:"script"` // Path to a JavaScript file
	Rules   []ProcessorRule `yaml:"rules"`
}

// ProcessorRule reshapes the row images of events from matching sources
type ProcessorRule struct {
	Source    string            `yaml:"source"` // empty = all sources
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and fills in defaults
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if config.Database.Driver == "" {
		config.Database.Driver = "mysql"
	}
	config.Database.Driver = strings.ToLower(config.Database.Driver)
	if config.Database.Host == "" {
		config.Database.Host = "127.0.0.1"
	}
	if config.Database.Port == 0 {
		config.Database.Port = 3306
		if config.Database.IsPostgres() {
			config.Database.Port = 5432
		}
	}
	if config.Database.SSLMode == "" {
		config.Database.SSLMode = "disable"
	}
	if config.Binlog.ServerID == 0 {
		config.Binlog.ServerID = 1001
	}
	if config.Binlog.Flavor == "" {
		config.Binlog.Flavor = "mysql"
	}
	if config.NATS.Subject == "" {
		config.NATS.Subject = "dbchanges"
	}
	if config.NATS.ReconnectWait == 0 {
		config.NATS.ReconnectWait = 2 * time.Second
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return &config, nil
}

// Validate checks the settings the tool cannot run without
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "pgx":
	default:
		return fmt.Errorf("%w: unsupported database driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Database.DSN == "" && c.Database.User == "" {
		return fmt.Errorf("%w: database.user is required when database.dsn is empty", ErrInvalidConfig)
	}
	if c.Binlog.Enabled && c.Database.Driver != "mysql" {
		return fmt.Errorf("%w: binlog watermarks need the mysql driver", ErrInvalidConfig)
	}

	if c.Binlog.Flavor != "mysql" && c.Binlog.Flavor != "mariadb" {
		return fmt.Errorf("%w: unsupported binlog flavor %q", ErrInvalidConfig, c.Binlog.Flavor)
	}

	if !c.Sources.AllTables && len(c.Sources.Tables) == 0 && len(c.Sources.Requests) == 0 {
		return fmt.Errorf("%w: no sources configured", ErrInvalidConfig)
	}
	if c.Sources.AllTables && len(c.Sources.Tables)+len(c.Sources.Requests) > 0 {
		return fmt.Errorf("%w: sources.all_tables cannot be combined with tables or requests", ErrInvalidConfig)
	}
	for i, t := range c.Sources.Tables {
		if t.Name == "" {
			return fmt.Errorf("%w: table source %d has no name", ErrInvalidConfig, i)
		}
	}
	for i, r := range c.Sources.Requests {
		if strings.TrimSpace(r.Query) == "" {
			return fmt.Errorf("%w: request source %d has no query", ErrInvalidConfig, i)
		}
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// IsPostgres reports whether the driver speaks the postgres dialect
func (d DatabaseConfig) IsPostgres() bool {
	return d.Driver == "postgres" || d.Driver == "pgx"
}

// Address returns host:port
func (d DatabaseConfig) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// DataSourceName returns the DSN to hand to sql.Open
func (d DatabaseConfig) DataSourceName() string {
	if d.DSN != "" {
		return d.DSN
	}

	if d.IsPostgres() {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pgQuote(d.Host), d.Port, pgQuote(d.User), pgQuote(d.Password), pgQuote(d.Name), pgQuote(d.SSLMode))
	}

	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = d.Address()
	cfg.DBName = d.Name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// MySQLAccount returns the address and credentials of a mysql
// connection, read back from the DSN so that dsn overrides apply.
func (d DatabaseConfig) MySQLAccount() (addr, user, password string, err error) {
	cfg, err := mysql.ParseDSN(d.DataSourceName())
	if err != nil {
		return "", "", "", fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	return cfg.Addr, cfg.User, cfg.Passwd, nil
}

// pgQuote quotes a libpq connection string value
func pgQuote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// List returns the configured sources in declared order: tables first,
// then requests.
func (s SourcesConfig) List() []snapshot.Source {
	sources := make([]snapshot.Source, 0, len(s.Tables)+len(s.Requests))
	for _, t := range s.Tables {
		src := snapshot.Table(t.Name).WithPrimaryKeys(t.PrimaryKeys...)
		src.Columns = t.Columns
		src.Exclude = t.Exclude
		sources = append(sources, src)
	}
	for _, r := range s.Requests {
		src := snapshot.Request(r.Query, r.Params...).WithPrimaryKeys(r.PrimaryKeys...)
		src.Columns = r.Columns
		src.Exclude = r.Exclude
		sources = append(sources, src)
	}
	return sources
}
