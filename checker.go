package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"dbchanges/internal/capture"
)

// ErrBinlogNotEnabled is returned when binlog watermarks are configured but
// the server does not write a binary log
var ErrBinlogNotEnabled = errors.New("binary logging (log_bin) is not enabled")

// Checker validates the connection and the permissions dbchanges needs
type Checker struct {
	db      *sql.DB
	dialect capture.Dialect
	logger  *logrus.Logger
}

// NewChecker creates a checker over an open database handle
func NewChecker(db *sql.DB, dialect capture.Dialect, logger *logrus.Logger) *Checker {
	return &Checker{db: db, dialect: dialect, logger: logger}
}

// CheckConnection pings the server
func (c *Checker) CheckConnection(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s server: %w", c.dialect.Name, err)
	}
	c.logger.Infof("Successfully connected to %s server", c.dialect.Name)
	return nil
}

// CheckTables verifies every table can be read by running an empty select
func (c *Checker) CheckTables(ctx context.Context, tables []string) error {
	var unreadable []string
	for _, table := range tables {
		query := fmt.Sprintf("SELECT 1 FROM %s WHERE 1 = 0", c.dialect.QuoteTable(table))
		rows, err := c.db.QueryContext(ctx, query)
		if err != nil {
			c.logger.Errorf("Cannot read %s: %v", table, err)
			unreadable = append(unreadable, table)
			continue
		}
		rows.Close()
		c.logger.Debugf("Table %s is readable", table)
	}

	if len(unreadable) > 0 {
		return fmt.Errorf("cannot select from: %s", strings.Join(unreadable, ", "))
	}
	c.logger.Infof("All %d tables are readable", len(tables))
	return nil
}

// CheckGrants verifies the current mysql user holds the privileges
// (e.g. REPLICATION CLIENT) named in required
func (c *Checker) CheckGrants(ctx context.Context, required []string) error {
	// SHOW GRANTS can return multiple rows
	var allGrants strings.Builder
	rows, err := c.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// Try alternative query for MySQL 5.6
		rows, err = c.db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		if allGrants.Len() > 0 {
			allGrants.WriteString("; ")
		}
		allGrants.WriteString(grant)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating grants: %w", err)
	}

	grantsStr := allGrants.String()
	missing := missingPrivileges(grantsStr, required)
	if len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), grantsStr)
	}

	c.logger.Info("All required permissions verified")
	return nil
}

// missingPrivileges returns the entries of required that grants does not
// mention. ALL PRIVILEGES covers everything.
func missingPrivileges(grants string, required []string) []string {
	upper := strings.ToUpper(grants)
	if strings.Contains(upper, "ALL PRIVILEGES") {
		return nil
	}
	var missing []string
	for _, priv := range required {
		p := strings.ToUpper(priv)
		if strings.Contains(upper, p) {
			continue
		}
		// MySQL 8.0.22 renamed SLAVE to REPLICA in privilege names
		if alt := strings.Replace(p, "SLAVE", "REPLICA", 1); alt != p && strings.Contains(upper, alt) {
			continue
		}
		missing = append(missing, priv)
	}
	return missing
}

// CheckBinlog verifies binary logging is on and warns unless rows are
// logged in ROW format, which following the binlog relies on
func (c *Checker) CheckBinlog(ctx context.Context) error {
	logBin, err := c.variable(ctx, "log_bin")
	if err != nil {
		c.logger.Warnf("Could not verify binlog status: %v", err)
	} else {
		switch strings.ToUpper(logBin) {
		case "ON", "1":
			c.logger.Info("Binary logging is enabled")
		default:
			return fmt.Errorf("%w: current value %s", ErrBinlogNotEnabled, logBin)
		}
	}

	format, err := c.variable(ctx, "binlog_format")
	switch {
	case err != nil:
		c.logger.Warnf("Could not verify binlog format: %v", err)
	case strings.EqualFold(format, "ROW"):
		c.logger.Info("binlog_format is set to ROW")
	default:
		c.logger.Warnf("binlog_format is set to '%s', but ROW format is needed to follow table activity", format)
	}
	return nil
}

// variable reads a server variable, falling back to @@name
func (c *Checker) variable(ctx context.Context, name string) (string, error) {
	var varName, value string
	err := c.db.QueryRowContext(ctx, "SHOW VARIABLES LIKE ?", name).Scan(&varName, &value)
	if err == nil {
		return value, nil
	}
	if err := c.db.QueryRowContext(ctx, "SELECT @@"+name).Scan(&value); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return value, nil
}
