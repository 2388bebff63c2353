package binlog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/sirupsen/logrus"
)

// ErrBinlogDisabled is returned when the server reports no binlog status
var ErrBinlogDisabled = errors.New("binary logging is disabled")

// statusQueries are tried in order. MySQL 8.4 removed SHOW MASTER STATUS.
var statusQueries = []string{"SHOW MASTER STATUS", "SHOW BINARY LOG STATUS"}

// Probe reads the current binlog position over a plain client connection
type Probe struct {
	mu     sync.Mutex
	conn   *client.Conn
	logger *logrus.Logger
}

// NewProbe connects to addr (host:port)
func NewProbe(ctx context.Context, addr, user, password string, logger *logrus.Logger) (*Probe, error) {
	dialer := &net.Dialer{}
	conn, err := client.ConnectWithDialer(ctx, "tcp", addr, user, password, "", dialer.DialContext)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	logger.Debugf("Binlog probe connected to %s", addr)
	return &Probe{conn: conn, logger: logger}, nil
}

// Position returns the file and offset the server is currently writing
func (p *Probe) Position(ctx context.Context) (mysql.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, query := range statusQueries {
		if err := ctx.Err(); err != nil {
			return mysql.Position{}, err
		}
		res, err := p.conn.Execute(query)
		if err != nil {
			p.logger.Debugf("%s failed: %v", query, err)
			lastErr = err
			continue
		}
		if res.Resultset == nil || res.RowNumber() == 0 {
			return mysql.Position{}, ErrBinlogDisabled
		}
		name, err := res.GetString(0, 0)
		if err != nil {
			return mysql.Position{}, fmt.Errorf("failed to read binlog file: %w", err)
		}
		pos, err := res.GetUint(0, 1)
		if err != nil {
			return mysql.Position{}, fmt.Errorf("failed to read binlog offset: %w", err)
		}
		return mysql.Position{Name: name, Pos: uint32(pos)}, nil
	}
	return mysql.Position{}, fmt.Errorf("failed to read binlog status: %w", lastErr)
}

// Watermark returns Position formatted as "file:pos". It has the shape of
// a capture watermark hook.
func (p *Probe) Watermark(ctx context.Context) (string, error) {
	pos, err := p.Position(ctx)
	if err != nil {
		return "", err
	}
	return FormatPosition(pos), nil
}

// Close closes the connection
func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
