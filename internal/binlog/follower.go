package binlog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

// FollowerConfig identifies the server and the replica id to stream as
type FollowerConfig struct {
	Addr     string // host:port
	User     string
	Password string
	ServerID uint32
	Flavor   string
}

// Follower streams binlog events from a known position
type Follower struct {
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	position mysql.Position
	logger   *logrus.Logger
}

// NewFollower starts streaming at from
func NewFollower(cfg FollowerConfig, from mysql.Position, logger *logrus.Logger) (*Follower, error) {
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", cfg.Addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", cfg.Addr, err)
	}

	flavor := cfg.Flavor
	if flavor == "" {
		flavor = "mysql"
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: cfg.ServerID,
		Flavor:   flavor,
		Host:     host,
		Port:     uint16(port),
		User:     cfg.User,
		Password: cfg.Password,
	})

	streamer, err := syncer.StartSync(from)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}

	logger.Infof("Following binlog from %s", FormatPosition(from))

	return &Follower{
		syncer:   syncer,
		streamer: streamer,
		position: from,
		logger:   logger,
	}, nil
}

// Position returns the position after the last event read
func (f *Follower) Position() mysql.Position {
	return f.position
}

// WaitForActivity blocks until a row event touches one of tables (any
// table when tables is empty) and the stream then stays quiet for quiet.
// It returns the number of matching row events seen.
func (f *Follower) WaitForActivity(ctx context.Context, tables []string, quiet time.Duration) (int, error) {
	seen := 0
	for {
		readCtx := ctx
		var cancel context.CancelFunc = func() {}
		if seen > 0 {
			readCtx, cancel = context.WithTimeout(ctx, quiet)
		}
		event, err := f.streamer.GetEvent(readCtx)
		cancel()

		if err != nil {
			if seen > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				f.logger.Debugf("Binlog quiet for %s after %d row events", quiet, seen)
				return seen, nil
			}
			return seen, fmt.Errorf("failed to get binlog event: %w", err)
		}

		f.advance(event)
		if table, ok := touches(event, tables); ok {
			seen++
			f.logger.Debugf("Row event on %s at %s", table, FormatPosition(f.position))
		}
	}
}

// advance tracks the position across rotations
func (f *Follower) advance(event *replication.BinlogEvent) {
	if e, ok := event.Event.(*replication.RotateEvent); ok {
		f.position = mysql.Position{Name: string(e.NextLogName), Pos: uint32(e.Position)}
		return
	}
	if event.Header != nil && event.Header.LogPos > 0 {
		f.position.Pos = event.Header.LogPos
	}
}

// touches reports whether event is a row event on one of tables. Names
// match case-insensitively, either bare or as schema.table.
func touches(event *replication.BinlogEvent, tables []string) (string, bool) {
	rows, ok := event.Event.(*replication.RowsEvent)
	if !ok || rows.Table == nil {
		return "", false
	}
	name := string(rows.Table.Table)
	qualified := string(rows.Table.Schema) + "." + name
	if len(tables) == 0 {
		return qualified, true
	}
	for _, t := range tables {
		if strings.EqualFold(t, name) || strings.EqualFold(t, qualified) {
			return qualified, true
		}
	}
	return "", false
}

// Close stops streaming
func (f *Follower) Close() {
	if f.syncer != nil {
		f.syncer.Close()
	}
}
