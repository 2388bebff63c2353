package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"dbchanges/internal/binlog"
	"dbchanges/internal/capture"
	"dbchanges/internal/changes"
	"dbchanges/internal/config"
	"dbchanges/internal/nats"
	"dbchanges/internal/processor"
	"dbchanges/internal/report"
	"dbchanges/internal/snapshot"
)

// flushTimeout bounds the wait for NATS to acknowledge published events
const flushTimeout = 5 * time.Second

// session holds the handles a command opens from the configuration
type session struct {
	cfg      *config.Config
	db       *sql.DB
	capturer *capture.SQL
	probe    *binlog.Probe
}

func openSession(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*session, error) {
	dialect, err := capture.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	db, err := capture.Open(ctx, cfg.Database.Driver, cfg.Database.DataSourceName())
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, db: db}

	var opts []capture.Option
	if cfg.Binlog.Enabled {
		addr, user, password, err := cfg.Database.MySQLAccount()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.probe, err = binlog.NewProbe(ctx, addr, user, password, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create binlog probe: %w", err)
		}
		opts = append(opts, capture.WithWatermark(s.probe.Watermark))
	}
	s.capturer = capture.NewSQL(db, dialect, logger, opts...)

	name, err := s.capturer.Database(ctx)
	if err != nil {
		logger.Warnf("%v", err)
	}
	logger.Infof("Connected to %s database %q at %s", dialect.Name, name, cfg.Database.Address())
	return s, nil
}

func (s *session) Close() {
	if s.probe != nil {
		s.probe.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// tableNames returns the tables the configuration captures
func (s *session) tableNames(ctx context.Context) ([]string, error) {
	if s.cfg.Sources.AllTables {
		return s.capturer.ListTables(ctx)
	}
	names := make([]string, len(s.cfg.Sources.Tables))
	for i, t := range s.cfg.Sources.Tables {
		names[i] = t.Name
	}
	return names, nil
}

func watchAction(logger *logrus.Logger, out io.Writer) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd, logger)
		if err != nil {
			return err
		}
		if cmd.Bool("on-activity") && !cfg.Binlog.Enabled {
			return fmt.Errorf("%w: --on-activity needs binlog.enabled", config.ErrInvalidConfig)
		}

		s, err := openSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		var proc *processor.Processor
		if cfg.NATS.URL != "" && !cmd.Bool("no-publish") {
			publisher, err := nats.NewPublisher(nats.Options{
				URL:              cfg.NATS.URL,
				Subject:          cfg.NATS.Subject,
				PerSourceSubject: cfg.NATS.PerSourceSubject,
				MaxReconnect:     cfg.NATS.MaxReconnect,
				ReconnectWait:    cfg.NATS.ReconnectWait,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create NATS publisher: %w", err)
			}
			defer publisher.Close()

			transformer, err := processor.NewTransformer(&cfg.Processor, logger, publisher.Conn())
			if err != nil {
				return fmt.Errorf("failed to create transformer: %w", err)
			}
			proc = processor.NewProcessor(publisher, transformer, logger)
			defer func() {
				if err := publisher.Flush(flushTimeout); err != nil {
					logger.Warnf("%v", err)
				}
			}()
		}

		if cfg.Binlog.PositionFile != "" {
			if pos, ok, err := binlog.LoadPosition(cfg.Binlog.PositionFile); err != nil {
				logger.Warnf("Ignoring position file: %v", err)
			} else if ok {
				logger.Infof("Previous run ended at binlog position %s", binlog.FormatPosition(pos))
			}
		}

		var opts []changes.Option
		if cmd.Bool("unchanged") {
			opts = append(opts, changes.IncludeUnchanged())
		}
		req := newRequest(cfg, s.capturer, logger, opts...)

		started := time.Now()
		if err := req.SetStartPointNow(ctx); err != nil {
			return fmt.Errorf("failed to set start point: %w", err)
		}
		logger.Infof("Start point set on %d sources", len(req.Sources()))

		if err := waitForEndPoint(ctx, cmd, cfg, req, logger); err != nil {
			return err
		}

		if err := req.SetEndPointNow(ctx); err != nil {
			return fmt.Errorf("failed to set end point: %w", err)
		}
		ended := time.Now()

		cs, err := req.ChangeSet()
		if err != nil {
			return err
		}
		report.Render(out, cs, started, ended, report.Options{
			Color:    cmd.Bool("color"),
			MaxWidth: cmd.Int("max-width"),
		})

		if cfg.Binlog.PositionFile != "" {
			if err := saveEndPosition(cfg.Binlog.PositionFile, req.EndPoint()); err != nil {
				logger.Warnf("%v", err)
			}
		}

		if proc != nil {
			if _, err := proc.Process(ctx, cs); err != nil {
				return err
			}
		}
		return nil
	}
}

func newRequest(cfg *config.Config, capturer *capture.SQL, logger *logrus.Logger, opts ...changes.Option) *changes.Request {
	if cfg.Sources.AllTables {
		return changes.NewAllTablesRequest(capturer, logger, opts...)
	}
	return changes.NewRequest(capturer, logger, cfg.Sources.List(), opts...)
}

// waitForEndPoint blocks until the end point should be set: on SIGINT or
// SIGTERM, after --duration, or once the binlog goes quiet after writes
// to the sources
func waitForEndPoint(ctx context.Context, cmd *cli.Command, cfg *config.Config, req *changes.Request, logger *logrus.Logger) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var timeout <-chan time.Time
	if d := cmd.Duration("duration"); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	activity := make(chan error, 1)
	if cmd.Bool("on-activity") {
		follower, err := followFromStartPoint(cfg, req, logger)
		if err != nil {
			return err
		}
		defer follower.Close()

		followCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			n, err := follower.WaitForActivity(followCtx, watchedTables(req.Sources()), cmd.Duration("quiet"))
			if err == nil {
				logger.Infof("Saw %d row events, binlog now at %s", n, binlog.FormatPosition(follower.Position()))
			}
			activity <- err
		}()
		logger.Info("Waiting for writes to the sources")
	} else if timeout == nil {
		logger.Info("Waiting for SIGINT or SIGTERM to set the end point")
	}

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, setting end point", sig)
	case <-timeout:
		logger.Infof("Duration elapsed, setting end point")
	case err := <-activity:
		if err != nil {
			return fmt.Errorf("failed to follow binlog: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func followFromStartPoint(cfg *config.Config, req *changes.Request, logger *logrus.Logger) (*binlog.Follower, error) {
	start := req.StartPoint()
	if len(start) == 0 {
		return nil, changes.ErrStartPointNotSet
	}
	from, err := binlog.ParsePosition(start[0].Watermark())
	if err != nil {
		return nil, fmt.Errorf("start point has no binlog position: %w", err)
	}

	addr, user, password, err := cfg.Database.MySQLAccount()
	if err != nil {
		return nil, err
	}
	return binlog.NewFollower(binlog.FollowerConfig{
		Addr:     addr,
		User:     user,
		Password: password,
		ServerID: cfg.Binlog.ServerID,
		Flavor:   cfg.Binlog.Flavor,
	}, from, logger)
}

// watchedTables returns the table names of sources, or nil, meaning every
// table, when a request source may read any of them
func watchedTables(sources []snapshot.Source) []string {
	var tables []string
	for _, src := range sources {
		if src.Kind != snapshot.KindTable {
			return nil
		}
		tables = append(tables, src.Table)
	}
	return tables
}

// saveEndPosition records the binlog position of the last end point
// snapshot
func saveEndPosition(path string, end []*snapshot.Snapshot) error {
	if len(end) == 0 {
		return nil
	}
	pos, err := binlog.ParsePosition(end[len(end)-1].Watermark())
	if err != nil {
		return fmt.Errorf("end point has no binlog position: %w", err)
	}
	return binlog.SavePosition(path, pos)
}

func checkAction(logger *logrus.Logger) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd, logger)
		if err != nil {
			return err
		}

		s, err := openSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		checker := NewChecker(s.db, s.capturer.Dialect(), logger)
		if err := checker.CheckConnection(ctx); err != nil {
			return err
		}

		tables, err := s.tableNames(ctx)
		if err != nil {
			return err
		}
		if err := checker.CheckTables(ctx, tables); err != nil {
			return err
		}

		if cfg.Binlog.Enabled {
			if err := checker.CheckGrants(ctx, []string{"REPLICATION CLIENT", "REPLICATION SLAVE"}); err != nil {
				return err
			}
			if err := checker.CheckBinlog(ctx); err != nil {
				return err
			}
			pos, err := s.probe.Position(ctx)
			if err != nil {
				return err
			}
			logger.Infof("Current binlog position: %s", binlog.FormatPosition(pos))
		}

		if cfg.NATS.URL != "" {
			publisher, err := nats.NewPublisher(nats.Options{
				URL:           cfg.NATS.URL,
				Subject:       cfg.NATS.Subject,
				MaxReconnect:  cfg.NATS.MaxReconnect,
				ReconnectWait: cfg.NATS.ReconnectWait,
			}, logger)
			if err != nil {
				return err
			}
			publisher.Close()
		}

		logger.Info("All checks passed")
		return nil
	}
}

func tablesAction(logger *logrus.Logger, out io.Writer) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd, logger)
		if err != nil {
			return err
		}

		s, err := openSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		tables, err := s.tableNames(ctx)
		if err != nil {
			return err
		}
		infos := make([]capture.TableInfo, 0, len(tables))
		for _, table := range tables {
			info, err := s.capturer.Describe(ctx, table)
			if err != nil {
				return err
			}
			infos = append(infos, info)
		}

		report.Table(out, []string{"table", "primary key", "columns"}, tableRows(infos))
		return nil
	}
}

func tableRows(infos []capture.TableInfo) [][]string {
	rows := make([][]string, len(infos))
	for i, info := range infos {
		pk := "-"
		if len(info.PrimaryKeys) > 0 {
			pk = strings.Join(info.PrimaryKeys, ", ")
		}
		rows[i] = []string{info.Name, pk, strings.Join(info.ColumnNames(), ", ")}
	}
	return rows
}
