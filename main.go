package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"dbchanges/internal/config"
	"dbchanges/internal/processor"
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	if err := newApp(logger, os.Stdout).Run(context.Background(), os.Args); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// newApp builds the dbchanges command tree. Reports go to out, logs to
// the logger.
func newApp(logger *logrus.Logger, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "dbchanges",
		Usage: "Capture two snapshots of database tables and report the rows that changed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration",
				Value:   "config.yaml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "set a start point, wait, set an end point and report the changes",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "set the end point after this long; 0 waits for a signal",
					},
					&cli.BoolFlag{
						Name:  "on-activity",
						Usage: "set the end point once the binlog shows writes to the sources (mysql, binlog.enabled)",
					},
					&cli.DurationFlag{
						Name:  "quiet",
						Usage: "with --on-activity, how long the binlog must stay idle after the first write",
						Value: 2 * time.Second,
					},
					&cli.BoolFlag{
						Name:  "unchanged",
						Usage: "also report rows that did not change",
					},
					&cli.BoolFlag{
						Name:  "no-publish",
						Usage: "do not publish events even when nats.url is set",
					},
					&cli.BoolFlag{
						Name:  "color",
						Usage: "color change types in the report",
					},
					&cli.IntFlag{
						Name:  "max-width",
						Usage: "truncate report cells to this many characters, 0 = no limit",
						Value: 40,
					},
				},
				Action: watchAction(logger, out),
			},
			{
				Name:   "check",
				Usage:  "verify the connection, table access, binlog settings and the NATS server",
				Action: checkAction(logger),
			},
			{
				Name:   "tables",
				Usage:  "list the configured tables with their columns and primary keys",
				Action: tablesAction(logger, out),
			},
		},
	}
}

// loadConfig reads, validates and applies the configuration named by the
// --config flag
func loadConfig(cmd *cli.Command, logger *logrus.Logger) (*config.Config, error) {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := processor.ValidateRules(&cfg.Processor); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	// Set log level from config
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	return cfg, nil
}
