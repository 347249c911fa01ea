package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/tiersearch"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tiersearch",
		Usage: "Tiered file search index",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "Index directory",
				Value:   "./tiersearch-data",
				EnvVars: []string{"TIERSEARCH_DIR"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML configuration file",
				EnvVars: []string{"TIERSEARCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "Write logs as JSON",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "search",
				Usage:     "Run a query",
				ArgsUsage: "QUERY",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Maximum number of hits (0 uses the configured default)",
					},
					&cli.BoolFlag{
						Name:  "archive",
						Usage: "Include the cold tier",
					},
					&cli.TimestampFlag{
						Name:   "from",
						Usage:  "Only files modified at or after this date",
						Layout: time.DateOnly,
					},
					&cli.TimestampFlag{
						Name:   "to",
						Usage:  "Only files modified at or before this date",
						Layout: time.DateOnly,
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Return partial results after this long",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the response as JSON",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show tier sizes and migration progress",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the status as JSON",
					},
				},
			},
			{
				Name:      "ingest",
				Usage:     "Apply change events read as JSON lines",
				ArgsUsage: "[FILE]",
				Action:    ingestCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "extract",
						Usage: "Extract text content of upserted files without content",
					},
					&cli.DurationFlag{
						Name:  "extract-timeout",
						Usage: "Time limit per extraction",
						Value: 10 * time.Second,
					},
				},
			},
			{
				Name:   "tick",
				Usage:  "Run one flush and demotion round",
				Action: tickCommand,
			},
			{
				Name:      "rebuild",
				Usage:     "Clear a tier so it can be re-ingested",
				ArgsUsage: "TIER",
				Action:    rebuildCommand,
			},
			{
				Name:   "backup",
				Usage:  "Write a snapshot of the index to a store",
				Action: backupCommand,
				Flags:  storeFlags(),
			},
			{
				Name:      "restore",
				Usage:     "Recreate the index directory from a snapshot",
				ArgsUsage: "[ID]",
				Action:    restoreCommand,
				Flags:     storeFlags(),
			},
			{
				Name:   "snapshots",
				Usage:  "List the snapshots in a store",
				Action: snapshotsCommand,
				Flags:  storeFlags(),
			},
			{
				Name:   "serve",
				Usage:  "Run background flushes and demotions and export metrics",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "Listen address of the metrics endpoint",
						Value: ":9464",
					},
				},
			},
		},
	}
}

func newLogger(c *cli.Context) (*tiersearch.Logger, error) {
	var level slog.Level
	switch strings.ToLower(c.String("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.String("log-level"))
	}
	if c.Bool("log-json") {
		return tiersearch.NewJSONLogger(level), nil
	}
	return tiersearch.NewTextLogger(level), nil
}

func openDB(c *cli.Context, opts ...tiersearch.Option) (*tiersearch.DB, error) {
	logger, err := newLogger(c)
	if err != nil {
		return nil, err
	}
	cfg := tiersearch.DefaultConfig()
	if path := c.String("config"); path != "" {
		if cfg, err = tiersearch.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	opts = append([]tiersearch.Option{
		tiersearch.WithConfig(cfg),
		tiersearch.WithLogger(logger),
	}, opts...)
	return tiersearch.Open(c.String("dir"), opts...)
}
