package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/jazware/trends/pkg/migrate"
	"github.com/urfave/cli/v2"
)

var clickhouseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "clickhouse-address",
		Usage:   "ClickHouse address (host:port)",
		Value:   "localhost:9000",
		EnvVars: []string{"CLICKHOUSE_ADDRESS"},
	},
	&cli.StringFlag{
		Name:    "clickhouse-username",
		Usage:   "ClickHouse username",
		Value:   "default",
		EnvVars: []string{"CLICKHOUSE_USERNAME"},
	},
	&cli.StringFlag{
		Name:    "clickhouse-password",
		Usage:   "ClickHouse password",
		Value:   "",
		EnvVars: []string{"CLICKHOUSE_PASSWORD"},
	},
	&cli.StringFlag{
		Name:    "clickhouse-database",
		Usage:   "ClickHouse database holding the analytics tables",
		Value:   "default",
		EnvVars: []string{"CLICKHOUSE_DATABASE"},
	},
	&cli.IntFlag{
		Name:    "read-timeout",
		Usage:   "ClickHouse read timeout in seconds, for slow table rebuilds",
		Value:   0,
		EnvVars: []string{"CLICKHOUSE_READ_TIMEOUT"},
	},
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app := &cli.App{
		Name:  "migrate",
		Usage: "manage the analytics schema (events, teams, actions, cohorts)",
		Flags: clickhouseFlags,
		Commands: []*cli.Command{
			upCommand(logger),
			downCommand(logger),
			versionCommand(logger),
			forceCommand(logger),
			dumpSchemaCommand(logger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func migratorFromCLI(c *cli.Context, logger *slog.Logger) *migrate.Migrator {
	return migrate.NewMigrator(migrate.Config{
		Address:     c.String("clickhouse-address"),
		Username:    c.String("clickhouse-username"),
		Password:    c.String("clickhouse-password"),
		Database:    c.String("clickhouse-database"),
		ReadTimeout: c.Int("read-timeout"),
	}, logger)
}

func upCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "up",
		Usage: "apply all pending schema migrations",
		Action: func(c *cli.Context) error {
			if err := migratorFromCLI(c, logger).Up(); err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}
			return nil
		},
	}
}

func downCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "down",
		Usage:     "roll back schema migrations",
		ArgsUsage: "[steps]",
		Action: func(c *cli.Context) error {
			steps := 1
			if c.NArg() > 0 {
				n, err := strconv.Atoi(c.Args().First())
				if err != nil {
					return fmt.Errorf("invalid steps argument: %w", err)
				}
				steps = n
			}
			if err := migratorFromCLI(c, logger).Down(steps); err != nil {
				return fmt.Errorf("rolling back %d migration(s): %w", steps, err)
			}
			return nil
		},
	}
}

func versionCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "show the current schema version",
		Action: func(c *cli.Context) error {
			version, dirty, err := migratorFromCLI(c, logger).Version()
			if err != nil {
				return fmt.Errorf("reading schema version: %w", err)
			}
			fmt.Printf("Version: %d\n", version)
			fmt.Printf("Dirty: %v\n", dirty)
			return nil
		},
	}
}

func forceCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "force",
		Usage:     "force the schema version, clearing a dirty state",
		ArgsUsage: "<version>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("version argument required")
			}
			version, err := strconv.Atoi(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid version argument: %w", err)
			}
			if err := migratorFromCLI(c, logger).Force(version); err != nil {
				return fmt.Errorf("forcing version %d: %w", version, err)
			}
			return nil
		},
	}
}

func dumpSchemaCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "dump-schema",
		Usage: "print SHOW CREATE TABLE for every analytics table",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Usage:   "output file (default: stdout)",
				Aliases: []string{"o"},
			},
		},
		Action: func(c *cli.Context) error {
			w := os.Stdout
			if output := c.String("output"); output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating output file: %w", err)
				}
				defer f.Close()
				w = f
			}
			if err := migratorFromCLI(c, logger).DumpSchema(context.Background(), w); err != nil {
				return fmt.Errorf("dumping schema: %w", err)
			}
			return nil
		},
	}
}
