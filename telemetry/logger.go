package telemetry

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

var CLIFlagDebug = &cli.BoolFlag{
	Name:    "debug",
	Usage:   "enable debug logging",
	Value:   false,
	EnvVars: []string{"DEBUG"},
}

// StartLogger configures the process-wide default slog logger and
// returns it. Debug level is enabled via the --debug flag.
func StartLogger(cctx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cctx.Bool("debug") {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return logger
}
