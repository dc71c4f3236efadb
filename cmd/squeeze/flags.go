package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/squeeze/internal/logger"
)

var (
	modelName string
	classes   int
	seed      int64
	logLevel  string
	logFormat string
	debug     bool
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "reference network (lenet5, vgg, resnet)",
			Value:       "resnet",
			Destination: &modelName,
		},
		&cli.IntFlag{
			Name:        "classes",
			Usage:       "classifier outputs",
			Value:       10,
			Destination: &classes,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "parameter initialization seed",
			Value:       1,
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setupLogging installs the process logger into the command context.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg := LoadConfig()
	applyLoggingConfig(cmd, cfg, &logLevel, &logFormat)

	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, err
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log := logger.NewWithOptions(os.Stderr, logger.Options{
		Format: format,
		Level:  level,
		Color:  isatty.IsTerminal(os.Stderr.Fd()),
	})
	return logger.WithContext(ctx, log), nil
}
