package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zeroq/internal/logger"
)

func main() {
	if err := rootCmd().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cli.Command {
	rf := &runFlags{}
	return &cli.Command{
		Name:   "zeroq",
		Usage:  "Zero-shot quantization experiments for image classifiers",
		Flags:  append(rf.flags(), loggingFlags()...),
		Before: setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runExperiment(ctx, cmd, rf)
		},
		Commands: []*cli.Command{
			modelsCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}
}

// setupLogging installs the configured logger in the command context.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyLoggingConfig(cmd, LoadConfig())
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	return logger.WithContext(ctx, logger.ForFormat(os.Stderr, logFormat, level)), nil
}
