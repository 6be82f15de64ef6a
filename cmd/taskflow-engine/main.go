// Package main provides the taskflow engine process. It runs instances and
// executes the commands published by API servers started with --engine=remote.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/taskflow/pkg/cmd"
	"github.com/dukex/taskflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultMetricsPort = 9092

func main() {
	flags := append(cmd.CommonFlags(), cmd.EngineFlags()...)
	flags = append(flags, &cli.IntFlag{
		Name:    "metrics-port",
		Usage:   "Port serving /metrics and the health probes, 0 to disable",
		Value:   defaultMetricsPort,
		Sources: cli.EnvVars("METRICS_PORT"),
	})

	command := &cli.Command{
		Name:                  "taskflow-engine",
		Usage:                 "Run workflow instances",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			cfg := cmd.EngineConfig(command)
			logger := log.WithModule("taskflow-engine").With("engine_id", cfg.EngineInstanceID)

			logger.InfoContext(ctx, "Initializing taskflow engine")

			return run(ctx, logger, command, cfg)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
