package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/taskflow/pkg/cmd"
	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/services"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	flags := append(cmd.CommonFlags(), cmd.EngineFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:    "engine",
			Usage:   "Where commands run: embedded (in this process) or remote (published to taskflow-engine)",
			Value:   "embedded",
			Sources: cli.EnvVars("ENGINE_MODE"),
			Validator: func(mode string) error {
				if mode != "embedded" && mode != "remote" {
					return fmt.Errorf("engine must be embedded or remote, got %q", mode)
				}

				return nil
			},
		},
	)

	command := &cli.Command{
		Name:                  "taskflow-api",
		Usage:                 "Define workflows and control their instances",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action:                run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("api")

	logger.InfoContext(ctx, "Initializing taskflow API", "engine", command.String("engine"))

	registry, err := cmd.NewRegistry(logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger, "taskflow-api", command.String("kafka-brokers"), command.Bool("otel-enabled"))
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	cfg := cmd.EngineConfig(command)
	metrics := prometheus.NewRegistry()
	cfg.Registerer = metrics

	var controller services.Controller

	switch command.String("engine") {
	case "remote":
		controller = services.NewRemoteController(persistence, eventBus, logger)
	default:
		if command.Bool("otel-enabled") {
			tracer, shutdown, err := otelhelper.NewTracer(ctx, "taskflow-api")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}

			defer func() {
				if err := shutdown(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to shut down tracer provider", "error", err)
				}
			}()

			cfg.Tracer = tracer
		}

		mutexes, err := cmd.NewMutexTable(command.String("redis-url"), cfg.Clock)
		if err != nil {
			return err
		}

		defer func() { _ = mutexes.Close() }()

		eng, err := engine.New(cfg, logger, persistence, registry, mutexes, eventBus)
		if err != nil {
			return err
		}

		go func() {
			if err := eng.Run(ctx); err != nil {
				logger.ErrorContext(ctx, "Engine stopped", "error", err)
			}
		}()

		controller = services.NewEmbeddedController(eng)
	}

	api := NewAPI(logger, persistence, registry, controller, cfg.EngineInstanceID, metrics)

	return api.Start(ctx, command.Int("port"))
}
