package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dukex/taskflow/pkg/cmd"
	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, logger *slog.Logger, command *cli.Command, cfg engine.Config) error {
	registry, err := cmd.NewRegistry(logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus, err := cmd.NewEventBus(command.String("event-bus"), logger, "taskflow-engine", command.String("kafka-brokers"), command.Bool("otel-enabled"))
	if err != nil {
		return err
	}

	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	mutexes, err := cmd.NewMutexTable(command.String("redis-url"), cfg.Clock)
	if err != nil {
		return err
	}

	defer func() {
		if err := mutexes.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close mutex table", "error", err)
		}
	}()

	if command.Bool("otel-enabled") {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, "taskflow-engine")
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

	metrics := prometheus.NewRegistry()
	cfg.Registerer = metrics

	eng, err := engine.New(cfg, logger, store, registry, mutexes, bus)
	if err != nil {
		return err
	}

	if err := subscribeCommands(ctx, logger, eng, bus); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(ctx)
	})

	if port := command.Int("metrics-port"); port > 0 {
		app := metricsApp(store, metrics)

		g.Go(func() error {
			return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
		})

		g.Go(func() error {
			<-ctx.Done()

			return app.Shutdown()
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Engine stopped")

	return nil
}

// subscribeCommands routes the command topic to eng.
func subscribeCommands(ctx context.Context, logger *slog.Logger, eng *engine.Engine, bus eventbus.EventSubscriber) error {
	handler := services.NewCommandHandler(services.NewEmbeddedController(eng), logger)

	if err := handler.Register(bus); err != nil {
		return fmt.Errorf("failed to register command handlers: %w", err)
	}

	if err := bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	return nil
}

func metricsApp(store persistence.Persistence, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New()

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return store.HealthCheck(c.Context()) == nil
		},
	}))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return app
}
