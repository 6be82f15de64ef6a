package cmd

import (
	"github.com/dukex/taskflow/pkg/engine"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v3"
)

// CommonFlags are shared by every taskflow binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or a directory)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// EngineFlags configure an engine, embedded or standalone.
func EngineFlags() []cli.Flag {
	defaults := engine.DefaultConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:    "engine-id",
			Usage:   "Engine instance ID (auto-generated if not provided)",
			Sources: cli.EnvVars("ENGINE_ID"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing executor plugins",
			Value:   "./plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the shared mutex table (in-memory when empty)",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Number of scheduler workers",
			Value:   defaults.Workers,
			Sources: cli.EnvVars("WORKERS"),
		},
		&cli.Int64Flag{
			Name:    "max-concurrency",
			Usage:   "Maximum executor calls in flight",
			Value:   defaults.MaxConcurrency,
			Sources: cli.EnvVars("MAX_CONCURRENCY"),
		},
		&cli.StringFlag{
			Name:    "recovery-schedule",
			Usage:   "Cron spec of the periodic recovery sweep, empty to disable",
			Value:   defaults.RecoverySchedule,
			Sources: cli.EnvVars("RECOVERY_SCHEDULE"),
		},
		&cli.DurationFlag{
			Name:    "lease-grace-period",
			Usage:   "Heartbeat age after which a lease is considered lost",
			Value:   defaults.LeaseGracePeriod,
			Sources: cli.EnvVars("LEASE_GRACE_PERIOD"),
		},
		&cli.DurationFlag{
			Name:    "heartbeat-interval",
			Usage:   "Interval between lease heartbeats",
			Value:   defaults.HeartbeatInterval,
			Sources: cli.EnvVars("HEARTBEAT_INTERVAL"),
		},
	}
}

// EngineConfig reads the engine flags of command on top of the defaults.
func EngineConfig(command *cli.Command) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Clock = clockwork.NewRealClock()

	cfg.EngineInstanceID = command.String("engine-id")
	if cfg.EngineInstanceID == "" {
		cfg.EngineInstanceID = "engine-" + uuid.New().String()[:8]
	}

	cfg.Workers = command.Int("workers")
	cfg.MaxConcurrency = command.Int64("max-concurrency")
	cfg.RecoverySchedule = command.String("recovery-schedule")
	cfg.LeaseGracePeriod = command.Duration("lease-grace-period")
	cfg.HeartbeatInterval = command.Duration("heartbeat-interval")

	return cfg
}
