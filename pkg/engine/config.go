package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes one engine process.
type Config struct {
	// EngineInstanceID tags leases, log entries and mutex ownership.
	EngineInstanceID string
	// Workers is the number of goroutines consuming the tick queue.
	Workers int
	// MaxConcurrency bounds executor calls across every instance.
	MaxConcurrency int64
	// LeaseGracePeriod is how old a heartbeat may get before recovery treats
	// the lease as lost. It is also the mutex lease ttl.
	LeaseGracePeriod  time.Duration
	HeartbeatInterval time.Duration
	// MutexPollInterval re-ticks instances waiting for a mutex key held by
	// another process.
	MutexPollInterval time.Duration
	// RecoverySchedule is a cron spec for the periodic sweep. Empty disables it.
	RecoverySchedule string
	// BaseDelay and MaxDelay bound retry backoff unless the definition
	// overrides them.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// CommitRetries is how many times a failed commit is retried before the
	// instance is failed with an infrastructure error.
	CommitRetries int

	Clock      clockwork.Clock
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
}

func DefaultConfig() Config {
	return Config{
		Workers:           4,
		MaxConcurrency:    64,
		LeaseGracePeriod:  time.Minute,
		HeartbeatInterval: 15 * time.Second,
		MutexPollInterval: 5 * time.Second,
		RecoverySchedule:  "@every 30s",
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Minute,
		CommitRetries:     3,
	}
}

func (c *Config) validate() error {
	var errs []error

	if c.EngineInstanceID == "" {
		errs = append(errs, errors.New("engine instance id is required"))
	}

	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}

	if c.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency))
	}

	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseGracePeriod {
		errs = append(errs, fmt.Errorf("heartbeat interval %s must be positive and shorter than the lease grace period %s", c.HeartbeatInterval, c.LeaseGracePeriod))
	}

	if c.MutexPollInterval <= 0 || c.MutexPollInterval >= c.LeaseGracePeriod {
		errs = append(errs, fmt.Errorf("mutex poll interval %s must be positive and shorter than the lease grace period %s", c.MutexPollInterval, c.LeaseGracePeriod))
	}

	if c.BaseDelay < 0 || c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("invalid backoff bounds base=%s max=%s", c.BaseDelay, c.MaxDelay))
	}

	if c.CommitRetries < 0 {
		errs = append(errs, fmt.Errorf("commit retries cannot be negative, got %d", c.CommitRetries))
	}

	if c.RecoverySchedule != "" {
		if _, err := cron.ParseStandard(c.RecoverySchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid recovery schedule %q: %w", c.RecoverySchedule, err))
		}
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}

	return errors.Join(errs...)
}
