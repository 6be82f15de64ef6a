// Package engine drives workflow instances: it resolves ready nodes,
// dispatches them to executors, supervises retries and timeouts, and
// recovers work left behind by crashed engine processes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/mutex"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ExecutorResolver maps an executor_ref to an executor.
type ExecutorResolver interface {
	Resolve(ctx context.Context, ref string) (protocol.Executor, error)
}

type Engine struct {
	cfg        Config
	logger     *slog.Logger
	store      persistence.Persistence
	executors  ExecutorResolver
	mutexes    mutex.Table
	publisher  eventbus.EventPublisher
	clock      clockwork.Clock
	journal    journal
	supervisor supervisor
	metrics    *metrics
	tracer     trace.Tracer

	sem   *semaphore.Weighted
	queue *tickQueue
	loads singleflight.Group

	mu           sync.Mutex
	runtimes     map[string]*instanceRuntime
	defs         map[string]*compiledDefinition
	mutexWaiters map[string]map[string]struct{}

	runCtx   context.Context
	stopRun  context.CancelFunc
	calls    sync.WaitGroup
	stopping atomic.Bool
}

func New(
	cfg Config,
	logger *slog.Logger,
	store persistence.Persistence,
	executors ExecutorResolver,
	mutexes mutex.Table,
	publisher eventbus.EventPublisher,
) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}

	if mutexes == nil {
		mutexes = mutex.NewMemoryTable(cfg.Clock)
	}

	if publisher == nil {
		publisher = eventbus.Discard{}
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	runCtx, stopRun := context.WithCancel(context.Background())

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("module", "engine", "engine_id", cfg.EngineInstanceID),
		store:      store,
		executors:  executors,
		mutexes:    mutexes,
		publisher:  publisher,
		clock:      cfg.Clock,
		journal:    journal{engineID: cfg.EngineInstanceID, clock: cfg.Clock},
		supervisor: supervisor{baseDelay: cfg.BaseDelay, maxDelay: cfg.MaxDelay},
		metrics:    newMetrics(cfg.Registerer),
		tracer:     tracer,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrency),
		queue:      newTickQueue(),
		runtimes:   make(map[string]*instanceRuntime),
		defs:       make(map[string]*compiledDefinition),
		runCtx:     runCtx,
		stopRun:    stopRun,

		mutexWaiters: make(map[string]map[string]struct{}),
	}, nil
}

// ID returns the engine instance id.
func (e *Engine) ID() string {
	return e.cfg.EngineInstanceID
}

// Run starts the workers, the heartbeat, the mutex poll and the recovery
// schedule, runs a first recovery sweep and blocks until ctx is done.
// Executor calls still running at shutdown keep their lease and are picked up
// by recovery.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "Starting engine", "workers", e.cfg.Workers, "max_concurrency", e.cfg.MaxConcurrency)

	var background sync.WaitGroup

	for i := range e.cfg.Workers {
		background.Add(1)

		go func() {
			defer background.Done()
			e.work(ctx, i)
		}()
	}

	background.Add(2)

	go func() {
		defer background.Done()
		e.heartbeatLoop(ctx)
	}()

	go func() {
		defer background.Done()
		e.mutexPollLoop(ctx)
	}()

	var scheduler *cron.Cron

	if e.cfg.RecoverySchedule != "" {
		scheduler = cron.New()

		_, err := scheduler.AddFunc(e.cfg.RecoverySchedule, func() {
			if _, err := e.RecoverNow(ctx); err != nil {
				e.logger.ErrorContext(ctx, "Scheduled recovery sweep failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule recovery: %w", err)
		}

		scheduler.Start()
	}

	if _, err := e.RecoverNow(ctx); err != nil {
		e.logger.ErrorContext(ctx, "Startup recovery sweep failed", "error", err)
	}

	<-ctx.Done()

	e.logger.Info("Stopping engine")
	e.stopping.Store(true)
	e.queue.close()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	background.Wait()
	e.stopRun()
	e.calls.Wait()

	return nil
}

// Start asks the engine to run a pending instance. The instance moves to
// running once it holds its mutex key, if any.
func (e *Engine) Start(ctx context.Context, instanceID string) error {
	return e.command(ctx, instanceID, func(ctx context.Context, rt *instanceRuntime) error {
		if !permits(ctx, rt.inst, triggerStart) {
			return fmt.Errorf("%w: cannot start instance %s in status %s", ErrInvalidTransition, rt.id, rt.inst.Status)
		}

		if rt.inst.StartRequested {
			return nil
		}

		return e.commit(ctx, rt, func(s *step) error {
			s.inst.StartRequested = true
			s.log("", 0, models.LogLevelInfo, "start requested")

			return nil
		})
	})
}

// Pause stops dispatching new nodes. Calls in flight finish normally.
func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	return e.command(ctx, instanceID, func(ctx context.Context, rt *instanceRuntime) error {
		return e.commit(ctx, rt, func(s *step) error {
			return s.transition(ctx, triggerPause, models.LogLevelInfo, "instance paused")
		})
	})
}

// Resume re-runs the resolver of a paused instance.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	return e.command(ctx, instanceID, func(ctx context.Context, rt *instanceRuntime) error {
		return e.commit(ctx, rt, func(s *step) error {
			return s.transition(ctx, triggerResume, models.LogLevelInfo, "instance resumed")
		})
	})
}

// Cancel moves the instance to cancelled at once. In-flight executor calls
// are signalled and their executions are marked cancelled when they return.
func (e *Engine) Cancel(ctx context.Context, instanceID string, reason string) error {
	return e.command(ctx, instanceID, func(ctx context.Context, rt *instanceRuntime) error {
		return e.commit(ctx, rt, func(s *step) error {
			msg := "instance cancelled"
			if reason != "" {
				msg += ": " + reason
			}

			if err := s.transition(ctx, triggerCancel, models.LogLevelWarn, "%s", msg); err != nil {
				return err
			}

			s.cancelFlights(ctx, s.pendingWork(), "instance cancelled")
			s.then(func() { e.finalize(ctx, rt) })

			return nil
		})
	})
}

// command runs fn under the instance lock and schedules a tick.
func (e *Engine) command(ctx context.Context, instanceID string, fn func(ctx context.Context, rt *instanceRuntime) error) error {
	rt, err := e.runtime(ctx, instanceID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	err = fn(ctx, rt)
	rt.mu.Unlock()

	if err != nil {
		return err
	}

	e.enqueue(instanceID)

	return nil
}

// runtime returns the loaded runtime of an instance, loading it from the
// store when this engine does not drive it yet. Concurrent loads of one
// instance share a single read and e.mu is not held during it.
func (e *Engine) runtime(ctx context.Context, instanceID string) (*instanceRuntime, error) {
	if rt := e.lookup(instanceID); rt != nil {
		return rt, nil
	}

	v, err, _ := e.loads.Do(instanceID, func() (any, error) {
		if rt := e.lookup(instanceID); rt != nil {
			return rt, nil
		}

		rt, err := e.load(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		defer e.mu.Unlock()

		if loaded, ok := e.runtimes[instanceID]; ok {
			return loaded, nil
		}

		e.runtimes[instanceID] = rt

		return rt, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*instanceRuntime), nil
}

func (e *Engine) load(ctx context.Context, instanceID string) (*instanceRuntime, error) {
	inst, err := e.store.InstanceRepository().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	def, err := e.definition(ctx, inst.DefinitionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load definition of instance", "instance_id", instanceID, "definition_id", inst.DefinitionID, "error", err)
	}

	rt := newRuntime(inst, def)

	if err := e.restore(ctx, rt); err != nil {
		return nil, err
	}

	return rt, nil
}

// lookup returns a runtime only if it is loaded.
func (e *Engine) lookup(instanceID string) *instanceRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.runtimes[instanceID]
}

func (e *Engine) snapshot() []*instanceRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*instanceRuntime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		out = append(out, rt)
	}

	return out
}

// definition loads a published definition. Published definitions are
// immutable, so they are cached by id.
func (e *Engine) definition(ctx context.Context, id string) (*compiledDefinition, error) {
	e.mu.Lock()
	def, ok := e.defs[id]
	e.mu.Unlock()

	if ok {
		return def, nil
	}

	stored, err := e.store.DefinitionRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	compiled := &compiledDefinition{def: stored, idx: models.NewDefinitionIndex(stored)}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.defs[id]; ok {
		return cached, nil
	}

	e.defs[id] = compiled

	return compiled, nil
}

// restore rebuilds in-memory state from persisted executions. Parallel nodes
// are re-leased as they hold no executor call; every other running execution
// becomes an orphan until recovery decides its fate.
func (e *Engine) restore(ctx context.Context, rt *instanceRuntime) error {
	loops, err := e.store.LoopExecutionRepository().ListByInstance(ctx, rt.id)
	if err != nil {
		return err
	}

	for _, loop := range loops {
		rt.loops[loop.NodeID] = loop
	}

	execs, err := e.store.NodeExecutionRepository().ListByInstance(ctx, rt.id)
	if err != nil {
		return err
	}

	for _, exec := range execs {
		if exec.Status != models.NodeExecutionRunning {
			continue
		}

		var node *models.TaskNode
		if rt.def != nil {
			node, _ = rt.def.idx.Node(exec.NodeID)
		}

		if node != nil && node.NodeType == models.NodeTypeParallel {
			rt.flights[exec.NodeID] = &flight{exec: exec, node: node}

			continue
		}

		rt.orphans[exec.NodeID] = exec
	}

	return nil
}

// finalize releases what a terminal instance holds and unloads it once no
// executor call is left. Called with rt.mu held.
func (e *Engine) finalize(ctx context.Context, rt *instanceRuntime) {
	if !rt.inst.Status.IsTerminal() {
		return
	}

	for node, timer := range rt.wakers {
		timer.Stop()
		delete(rt.wakers, node)
	}

	if rt.inst.MutexKey != nil && (rt.holdsMutex || rt.waitingMutex) {
		if err := e.mutexes.Release(ctx, *rt.inst.MutexKey, rt.id); err != nil {
			e.logger.ErrorContext(ctx, "Failed to release mutex", "instance_id", rt.id, "mutex_key", *rt.inst.MutexKey, "error", err)
		}

		rt.holdsMutex = false
		rt.waitingMutex = false

		e.setMutexWaiting(*rt.inst.MutexKey, rt.id, false)
		e.wakeMutexWaiters(*rt.inst.MutexKey)
	}

	if rt.inst.ParentInstanceID != nil {
		e.enqueue(*rt.inst.ParentInstanceID)
	}

	if len(rt.flights) > 0 || rt.closed {
		return
	}

	rt.closed = true

	e.mu.Lock()
	if e.runtimes[rt.id] == rt {
		delete(e.runtimes, rt.id)
	}
	e.mu.Unlock()
}

// setMutexWaiting records whether an instance waits for key. The index lives
// under e.mu so waking waiters never takes another instance lock.
func (e *Engine) setMutexWaiting(key, instanceID string, waiting bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !waiting {
		delete(e.mutexWaiters[key], instanceID)

		if len(e.mutexWaiters[key]) == 0 {
			delete(e.mutexWaiters, key)
		}

		return
	}

	if e.mutexWaiters[key] == nil {
		e.mutexWaiters[key] = make(map[string]struct{})
	}

	e.mutexWaiters[key][instanceID] = struct{}{}
}

func (e *Engine) wakeMutexWaiters(key string) {
	e.mu.Lock()
	ids := slices.Collect(maps.Keys(e.mutexWaiters[key]))
	e.mu.Unlock()

	for _, id := range ids {
		e.enqueue(id)
	}
}

func (e *Engine) drop(rt *instanceRuntime) {
	for _, fl := range rt.flights {
		if fl.call != nil {
			fl.call.stop()
		}
	}

	rt.closed = true

	e.mu.Lock()
	if e.runtimes[rt.id] == rt {
		delete(e.runtimes, rt.id)
	}
	e.mu.Unlock()
}
