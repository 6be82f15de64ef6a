package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/jonboulle/clockwork"
)

type compiledDefinition struct {
	def *models.WorkflowDefinition
	idx *models.DefinitionIndex
}

// call is one executor invocation in progress.
type call struct {
	attempt   uint
	iteration *int
	cancel    context.CancelFunc
	deadline  clockwork.Timer
	started   time.Time
}

func (c *call) stop() {
	if c.deadline != nil {
		c.deadline.Stop()
	}

	c.cancel()
}

// flight is a node with a running NodeExecution owned by this engine. call is
// nil while the node waits on something other than an executor: branches of
// a parallel node, a child instance, or the next loop iteration.
type flight struct {
	exec      *models.NodeExecution
	node      *models.TaskNode
	call      *call
	cancelled bool
}

// instanceRuntime is the in-memory side of one instance driven by this
// engine. Every field is guarded by mu, which is the single-writer critical
// section of the instance.
type instanceRuntime struct {
	mu sync.Mutex

	id   string
	inst *models.WorkflowInstance
	def  *compiledDefinition

	flights map[string]*flight
	// orphans are running executions whose lease belongs to a lost engine.
	orphans map[string]*models.NodeExecution
	loops   map[string]*models.LoopExecution
	wakers  map[string]clockwork.Timer

	holdsMutex   bool
	waitingMutex bool
	closed       bool
}

func newRuntime(inst *models.WorkflowInstance, def *compiledDefinition) *instanceRuntime {
	return &instanceRuntime{
		id:      inst.ID,
		inst:    inst,
		def:     def,
		flights: make(map[string]*flight),
		orphans: make(map[string]*models.NodeExecution),
		loops:   make(map[string]*models.LoopExecution),
		wakers:  make(map[string]clockwork.Timer),
	}
}

// busy keeps a node out of the ready set.
func (rt *instanceRuntime) busy(nodeID string) bool {
	if _, ok := rt.flights[nodeID]; ok {
		return true
	}

	if _, ok := rt.orphans[nodeID]; ok {
		return true
	}

	_, ok := rt.inst.PendingRetries[nodeID]

	return ok
}

func (rt *instanceRuntime) flightIDs() []string {
	return slices.Sorted(maps.Keys(rt.flights))
}

// contextData is the data executors, conditions and templates see.
func contextData(inst *models.WorkflowInstance, item any, index *int) map[string]any {
	nodes := make(map[string]any, len(inst.Outputs))
	for id, out := range inst.Outputs {
		nodes[id] = out
	}

	instance := map[string]any{
		"id":                 inst.ID,
		"definition_name":    inst.DefinitionName,
		"definition_version": inst.DefinitionVersion,
		"priority":           inst.Priority,
	}

	if inst.BusinessKey != nil {
		instance["business_key"] = *inst.BusinessKey
	}

	data := map[string]any{
		"input":    inst.Input,
		"nodes":    nodes,
		"instance": instance,
	}

	if index != nil {
		data["index"] = *index
		data["item"] = item
	}

	return data
}

// step accumulates one atomic mutation of an instance. Hooks registered with
// then run only after the changeset is committed.
type step struct {
	e    *Engine
	rt   *instanceRuntime
	inst *models.WorkflowInstance
	now  time.Time

	cs     persistence.Changeset
	events []eventbus.Event
	after  []func()
}

func (s *step) log(nodeID string, attempt uint, level models.LogLevel, format string, args ...any) {
	s.cs.Logs = append(s.cs.Logs, s.e.journal.entry(s.inst.ID, nodeID, attempt, level, format, args...))
}

func (s *step) exec(exec *models.NodeExecution) {
	s.cs.Executions = append(s.cs.Executions, exec)
}

func (s *step) loop(loop *models.LoopExecution) {
	s.cs.Loops = append(s.cs.Loops, loop)
}

func (s *step) publish(event eventbus.Event) {
	s.events = append(s.events, event)
}

func (s *step) then(fn func()) {
	s.after = append(s.after, fn)
}

// commit runs fn against a copy of the instance and persists the result.
// On a revision conflict the instance is reloaded and fn runs again, unless
// another live engine took the instance over. Must be called with rt.mu held.
func (e *Engine) commit(ctx context.Context, rt *instanceRuntime, fn func(s *step) error) error {
	for conflicts := 0; ; conflicts++ {
		s := &step{e: e, rt: rt, inst: rt.inst.Clone(), now: e.clock.Now().UTC()}
		s.inst.OwnerID = e.cfg.EngineInstanceID
		s.inst.HeartbeatAt = &s.now

		if err := fn(s); err != nil {
			return err
		}

		s.cs.Instances = append([]*models.WorkflowInstance{s.inst}, s.cs.Instances...)

		err := e.commitWithRetry(ctx, &s.cs)
		if err == nil {
			rt.inst = s.inst

			for _, hook := range s.after {
				hook()
			}

			for _, event := range s.events {
				if err := e.publisher.Publish(ctx, rt.id, event); err != nil {
					e.logger.ErrorContext(ctx, "Failed to publish event", "instance_id", rt.id, "event_type", event.GetType(), "error", err)
				}
			}

			return nil
		}

		if !persistence.IsRevisionConflict(err) || conflicts >= e.cfg.CommitRetries {
			return err
		}

		fresh, loadErr := e.store.InstanceRepository().Get(ctx, rt.id)
		if loadErr != nil {
			return errors.Join(err, loadErr)
		}

		if fresh.OwnerID != e.cfg.EngineInstanceID && !e.leaseStale(fresh.HeartbeatAt) {
			return fmt.Errorf("%w: %s", errNotOwner, fresh.OwnerID)
		}

		e.logger.WarnContext(ctx, "Instance changed concurrently, reapplying", "instance_id", rt.id, "revision", fresh.Revision)
		rt.inst = fresh
	}
}

// commitWithRetry retries infrastructure failures. Revision conflicts are
// returned at once.
func (e *Engine) commitWithRetry(ctx context.Context, cs *persistence.Changeset) error {
	var err error

	for attempt := 0; attempt <= e.cfg.CommitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		err = e.store.Commit(ctx, cs)
		if err == nil || persistence.IsRevisionConflict(err) {
			return err
		}

		e.logger.WarnContext(ctx, "Commit failed", "attempt", attempt+1, "error", err)
	}

	return err
}

func (e *Engine) leaseStale(heartbeat *time.Time) bool {
	return heartbeat == nil || e.clock.Now().Sub(*heartbeat) > e.cfg.LeaseGracePeriod
}
