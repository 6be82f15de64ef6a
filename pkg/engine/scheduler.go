package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dukex/taskflow/pkg/dag"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/template"
)

// maxRounds bounds the resolver passes of one tick. Any remaining work is
// picked up by the next tick.
const maxRounds = 1000

func (e *Engine) enqueue(instanceID string) {
	e.queue.push(instanceID)
}

func (e *Engine) work(ctx context.Context, worker int) {
	logger := e.logger.With("worker", worker)

	for {
		id, ok := e.queue.pop()
		if !ok {
			return
		}

		if err := e.tick(ctx, id); err != nil {
			logger.ErrorContext(ctx, "Tick failed", "instance_id", id, "error", err)
		}
	}
}

// tick drives one instance as far as it can go without waiting.
func (e *Engine) tick(ctx context.Context, instanceID string) error {
	rt, err := e.runtime(ctx, instanceID)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			return nil
		}

		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return nil
	}

	err = e.drive(ctx, rt)

	switch {
	case errors.Is(err, errNotOwner):
		e.logger.WarnContext(ctx, "Instance taken over by another engine", "instance_id", instanceID, "error", err)
		e.drop(rt)

		return nil
	case err != nil && !errors.Is(err, context.Canceled):
		e.failInfrastructure(ctx, rt, err)
	}

	return err
}

func (e *Engine) drive(ctx context.Context, rt *instanceRuntime) error {
	if rt.inst.Status.IsTerminal() {
		e.finalize(ctx, rt)

		return nil
	}

	if rt.def == nil {
		return e.commit(ctx, rt, func(s *step) error {
			s.inst.ErrorKind = string(ErrorKindDefinition)
			s.inst.ErrorMessage = fmt.Sprintf("definition %s could not be loaded", s.inst.DefinitionID)

			return s.transition(ctx, triggerFail, models.LogLevelError, "%s", s.inst.ErrorMessage)
		})
	}

	if rt.inst.Status == models.InstanceStatusPending {
		if !rt.inst.StartRequested {
			return nil
		}

		acquired, err := e.acquireMutex(ctx, rt)
		if err != nil || !acquired {
			return err
		}

		err = e.commit(ctx, rt, func(s *step) error {
			return s.transition(ctx, triggerStart, models.LogLevelInfo, "instance started")
		})
		if err != nil {
			return err
		}
	} else if rt.inst.Status == models.InstanceStatusRunning {
		// A running instance that lost its lease dispatches nothing until it
		// holds the key again. Calls already in flight still report back.
		acquired, err := e.acquireMutex(ctx, rt)
		if err != nil || !acquired {
			return err
		}
	}

	return e.advance(ctx, rt)
}

// acquireMutex reports whether the instance may run. A refused instance is
// re-ticked when the key is released or by the mutex poll.
func (e *Engine) acquireMutex(ctx context.Context, rt *instanceRuntime) (bool, error) {
	if rt.inst.MutexKey == nil || *rt.inst.MutexKey == "" {
		return true, nil
	}

	key := *rt.inst.MutexKey

	acquired, err := e.mutexes.TryAcquire(ctx, key, rt.id, rt.inst.Priority, e.cfg.LeaseGracePeriod)
	if err != nil {
		return false, fmt.Errorf("failed to acquire mutex %s: %w", key, err)
	}

	if acquired {
		rt.holdsMutex = true
		rt.waitingMutex = false
		e.setMutexWaiting(key, rt.id, false)

		return true, nil
	}

	e.setMutexWaiting(key, rt.id, true)

	if rt.waitingMutex {
		return false, nil
	}

	holder, _ := e.mutexes.Holder(ctx, key)

	return false, e.commit(ctx, rt, func(s *step) error {
		s.log("", 0, models.LogLevelInfo, "waiting for mutex %s held by %q", key, holder)
		s.then(func() { rt.waitingMutex = true })

		return nil
	})
}

// advance applies resolver passes until nothing changes. Nodes are dispatched
// and outcomes evaluated only while the instance is running; results that
// arrive while paused are recorded and evaluated on resume.
func (e *Engine) advance(ctx context.Context, rt *instanceRuntime) error {
	for range maxRounds {
		progressed, err := e.round(ctx, rt)
		if err != nil || !progressed {
			return err
		}
	}

	e.enqueue(rt.id)

	return nil
}

func (e *Engine) round(ctx context.Context, rt *instanceRuntime) (bool, error) {
	inst := rt.inst
	if inst.Status != models.InstanceStatusRunning {
		return false, nil
	}

	idx := rt.def.idx
	resolver := dag.Resolver{Condition: e.conditionFunc(inst)}

	top := resolver.ScopeDone(idx, inst, "", rt.busy)
	if len(top.Failed) > 0 {
		return false, e.failInstance(ctx, rt, top.Failed)
	}

	for _, id := range rt.flightIDs() {
		fl := rt.flights[id]
		if fl.call != nil || fl.cancelled {
			continue
		}

		settled, err := behaviorFor(e, fl.node.NodeType).poll(ctx, rt, fl)
		if err != nil || settled {
			return settled, err
		}
	}

	now := e.clock.Now()

	for _, id := range slices.Sorted(maps.Keys(inst.PendingRetries)) {
		retry := inst.PendingRetries[id]
		if now.Before(retry.NotBefore) {
			e.armRetry(rt, id, retry.NotBefore)

			continue
		}

		node, ok := idx.Node(id)
		if !ok {
			continue
		}

		return true, behaviorFor(e, node.NodeType).start(ctx, rt, node, retry.Attempt, &retry)
	}

	for _, scope := range e.scopes(rt) {
		res := resolver.Ready(idx, inst, scope, rt.busy)
		if res.Empty() {
			continue
		}

		for _, id := range slices.Sorted(maps.Keys(res.Invalid)) {
			node, _ := idx.Node(id)

			return true, e.failAttempt(ctx, rt, node, 1, &ConfigurationError{NodeID: id, Err: res.Invalid[id]})
		}

		if len(res.Skipped) > 0 {
			return true, e.skip(ctx, rt, res.Skipped[0])
		}

		node := res.Ready[0]

		return true, behaviorFor(e, node.NodeType).start(ctx, rt, node, 1, nil)
	}

	top = resolver.ScopeDone(idx, inst, "", rt.busy)
	if !top.Done {
		return false, nil
	}

	// A failed node below a settled parallel node must not let the instance complete.
	failed := top.Failed
	if len(failed) == 0 {
		failed = inst.FailedNodes
	}

	if len(failed) > 0 {
		return false, e.failInstance(ctx, rt, failed)
	}

	return false, e.completeInstance(ctx, rt)
}

// scopes returns the top level scope followed by the scope of every parallel
// node in flight.
func (e *Engine) scopes(rt *instanceRuntime) []string {
	scopes := []string{""}

	for _, id := range rt.flightIDs() {
		fl := rt.flights[id]
		if fl.node.NodeType == models.NodeTypeParallel && !fl.cancelled {
			scopes = append(scopes, id)
		}
	}

	return scopes
}

func (e *Engine) conditionFunc(inst *models.WorkflowInstance) dag.ConditionFunc {
	return func(node *models.TaskNode) (bool, error) {
		return template.EvaluateCondition(*node.Condition, contextData(inst, nil, nil))
	}
}

// armRetry wakes the instance when a pending retry becomes due.
func (e *Engine) armRetry(rt *instanceRuntime, nodeID string, notBefore time.Time) {
	if _, ok := rt.wakers[nodeID]; ok {
		return
	}

	rt.wakers[nodeID] = e.clock.AfterFunc(notBefore.Sub(e.clock.Now()), func() {
		rt.mu.Lock()
		delete(rt.wakers, nodeID)
		rt.mu.Unlock()

		e.enqueue(rt.id)
	})
}
