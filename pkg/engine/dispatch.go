package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// nodeBehavior is how one node type is started, advanced, settled and
// recovered. Every method is called with rt.mu held.
type nodeBehavior interface {
	// start dispatches attempt of node. retry is the pending retry being
	// consumed, if any.
	start(ctx context.Context, rt *instanceRuntime, node *models.TaskNode, attempt uint, retry *models.RetryState) error
	// poll advances a flight that is not waiting on an executor call and
	// reports whether anything changed.
	poll(ctx context.Context, rt *instanceRuntime, fl *flight) (bool, error)
	// finish applies the result of an executor call.
	finish(s *step, fl *flight, c completion)
	// recover settles an execution left running by a lost engine.
	recover(ctx context.Context, rt *instanceRuntime, exec *models.NodeExecution) error
}

func behaviorFor(e *Engine, t models.NodeType) nodeBehavior {
	switch t {
	case models.NodeTypeLoop:
		return loopBehavior{e: e}
	case models.NodeTypeParallel:
		return parallelBehavior{e: e}
	case models.NodeTypeSubprocess:
		return subprocessBehavior{e: e}
	case models.NodeTypeSimple, models.NodeTypeTask:
		return taskBehavior{e: e}
	}

	return taskBehavior{e: e}
}

// completion is the result of one executor call.
type completion struct {
	instanceID  string
	nodeID      string
	executionID string
	attempt     uint
	iteration   *int
	output      map[string]any
	err         error
}

type taskBehavior struct {
	e *Engine
}

func (b taskBehavior) start(ctx context.Context, rt *instanceRuntime, node *models.TaskNode, attempt uint, _ *models.RetryState) error {
	return b.e.commit(ctx, rt, func(s *step) error {
		exec := s.newExecution(node, attempt, models.NodeExecutionRunning)
		s.exec(exec)

		delete(s.inst.PendingRetries, node.NodeID)
		s.log(node.NodeID, attempt, models.LogLevelInfo, "attempt %d dispatched to %s", attempt, node.ExecutorRef)

		req := b.e.request(s.inst, node, attempt, nil, nil)

		s.then(func() {
			fl := &flight{exec: exec, node: node}
			rt.flights[node.NodeID] = fl
			b.e.launch(rt, fl, req)
		})

		return nil
	})
}

func (b taskBehavior) poll(context.Context, *instanceRuntime, *flight) (bool, error) {
	return false, nil
}

func (b taskBehavior) finish(s *step, fl *flight, c completion) {
	node := fl.node

	if c.err != nil {
		exec := s.finish(fl.exec, models.NodeExecutionFailed, nil, Classify(c.err), c.err)
		s.fail(node, exec, c.attempt, nil, c.err)
	} else {
		exec := s.finish(fl.exec, models.NodeExecutionSuccess, c.output, "", nil)
		s.succeed(node.NodeID, c.attempt, c.output)
		s.finished(node, exec, c.attempt, nil, c.output)
	}

	s.then(func() { delete(s.rt.flights, node.NodeID) })
}

// recover fails the lost attempt with an infrastructure error and lets the
// supervisor redispatch it at once.
func (b taskBehavior) recover(ctx context.Context, rt *instanceRuntime, exec *models.NodeExecution) error {
	node, ok := rt.def.idx.Node(exec.NodeID)
	if !ok {
		return fmt.Errorf("node %s is not part of the definition", exec.NodeID)
	}

	return b.e.commit(ctx, rt, func(s *step) error {
		lost := s.finish(exec, models.NodeExecutionFailed, nil, ErrorKindInfrastructure, ErrLeaseExpired)
		s.recovered(node, lost, exec.Attempt, nil)
		s.then(func() { delete(rt.orphans, exec.NodeID) })

		return nil
	})
}

// recovered schedules an immediate re-dispatch of a lost attempt, bypassing
// the backoff, or settles the node when its budget is spent.
func (s *step) recovered(node *models.TaskNode, lost *models.NodeExecution, attempt uint, iteration *int) decision {
	d := s.fail(node, lost, attempt, iteration, ErrLeaseExpired)
	if !d.retry {
		return d
	}

	retry := s.inst.PendingRetries[node.NodeID]
	retry.NotBefore = s.now
	s.inst.PendingRetries[node.NodeID] = retry

	s.log(node.NodeID, attempt, models.LogLevelWarn, "attempt %d lost with its engine lease, redispatching", attempt)

	return d
}

// request builds the executor request of one attempt.
func (e *Engine) request(inst *models.WorkflowInstance, node *models.TaskNode, attempt uint, item any, index *int) protocol.Request {
	input := make(map[string]any, len(node.InputData)+2)
	maps.Copy(input, node.InputData)

	if index != nil {
		input["item"] = item
		input["index"] = *index
	}

	return protocol.Request{
		InstanceID:     inst.ID,
		DefinitionName: inst.DefinitionName,
		NodeID:         node.NodeID,
		Attempt:        attempt,
		Iteration:      index,
		Input:          input,
		Context:        contextData(inst, item, index),
	}
}

// launch starts the executor call of a flight. Called with rt.mu held.
func (e *Engine) launch(rt *instanceRuntime, fl *flight, req protocol.Request) {
	ctx, cancel := context.WithCancel(e.runCtx)

	c := &call{attempt: req.Attempt, iteration: req.Iteration, cancel: cancel, started: e.clock.Now()}
	fl.call = c

	done := completion{
		instanceID:  rt.id,
		nodeID:      fl.node.NodeID,
		executionID: fl.exec.ID,
		attempt:     req.Attempt,
		iteration:   req.Iteration,
	}

	if timeout := fl.node.Timeout(); timeout > 0 {
		c.deadline = e.clock.AfterFunc(timeout, func() {
			expired := done
			expired.err = ErrTimeout

			e.complete(expired)
			cancel()
		})
	}

	e.metrics.dispatches.WithLabelValues(string(fl.node.NodeType)).Inc()
	e.metrics.inflight.Inc()
	e.calls.Add(1)

	go e.runCall(ctx, fl.node, req, done)
}

func (e *Engine) runCall(ctx context.Context, node *models.TaskNode, req protocol.Request, done completion) {
	defer e.calls.Done()
	defer e.metrics.inflight.Dec()

	attrs := []attribute.KeyValue{
		attribute.String(otelhelper.InstanceIDKey, req.InstanceID),
		attribute.String(otelhelper.DefinitionNameKey, req.DefinitionName),
		attribute.String(otelhelper.NodeIDKey, node.NodeID),
		attribute.String(otelhelper.NodeTypeKey, string(node.NodeType)),
		attribute.String(otelhelper.ExecutorRefKey, node.ExecutorRef),
		attribute.String(otelhelper.ExecutionIDKey, done.executionID),
		attribute.Int64(otelhelper.AttemptKey, int64(req.Attempt)),
		attribute.String(otelhelper.EngineIDKey, e.cfg.EngineInstanceID),
	}

	if req.Iteration != nil {
		attrs = append(attrs, attribute.Int(otelhelper.IterationKey, *req.Iteration))
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "taskflow.node.execute", attrs...)
	defer span.End()

	done.output, done.err = e.execute(ctx, node, req)
	if done.err != nil {
		otelhelper.FailAttempt(span, done.err, string(Classify(done.err)))
	}

	e.complete(done)
}

func (e *Engine) execute(ctx context.Context, node *models.TaskNode, req protocol.Request) (output map[string]any, err error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor %s panicked: %v", node.ExecutorRef, r)
		}
	}()

	executor, err := e.executors.Resolve(ctx, node.ExecutorRef)
	if err != nil {
		return nil, err
	}

	result, err := executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	return result.Output, nil
}

// complete hands the result of a call back to its instance.
func (e *Engine) complete(c completion) {
	if e.stopping.Load() {
		return
	}

	rt := e.lookup(c.instanceID)
	if rt == nil {
		return
	}

	ctx := e.runCtx

	rt.mu.Lock()
	err := e.applyCompletion(ctx, rt, c)
	rt.mu.Unlock()

	switch {
	case errors.Is(err, errNotOwner):
		e.logger.WarnContext(ctx, "Instance taken over by another engine", "instance_id", c.instanceID, "error", err)

		rt.mu.Lock()
		e.drop(rt)
		rt.mu.Unlock()

		return
	case err != nil:
		e.logger.ErrorContext(ctx, "Failed to record node result", "instance_id", c.instanceID, "node_id", c.nodeID, "attempt", c.attempt, "error", err)
	}

	e.enqueue(c.instanceID)
}

// applyCompletion settles a call. Results that do not belong to the current
// call of the node, such as a late reply after a timeout or a redelivered
// one, are ignored. Called with rt.mu held.
func (e *Engine) applyCompletion(ctx context.Context, rt *instanceRuntime, c completion) error {
	fl := rt.flights[c.nodeID]
	if fl == nil || fl.call == nil || fl.exec.ID != c.executionID ||
		fl.call.attempt != c.attempt || !sameIteration(fl.call.iteration, c.iteration) {
		e.logger.DebugContext(ctx, "Ignoring stale node result", "instance_id", rt.id, "node_id", c.nodeID, "attempt", c.attempt)

		return nil
	}

	fl.call.stop()

	err := e.commit(ctx, rt, func(s *step) error {
		if fl.cancelled {
			s.finish(fl.exec, models.NodeExecutionCancelled, nil, "", errors.New("cancelled"))
			s.log(c.nodeID, c.attempt, models.LogLevelWarn, "attempt %d cancelled", c.attempt)
			s.then(func() {
				delete(rt.flights, c.nodeID)
				e.finalize(ctx, rt)
			})

			return nil
		}

		behaviorFor(e, fl.node.NodeType).finish(s, fl, c)
		s.then(func() { fl.call = nil })

		return nil
	})
	if err != nil && !errors.Is(err, errNotOwner) {
		// The result is lost. The execution keeps its last heartbeat and is
		// redispatched by recovery once the lease runs out.
		fl.call = nil
		delete(rt.flights, c.nodeID)
		rt.orphans[c.nodeID] = fl.exec
	}

	return err
}

func sameIteration(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}
