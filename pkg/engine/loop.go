package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/template"
)

// loopBehavior runs one iteration at a time under a single loop level
// NodeExecution. Each iteration has its own retry budget.
type loopBehavior struct {
	e *Engine
}

func (b loopBehavior) start(ctx context.Context, rt *instanceRuntime, node *models.TaskNode, attempt uint, retry *models.RetryState) error {
	if fl := rt.flights[node.NodeID]; fl != nil && retry != nil && retry.Iteration != nil {
		return b.launchIteration(ctx, rt, fl, *retry.Iteration, retry.Attempt)
	}

	return b.e.commit(ctx, rt, func(s *step) error {
		exec := s.newExecution(node, attempt, models.NodeExecutionRunning)
		s.exec(exec)

		loop := &models.LoopExecution{
			InstanceID:       s.inst.ID,
			NodeID:           node.NodeID,
			CurrentIteration: -1,
			UpdatedAt:        s.now,
		}
		s.loop(loop)

		delete(s.inst.PendingRetries, node.NodeID)
		s.log(node.NodeID, attempt, models.LogLevelInfo, "loop started")

		s.then(func() {
			rt.loops[node.NodeID] = loop
			rt.flights[node.NodeID] = &flight{exec: exec, node: node}
		})

		return nil
	})
}

// poll dispatches the next iteration or completes the loop.
func (b loopBehavior) poll(ctx context.Context, rt *instanceRuntime, fl *flight) (bool, error) {
	node := fl.node

	if _, waiting := rt.inst.PendingRetries[node.NodeID]; waiting {
		return false, nil
	}

	loop := rt.loops[node.NodeID]
	if loop == nil {
		loop = &models.LoopExecution{InstanceID: rt.id, NodeID: node.NodeID, CurrentIteration: -1}
		rt.loops[node.NodeID] = loop
	}

	next := 0

	if current := loop.Iteration(loop.CurrentIteration); current != nil {
		if current.Status != models.NodeExecutionSuccess {
			return false, nil
		}

		next = current.Index + 1
	}

	more, err := b.more(rt.inst, node, loop, next)
	if err != nil {
		return true, b.e.commit(ctx, rt, func(s *step) error {
			cause := &ConfigurationError{NodeID: node.NodeID, Err: err}
			exec := s.finish(fl.exec, models.NodeExecutionFailed, nil, ErrorKindConfiguration, cause)
			s.fail(node, exec, fl.exec.Attempt, nil, cause)
			s.then(func() { delete(rt.flights, node.NodeID) })

			return nil
		})
	}

	if more {
		return true, b.launchIteration(ctx, rt, fl, next, 1)
	}

	return true, b.e.commit(ctx, rt, func(s *step) error {
		done := cloneLoop(loop)
		done.TotalIterations = len(done.Iterations)
		done.UpdatedAt = s.now
		s.loop(done)

		output := map[string]any{
			"iterations": iterationOutputs(done),
			"count":      done.TotalIterations,
		}

		exec := s.finish(fl.exec, models.NodeExecutionSuccess, output, "", nil)
		s.succeed(node.NodeID, fl.exec.Attempt, output)
		s.finished(node, exec, fl.exec.Attempt, nil, output)

		s.then(func() {
			rt.loops[node.NodeID] = done
			delete(rt.flights, node.NodeID)
		})

		return nil
	})
}

// more reports whether iteration next should run.
func (b loopBehavior) more(inst *models.WorkflowInstance, node *models.TaskNode, loop *models.LoopExecution, next int) (bool, error) {
	spec := node.Loop
	if spec == nil {
		return false, errors.New("loop block is missing")
	}

	if spec.MaxIterations > 0 && next >= int(spec.MaxIterations) {
		return false, nil
	}

	items, bounded, err := loopItems(inst, spec)
	if err != nil {
		return false, err
	}

	if bounded && next >= len(items) {
		return false, nil
	}

	if spec.While == nil {
		return bounded, nil
	}

	var item any
	if bounded {
		item = items[next]
	}

	data := contextData(inst, item, &next)
	data["iterations"] = iterationOutputs(loop)

	ok, err := template.EvaluateCondition(*spec.While, data)
	if err != nil {
		return false, fmt.Errorf("while condition: %w", err)
	}

	return ok, nil
}

func (b loopBehavior) launchIteration(ctx context.Context, rt *instanceRuntime, fl *flight, index int, attempt uint) error {
	node := fl.node

	items, bounded, err := loopItems(rt.inst, node.Loop)
	if err != nil {
		return err
	}

	var item any
	if bounded && index < len(items) {
		item = items[index]
	}

	return b.e.commit(ctx, rt, func(s *step) error {
		loop := cloneLoop(rt.loops[node.NodeID])
		req := b.e.request(s.inst, node, attempt, item, &index)

		it := loop.Iteration(index)
		if it == nil {
			loop.Iterations = append(loop.Iterations, models.Iteration{Index: index})
			it = &loop.Iterations[len(loop.Iterations)-1]
		}

		now := s.now
		it.Status = models.NodeExecutionRunning
		it.Attempt = attempt
		it.StartTime = &now
		it.EndTime = nil
		it.InputData = req.Input
		it.OutputData = nil
		it.ErrorMessage = nil

		loop.CurrentIteration = index
		loop.UpdatedAt = now
		s.loop(loop)

		delete(s.inst.PendingRetries, node.NodeID)
		s.log(node.NodeID, attempt, models.LogLevelInfo, "iteration %d attempt %d dispatched to %s", index, attempt, node.ExecutorRef)

		s.then(func() {
			rt.loops[node.NodeID] = loop
			b.e.launch(rt, fl, req)
		})

		return nil
	})
}

func (b loopBehavior) finish(s *step, fl *flight, c completion) {
	node := fl.node
	index := *c.iteration

	loop := cloneLoop(s.rt.loops[node.NodeID])
	loop.UpdatedAt = s.now

	it := loop.Iteration(index)
	if it == nil {
		loop.Iterations = append(loop.Iterations, models.Iteration{Index: index, Attempt: c.attempt})
		it = &loop.Iterations[len(loop.Iterations)-1]
	}

	now := s.now
	it.EndTime = &now

	if c.err == nil {
		it.Status = models.NodeExecutionSuccess
		it.OutputData = c.output

		s.log(node.NodeID, c.attempt, models.LogLevelInfo, "iteration %d completed", index)
		s.finished(node, fl.exec, c.attempt, c.iteration, c.output)
	} else {
		msg := c.err.Error()
		it.Status = models.NodeExecutionFailed
		it.ErrorMessage = &msg

		b.failIteration(s, fl, index, c.attempt, c.err)
	}

	s.loop(loop)
	s.then(func() { s.rt.loops[node.NodeID] = loop })
}

// failIteration retries the iteration or fails the whole loop.
func (b loopBehavior) failIteration(s *step, fl *flight, index int, attempt uint, cause error) {
	node := fl.node
	err := fmt.Errorf("iteration %d: %w", index, cause)

	d := s.fail(node, fl.exec, attempt, &index, err)
	if d.retry {
		return
	}

	s.finish(fl.exec, models.NodeExecutionFailed, nil, Classify(cause), err)
	s.then(func() { delete(s.rt.flights, node.NodeID) })
}

// recover re-leases the loop and re-dispatches its current iteration.
func (b loopBehavior) recover(ctx context.Context, rt *instanceRuntime, exec *models.NodeExecution) error {
	node, ok := rt.def.idx.Node(exec.NodeID)
	if !ok {
		return fmt.Errorf("node %s is not part of the definition", exec.NodeID)
	}

	return b.e.commit(ctx, rt, func(s *step) error {
		leased := *exec
		leased.LeaseOwner = b.e.cfg.EngineInstanceID
		leased.HeartbeatAt = &s.now
		s.exec(&leased)

		fl := &flight{exec: &leased, node: node}

		s.then(func() {
			delete(rt.orphans, exec.NodeID)
			rt.flights[exec.NodeID] = fl
		})

		loop := rt.loops[node.NodeID]
		if loop == nil {
			return nil
		}

		current := loop.Iteration(loop.CurrentIteration)
		if current == nil || current.Status != models.NodeExecutionRunning {
			return nil
		}

		lost := cloneLoop(loop)
		it := lost.Iteration(loop.CurrentIteration)
		msg := ErrLeaseExpired.Error()
		it.Status = models.NodeExecutionFailed
		it.ErrorMessage = &msg
		it.EndTime = &s.now
		lost.UpdatedAt = s.now
		s.loop(lost)

		index := it.Index

		s.then(func() { rt.loops[node.NodeID] = lost })

		d := s.recovered(node, fl.exec, it.Attempt, &index)
		if !d.retry {
			s.finish(fl.exec, models.NodeExecutionFailed, nil, ErrorKindInfrastructure, fmt.Errorf("iteration %d: %w", index, ErrLeaseExpired))
			s.then(func() { delete(rt.flights, node.NodeID) })
		}

		return nil
	})
}

// loopItems resolves the item source of a loop. bounded is false for pure
// while loops.
func loopItems(inst *models.WorkflowInstance, spec *models.LoopSpec) (items []any, bounded bool, err error) {
	switch {
	case spec == nil:
		return nil, false, errors.New("loop block is missing")
	case len(spec.Items) > 0:
		return spec.Items, true, nil
	case spec.ItemsFrom != "":
		value, ok := lookupPath(contextData(inst, nil, nil), spec.ItemsFrom)
		if !ok {
			return nil, true, fmt.Errorf("items_from %q not found", spec.ItemsFrom)
		}

		list, ok := value.([]any)
		if !ok {
			return nil, true, fmt.Errorf("items_from %q is %T, not a list", spec.ItemsFrom, value)
		}

		return list, true, nil
	default:
		return nil, false, nil
	}
}

// lookupPath walks a dotted path such as "nodes.fetch.items" through maps and
// list indexes.
func lookupPath(data map[string]any, path string) (any, bool) {
	var current any = data

	for part := range strings.SplitSeq(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}

			current = next
		case map[string]map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}

			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}

			current = v[i]
		default:
			return nil, false
		}
	}

	return current, true
}

func cloneLoop(loop *models.LoopExecution) *models.LoopExecution {
	c := *loop
	c.Iterations = slices.Clone(loop.Iterations)

	return &c
}

func iterationOutputs(loop *models.LoopExecution) []any {
	outputs := make([]any, 0, len(loop.Iterations))

	for _, it := range loop.Iterations {
		if it.Status == models.NodeExecutionSuccess {
			outputs = append(outputs, it.OutputData)
		}
	}

	return outputs
}
