package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/taskflow/pkg/dag"
	"github.com/dukex/taskflow/pkg/models"
)

// parallelBehavior holds a running NodeExecution while the children of the
// node run as their own sub-DAG.
type parallelBehavior struct {
	e *Engine
}

func (b parallelBehavior) start(ctx context.Context, rt *instanceRuntime, node *models.TaskNode, attempt uint, _ *models.RetryState) error {
	return b.e.commit(ctx, rt, func(s *step) error {
		exec := s.newExecution(node, attempt, models.NodeExecutionRunning)
		s.exec(exec)

		delete(s.inst.PendingRetries, node.NodeID)
		s.log(node.NodeID, attempt, models.LogLevelInfo, "parallel node started with %d branches", len(rt.def.idx.Children(node.NodeID)))

		s.then(func() {
			rt.flights[node.NodeID] = &flight{exec: exec, node: node}
		})

		return nil
	})
}

func (b parallelBehavior) poll(ctx context.Context, rt *instanceRuntime, fl *flight) (bool, error) {
	node := fl.node
	resolver := dag.Resolver{Condition: b.e.conditionFunc(rt.inst)}
	status := resolver.ScopeDone(rt.def.idx, rt.inst, node.NodeID, rt.busy)
	policy := rt.def.def.EffectiveParallelPolicy(node)

	switch {
	case len(status.Failed) > 0 && policy == models.ParallelFailFast:
		return true, b.e.commit(ctx, rt, func(s *step) error {
			branch := status.Failed[0]
			cause := fmt.Errorf("branch %s failed: %s", branch, s.inst.NodeErrors[branch])

			s.cancelFlights(ctx, rt.def.idx.Descendants(node.NodeID), "branch "+branch+" failed")
			b.settle(s, fl, cause)

			return nil
		})
	case !status.Done:
		return false, nil
	case len(status.Failed) > 0:
		return true, b.e.commit(ctx, rt, func(s *step) error {
			b.settle(s, fl, fmt.Errorf("branches failed: %s", strings.Join(status.Failed, ", ")))

			return nil
		})
	}

	return true, b.e.commit(ctx, rt, func(s *step) error {
		output := make(map[string]any)

		for _, child := range rt.def.idx.Children(node.NodeID) {
			if out, ok := s.inst.Outputs[child]; ok {
				output[child] = out
			}
		}

		exec := s.finish(fl.exec, models.NodeExecutionSuccess, output, "", nil)
		s.succeed(node.NodeID, fl.exec.Attempt, output)
		s.finished(node, exec, fl.exec.Attempt, nil, output)
		s.then(func() { delete(rt.flights, node.NodeID) })

		return nil
	})
}

func (b parallelBehavior) settle(s *step, fl *flight, cause error) {
	exec := s.finish(fl.exec, models.NodeExecutionFailed, nil, ErrorKindBusiness, cause)
	s.fail(fl.node, exec, fl.exec.Attempt, nil, cause)
	s.then(func() { delete(s.rt.flights, fl.node.NodeID) })
}

// finish is never reached: a parallel node makes no executor call.
func (b parallelBehavior) finish(*step, *flight, completion) {}

// recover re-leases the node. Its branches are recovered on their own.
func (b parallelBehavior) recover(ctx context.Context, rt *instanceRuntime, exec *models.NodeExecution) error {
	node, ok := rt.def.idx.Node(exec.NodeID)
	if !ok {
		return fmt.Errorf("node %s is not part of the definition", exec.NodeID)
	}

	return b.e.commit(ctx, rt, func(s *step) error {
		leased := *exec
		leased.LeaseOwner = b.e.cfg.EngineInstanceID
		leased.HeartbeatAt = &s.now
		s.exec(&leased)

		s.log(node.NodeID, exec.Attempt, models.LogLevelWarn, "parallel node re-leased from engine %s", exec.LeaseOwner)
		s.then(func() {
			delete(rt.orphans, exec.NodeID)
			rt.flights[exec.NodeID] = &flight{exec: &leased, node: node}
		})

		return nil
	})
}
