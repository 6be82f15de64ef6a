package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/template"
)

// subprocessBehavior runs a node as a child instance. The NodeExecution stays
// running without an executor call until the child is terminal.
type subprocessBehavior struct {
	e *Engine
}

func (b subprocessBehavior) start(ctx context.Context, rt *instanceRuntime, node *models.TaskNode, attempt uint, _ *models.RetryState) error {
	spec := node.Subprocess

	def, err := resolveDefinition(ctx, b.e.store.DefinitionRepository(), spec.DefinitionName, spec.DefinitionVersion)

	switch {
	case persistence.IsDefinitionNotFound(err), errors.Is(err, ErrDefinitionNotExecutable):
		return b.e.failAttempt(ctx, rt, node, attempt, &ConfigurationError{NodeID: node.NodeID, Err: err})
	case err != nil:
		return err
	}

	input, err := renderInput(node.InputData, contextData(rt.inst, nil, nil))
	if err != nil {
		return b.e.failAttempt(ctx, rt, node, attempt, &ConfigurationError{NodeID: node.NodeID, Err: err})
	}

	var reused *models.WorkflowInstance

	if spec.Reuse {
		reused, err = b.reusable(ctx, rt.id, node.NodeID)
		if err != nil {
			return err
		}
	}

	return b.e.commit(ctx, rt, func(s *step) error {
		exec := s.newExecution(node, attempt, models.NodeExecutionRunning)
		exec.InputData = input
		delete(s.inst.PendingRetries, node.NodeID)

		if reused != nil {
			exec.ChildInstanceID = &reused.ID

			if reused.Status == models.InstanceStatusCompleted {
				output := childOutput(reused)
				done := s.finish(exec, models.NodeExecutionSuccess, output, "", nil)

				s.log(node.NodeID, attempt, models.LogLevelInfo, "reused completed child instance %s", reused.ID)
				s.succeed(node.NodeID, attempt, output)
				s.finished(node, done, attempt, nil, output)

				return nil
			}

			s.exec(exec)
			s.log(node.NodeID, attempt, models.LogLevelInfo, "linked to child instance %s", reused.ID)
			s.then(func() {
				rt.flights[node.NodeID] = &flight{exec: exec, node: node}
				b.e.enqueue(reused.ID)
			})

			return nil
		}

		parentID, nodeID := s.inst.ID, node.NodeID

		child := newInstance(def, s.now)
		child.Input = input
		child.Priority = s.inst.Priority
		child.StartRequested = true
		child.ParentInstanceID = &parentID
		child.ParentNodeID = &nodeID
		child.ParentAttempt = attempt

		exec.ChildInstanceID = &child.ID
		s.exec(exec)
		s.cs.Instances = append(s.cs.Instances, child)
		s.cs.Logs = append(s.cs.Logs, b.e.journal.entry(child.ID, "", 0, models.LogLevelInfo, "instance created by %s/%s attempt %d", s.inst.ID, node.NodeID, attempt))
		s.log(node.NodeID, attempt, models.LogLevelInfo, "child instance %s of %s@%d created", child.ID, def.Name, def.Version)

		s.then(func() {
			rt.flights[node.NodeID] = &flight{exec: exec, node: node}
			b.e.enqueue(child.ID)
		})

		return nil
	})
}

// reusable returns the newest child of the node that did not fail.
func (b subprocessBehavior) reusable(ctx context.Context, parentID, nodeID string) (*models.WorkflowInstance, error) {
	children, err := b.e.store.InstanceRepository().Children(ctx, parentID, nodeID)
	if err != nil {
		return nil, err
	}

	for _, child := range slices.Backward(children) {
		if child.Status != models.InstanceStatusFailed && child.Status != models.InstanceStatusCancelled {
			return child, nil
		}
	}

	return nil, nil
}

// poll settles the node once the child instance is terminal.
func (b subprocessBehavior) poll(ctx context.Context, rt *instanceRuntime, fl *flight) (bool, error) {
	if fl.exec.ChildInstanceID == nil {
		return false, nil
	}

	childID := *fl.exec.ChildInstanceID

	child, err := b.e.store.InstanceRepository().Get(ctx, childID)
	if err != nil {
		return false, err
	}

	node := fl.node
	attempt := fl.exec.Attempt

	switch child.Status {
	case models.InstanceStatusCompleted:
		return true, b.e.commit(ctx, rt, func(s *step) error {
			output := childOutput(child)
			exec := s.finish(fl.exec, models.NodeExecutionSuccess, output, "", nil)

			s.succeed(node.NodeID, attempt, output)
			s.finished(node, exec, attempt, nil, output)
			s.then(func() { delete(rt.flights, node.NodeID) })

			return nil
		})
	case models.InstanceStatusFailed, models.InstanceStatusCancelled:
		return true, b.e.commit(ctx, rt, func(s *step) error {
			cause := fmt.Errorf("child instance %s %s", childID, child.Status)
			if child.ErrorMessage != "" {
				cause = fmt.Errorf("%w: %s", cause, child.ErrorMessage)
			}

			exec := s.finish(fl.exec, models.NodeExecutionFailed, nil, ErrorKindBusiness, cause)
			s.fail(node, exec, attempt, nil, cause)
			s.then(func() { delete(rt.flights, node.NodeID) })

			return nil
		})
	case models.InstanceStatusPending, models.InstanceStatusRunning, models.InstanceStatusPaused:
	}

	return false, nil
}

// finish is never reached: a subprocess node makes no executor call.
func (b subprocessBehavior) finish(*step, *flight, completion) {}

// recover fails the lost attempt. The retry creates or reuses a child
// according to the reuse flag of the node.
func (b subprocessBehavior) recover(ctx context.Context, rt *instanceRuntime, exec *models.NodeExecution) error {
	return taskBehavior(b).recover(ctx, rt, exec)
}

func childOutput(child *models.WorkflowInstance) map[string]any {
	outputs := make(map[string]any, len(child.Outputs))
	for id, out := range child.Outputs {
		outputs[id] = out
	}

	return map[string]any{
		"instance_id": child.ID,
		"outputs":     outputs,
	}
}

// renderInput renders the string values of a node input against the parent
// context.
func renderInput(input map[string]any, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input))

	for key, value := range input {
		text, ok := value.(string)
		if !ok {
			out[key] = value

			continue
		}

		rendered, err := template.RenderWithContext(text, data)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", key, err)
		}

		out[key] = rendered
	}

	return out, nil
}
