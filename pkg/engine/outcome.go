package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/google/uuid"
)

// transition fires t on the step instance and records it in the log of the
// same commit.
func (s *step) transition(ctx context.Context, t trigger, level models.LogLevel, format string, args ...any) error {
	if err := fire(ctx, s.inst, t); err != nil {
		return err
	}

	now := s.now
	base := s.base

	switch t {
	case triggerStart:
		s.inst.StartedAt = &now
		s.publish(&events.InstanceStarted{
			BaseEvent:         base(events.InstanceStartedEvent),
			DefinitionName:    s.inst.DefinitionName,
			DefinitionVersion: s.inst.DefinitionVersion,
			BusinessKey:       deref(s.inst.BusinessKey),
		})
	case triggerPause:
		s.publish(&events.InstancePaused{BaseEvent: base(events.InstancePausedEvent)})
	case triggerResume:
		s.publish(&events.InstanceResumed{BaseEvent: base(events.InstanceResumedEvent)})
	case triggerComplete:
		s.inst.CompletedAt = &now
		s.publish(&events.InstanceCompleted{
			BaseEvent: base(events.InstanceCompletedEvent),
			Outputs:   s.inst.Outputs,
			Duration:  s.duration(),
		})
	case triggerFail:
		s.inst.CompletedAt = &now
		s.publish(&events.InstanceFailed{
			BaseEvent:   base(events.InstanceFailedEvent),
			ErrorKind:   s.inst.ErrorKind,
			Error:       s.inst.ErrorMessage,
			FailedNodes: s.inst.FailedNodes,
			Duration:    s.duration(),
		})
	case triggerCancel:
		s.inst.CompletedAt = &now
		s.publish(&events.InstanceCancelled{
			BaseEvent: base(events.InstanceCancelledEvent),
			Reason:    fmt.Sprintf(format, args...),
		})
	}

	s.log("", 0, level, format, args...)

	status := string(s.inst.Status)
	s.then(func() { s.e.metrics.instances.WithLabelValues(status).Inc() })

	return nil
}

func (s *step) base(t events.EventType) events.BaseEvent {
	base := events.NewBaseEvent(t, s.inst.ID)
	base.EngineID = s.e.cfg.EngineInstanceID

	return base
}

func (s *step) duration() time.Duration {
	if s.inst.StartedAt == nil {
		return 0
	}

	return s.now.Sub(*s.inst.StartedAt)
}

func (s *step) newExecution(node *models.TaskNode, attempt uint, status models.NodeExecutionStatus) *models.NodeExecution {
	now := s.now

	return &models.NodeExecution{
		ID:          uuid.Must(uuid.NewV7()).String(),
		InstanceID:  s.inst.ID,
		NodeID:      node.NodeID,
		Attempt:     attempt,
		Status:      status,
		StartTime:   &now,
		InputData:   node.InputData,
		LeaseOwner:  s.e.cfg.EngineInstanceID,
		HeartbeatAt: &now,
	}
}

// finish returns a terminal copy of exec.
func (s *step) finish(exec *models.NodeExecution, status models.NodeExecutionStatus, output map[string]any, kind ErrorKind, err error) *models.NodeExecution {
	next := *exec
	now := s.now

	next.Status = status
	next.EndTime = &now
	next.OutputData = output
	next.ErrorKind = string(kind)

	if err != nil {
		msg := err.Error()
		next.ErrorMessage = &msg
	}

	s.exec(&next)

	s.then(func() { s.e.metrics.executions.WithLabelValues(string(status)).Inc() })

	return &next
}

// succeed marks a node completed and records its output.
func (s *step) succeed(nodeID string, attempt uint, output map[string]any) {
	if !slices.Contains(s.inst.CompletedNodes, nodeID) {
		s.inst.CompletedNodes = append(s.inst.CompletedNodes, nodeID)
		s.inst.ExecutionPath = append(s.inst.ExecutionPath, nodeID)
	}

	if s.inst.Outputs == nil {
		s.inst.Outputs = make(map[string]map[string]any)
	}

	s.inst.Outputs[nodeID] = output
	s.inst.CurrentNodeID = &nodeID
	delete(s.inst.PendingRetries, nodeID)

	s.log(nodeID, attempt, models.LogLevelInfo, "node completed")
}

// settleFailure applies the error policy of a node whose retries are spent.
func (s *step) settleFailure(node *models.TaskNode, attempt uint, kind ErrorKind, msg string) {
	nodeID := node.NodeID

	delete(s.inst.PendingRetries, nodeID)

	if s.inst.NodeErrors == nil {
		s.inst.NodeErrors = make(map[string]string)
	}

	s.inst.NodeErrors[nodeID] = msg
	s.inst.CurrentNodeID = &nodeID

	policy := s.rt.def.def.EffectiveErrorPolicy(node)
	if policy != models.ErrorPolicyFailFast {
		s.skipFailed(nodeID)

		if node.NodeType == models.NodeTypeParallel {
			for _, id := range s.rt.def.idx.Descendants(nodeID) {
				if slices.Contains(s.inst.FailedNodes, id) {
					s.skipFailed(id)
				}
			}
		}

		s.log(nodeID, attempt, models.LogLevelWarn, "node failed after %d attempt(s), skipped by %s policy: %s", attempt, policy, msg)

		return
	}

	if !slices.Contains(s.inst.FailedNodes, nodeID) {
		s.inst.FailedNodes = append(s.inst.FailedNodes, nodeID)
	}

	if node.ParentID == "" && s.inst.ErrorKind == "" {
		s.inst.ErrorKind = string(kind)
		s.inst.ErrorMessage = fmt.Sprintf("node %s failed: %s", nodeID, msg)
	}

	s.log(nodeID, attempt, models.LogLevelError, "node failed after %d attempt(s): %s", attempt, msg)
}

// skipFailed moves a node to the skipped set. Its node error is kept.
func (s *step) skipFailed(nodeID string) {
	s.inst.FailedNodes = slices.DeleteFunc(s.inst.FailedNodes, func(id string) bool { return id == nodeID })

	if !slices.Contains(s.inst.SkippedNodes, nodeID) {
		s.inst.SkippedNodes = append(s.inst.SkippedNodes, nodeID)
	}
}

// fail records a failed attempt and either schedules the next one or settles
// the node.
func (s *step) fail(node *models.TaskNode, exec *models.NodeExecution, attempt uint, iteration *int, cause error) decision {
	kind := Classify(cause)
	d := s.e.supervisor.decide(s.rt.def.def, node, attempt, kind, s.now)

	if d.retry {
		if s.inst.PendingRetries == nil {
			s.inst.PendingRetries = make(map[string]models.RetryState)
		}

		s.inst.PendingRetries[node.NodeID] = models.RetryState{Attempt: attempt + 1, Iteration: iteration, NotBefore: d.notBefore}
		s.log(node.NodeID, attempt, models.LogLevelWarn, "attempt %d failed (%s): %v, retrying after %s", attempt, kind, cause, d.notBefore.Format(time.RFC3339Nano))
		s.then(s.e.metrics.retries.Inc)
	} else {
		s.settleFailure(node, attempt, kind, cause.Error())
	}

	s.publish(&events.NodeExecutionFailed{
		BaseEvent:   s.base(events.NodeExecutionFailedEvent),
		ExecutionID: exec.ID,
		NodeID:      node.NodeID,
		Attempt:     attempt,
		Iteration:   iteration,
		ErrorKind:   string(kind),
		Error:       cause.Error(),
		WillRetry:   d.retry,
		DurationMs:  s.elapsed(exec).Milliseconds(),
	})

	return d
}

func (s *step) finished(node *models.TaskNode, exec *models.NodeExecution, attempt uint, iteration *int, output map[string]any) {
	s.publish(&events.NodeExecutionFinished{
		BaseEvent:   s.base(events.NodeExecutionFinishedEvent),
		ExecutionID: exec.ID,
		NodeID:      node.NodeID,
		Attempt:     attempt,
		Iteration:   iteration,
		OutputData:  output,
		DurationMs:  s.elapsed(exec).Milliseconds(),
	})
}

func (s *step) elapsed(exec *models.NodeExecution) time.Duration {
	if exec.StartTime == nil {
		return 0
	}

	return s.now.Sub(*exec.StartTime)
}

// cancelFlights cancels the work of nodes. Executor calls are signalled and
// their executions are marked cancelled when the call returns; waits without
// a call are cancelled now. Child instances are cancelled after the commit.
func (s *step) cancelFlights(ctx context.Context, ids []string, reason string) {
	for _, id := range ids {
		delete(s.inst.PendingRetries, id)

		fl := s.rt.flights[id]
		if fl == nil || fl.cancelled {
			continue
		}

		if fl.call != nil {
			s.log(id, fl.call.attempt, models.LogLevelWarn, "cancelling attempt %d: %s", fl.call.attempt, reason)
			s.then(func() {
				fl.cancelled = true
				fl.call.cancel()
			})

			continue
		}

		s.finish(fl.exec, models.NodeExecutionCancelled, nil, "", fmt.Errorf("cancelled: %s", reason))
		s.log(id, fl.exec.Attempt, models.LogLevelWarn, "node cancelled: %s", reason)

		child := fl.exec.ChildInstanceID

		s.then(func() {
			delete(s.rt.flights, id)

			if child != nil {
				go s.e.cancelChild(context.WithoutCancel(ctx), *child, s.inst.ID)
			}
		})
	}
}

func (e *Engine) cancelChild(ctx context.Context, childID, parentID string) {
	err := e.Cancel(ctx, childID, "parent instance "+parentID+" cancelled")
	if err != nil && !IsInvalidTransition(err) {
		e.logger.WarnContext(ctx, "Failed to cancel child instance", "instance_id", parentID, "child_id", childID, "error", err)
	}
}

// skip settles a node whose condition is false.
func (e *Engine) skip(ctx context.Context, rt *instanceRuntime, node *models.TaskNode) error {
	return e.commit(ctx, rt, func(s *step) error {
		exec := s.newExecution(node, 1, models.NodeExecutionRunning)
		s.finish(exec, models.NodeExecutionSkipped, nil, "", nil)

		s.inst.SkippedNodes = append(s.inst.SkippedNodes, node.NodeID)
		s.log(node.NodeID, 1, models.LogLevelInfo, "node skipped: condition is false")

		return nil
	})
}

// failAttempt records an attempt that failed before anything was dispatched.
func (e *Engine) failAttempt(ctx context.Context, rt *instanceRuntime, node *models.TaskNode, attempt uint, cause error) error {
	return e.commit(ctx, rt, func(s *step) error {
		exec := s.newExecution(node, attempt, models.NodeExecutionRunning)
		delete(s.inst.PendingRetries, node.NodeID)

		exec = s.finish(exec, models.NodeExecutionFailed, nil, Classify(cause), cause)
		s.fail(node, exec, attempt, nil, cause)

		return nil
	})
}

func (e *Engine) completeInstance(ctx context.Context, rt *instanceRuntime) error {
	return e.commit(ctx, rt, func(s *step) error {
		if err := s.transition(ctx, triggerComplete, models.LogLevelInfo, "instance completed"); err != nil {
			return err
		}

		s.then(func() { e.finalize(ctx, rt) })

		return nil
	})
}

func (e *Engine) failInstance(ctx context.Context, rt *instanceRuntime, failed []string) error {
	return e.commit(ctx, rt, func(s *step) error {
		if s.inst.ErrorKind == "" {
			s.inst.ErrorKind = string(ErrorKindBusiness)
			s.inst.ErrorMessage = "nodes failed: " + strings.Join(failed, ", ")
		}

		if err := s.transition(ctx, triggerFail, models.LogLevelError, "instance failed: %s", s.inst.ErrorMessage); err != nil {
			return err
		}

		s.cancelFlights(ctx, s.pendingWork(), "instance failed")
		s.then(func() { e.finalize(ctx, rt) })

		return nil
	})
}

// failInfrastructure surfaces an engine side failure on the instance. It is
// best effort: when the store itself is down the instance is left for
// recovery.
func (e *Engine) failInfrastructure(ctx context.Context, rt *instanceRuntime, cause error) {
	e.logger.ErrorContext(ctx, "Infrastructure failure while driving instance", "instance_id", rt.id, "error", cause)

	if !permits(ctx, rt.inst, triggerFail) {
		return
	}

	err := e.commit(ctx, rt, func(s *step) error {
		s.inst.ErrorKind = string(ErrorKindInfrastructure)
		s.inst.ErrorMessage = cause.Error()

		if err := s.transition(ctx, triggerFail, models.LogLevelError, "instance failed: engine error: %v", cause); err != nil {
			return err
		}

		s.cancelFlights(ctx, s.pendingWork(), "instance failed")
		s.then(func() { e.finalize(ctx, rt) })

		return nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to record infrastructure failure", "instance_id", rt.id, "error", err)
	}
}

// pendingWork lists nodes with a flight or a pending retry.
func (s *step) pendingWork() []string {
	ids := s.rt.flightIDs()

	for id := range s.inst.PendingRetries {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
