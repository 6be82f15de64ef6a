package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// RecoveryReport summarises one recovery sweep.
type RecoveryReport struct {
	InstancesAdopted     int `json:"instances_adopted"`
	AttemptsRedispatched int `json:"attempts_redispatched"`
	NodesFailed          int `json:"nodes_failed"`
	ExecutionsCancelled  int `json:"executions_cancelled"`
}

// RecoverNow adopts work whose engine lease went stale. Lost attempts are
// failed and redispatched as new attempts; instances without a live owner are
// re-ticked by this engine.
func (e *Engine) RecoverNow(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	running, err := e.store.NodeExecutionRepository().ListByStatus(ctx, models.NodeExecutionRunning)
	if err != nil {
		return report, fmt.Errorf("failed to list running executions: %w", err)
	}

	lost := make(map[string][]*models.NodeExecution)

	for _, exec := range running {
		if e.leaseStale(exec.HeartbeatAt) {
			lost[exec.InstanceID] = append(lost[exec.InstanceID], exec)
		}
	}

	var errs []error

	for _, instanceID := range slices.Sorted(maps.Keys(lost)) {
		if err := e.recoverInstance(ctx, instanceID, lost[instanceID], &report); err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", instanceID, err))
		}
	}

	active, err := e.store.InstanceRepository().List(ctx, persistence.ListInstancesOptions{
		Statuses: []models.InstanceStatus{models.InstanceStatusPending, models.InstanceStatusRunning, models.InstanceStatusPaused},
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list active instances: %w", err))
	} else {
		for _, inst := range active.Instances {
			if !e.adoptable(inst) {
				continue
			}

			e.logger.WarnContext(ctx, "Adopting instance", "instance_id", inst.ID, "previous_owner", inst.OwnerID, "status", inst.Status)
			e.metrics.recoveries.WithLabelValues("adopted").Inc()

			report.InstancesAdopted++
			e.enqueue(inst.ID)
		}
	}

	if report != (RecoveryReport{}) {
		e.logger.InfoContext(ctx, "Recovery sweep finished",
			"instances_adopted", report.InstancesAdopted,
			"attempts_redispatched", report.AttemptsRedispatched,
			"nodes_failed", report.NodesFailed,
			"executions_cancelled", report.ExecutionsCancelled,
		)
	}

	return report, errors.Join(errs...)
}

// adoptable reports whether an active instance has no live driver.
func (e *Engine) adoptable(inst *models.WorkflowInstance) bool {
	if e.lookup(inst.ID) != nil {
		return false
	}

	if inst.Status == models.InstanceStatusPending && !inst.StartRequested {
		return false
	}

	return inst.OwnerID == "" || inst.OwnerID == e.cfg.EngineInstanceID || e.leaseStale(inst.HeartbeatAt)
}

func (e *Engine) recoverInstance(ctx context.Context, instanceID string, lost []*models.NodeExecution, report *RecoveryReport) error {
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

	recovered := 0

	for _, exec := range lost {
		if !e.lostHere(rt, exec) {
			continue
		}

		if err := e.recoverExecution(ctx, rt, exec, report); err != nil {
			return fmt.Errorf("execution %s: %w", exec.ID, err)
		}

		recovered++
	}

	if recovered > 0 {
		report.InstancesAdopted++
		e.enqueue(instanceID)
	}

	return nil
}

// lostHere reports whether exec is still unowned in rt: an orphan, or a
// parallel node restored from another engine's lease.
func (e *Engine) lostHere(rt *instanceRuntime, exec *models.NodeExecution) bool {
	if orphan, ok := rt.orphans[exec.NodeID]; ok {
		return orphan.ID == exec.ID
	}

	fl, ok := rt.flights[exec.NodeID]

	return ok && fl.call == nil && fl.exec.ID == exec.ID && e.leaseStale(fl.exec.HeartbeatAt)
}

func (e *Engine) recoverExecution(ctx context.Context, rt *instanceRuntime, exec *models.NodeExecution, report *RecoveryReport) error {
	if rt.inst.Status.IsTerminal() || rt.def == nil {
		err := e.commit(ctx, rt, func(s *step) error {
			s.finish(exec, models.NodeExecutionCancelled, nil, "", fmt.Errorf("instance is %s", s.inst.Status))
			s.log(exec.NodeID, exec.Attempt, models.LogLevelWarn, "lost attempt %d cancelled, instance is %s", exec.Attempt, s.inst.Status)
			s.then(func() {
				delete(rt.orphans, exec.NodeID)
				delete(rt.flights, exec.NodeID)
			})

			return nil
		})
		if err == nil {
			report.ExecutionsCancelled++
			e.metrics.recoveries.WithLabelValues("cancelled").Inc()
		}

		return err
	}

	node, ok := rt.def.idx.Node(exec.NodeID)
	if !ok {
		return fmt.Errorf("node %s is not part of the definition", exec.NodeID)
	}

	e.logger.WarnContext(ctx, "Recovering lost execution", "instance_id", rt.id, "node_id", exec.NodeID, "attempt", exec.Attempt, "lease_owner", exec.LeaseOwner)

	if err := behaviorFor(e, node.NodeType).recover(ctx, rt, exec); err != nil {
		return err
	}

	switch {
	case node.NodeType == models.NodeTypeParallel:
		e.metrics.recoveries.WithLabelValues("released").Inc()
	case rt.inst.IsSettled(node.NodeID) && !rt.inst.IsCompleted(node.NodeID):
		report.NodesFailed++
		e.metrics.recoveries.WithLabelValues("failed").Inc()
	default:
		report.AttemptsRedispatched++
		e.metrics.recoveries.WithLabelValues("redispatched").Inc()
	}

	return nil
}
