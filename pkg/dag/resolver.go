package dag

import (
	"cmp"
	"slices"

	"github.com/dukex/taskflow/pkg/models"
)

// ConditionFunc evaluates the guard of a node. It is only called for nodes
// that declare a condition.
type ConditionFunc func(node *models.TaskNode) (bool, error)

// BusyFunc reports whether a node currently has work in flight or a retry
// waiting, which keeps it out of the ready set.
type BusyFunc func(nodeID string) bool

// Resolution is the outcome of one resolver pass over a scope.
type Resolution struct {
	// Ready nodes, highest priority first and then by node id.
	Ready []*models.TaskNode
	// Skipped nodes have satisfied dependencies but a false condition.
	Skipped []*models.TaskNode
	// Invalid nodes have a condition that could not be evaluated.
	Invalid map[string]error
}

// Empty reports whether the pass found nothing to do.
func (r Resolution) Empty() bool {
	return len(r.Ready) == 0 && len(r.Skipped) == 0 && len(r.Invalid) == 0
}

// Resolver computes the ready set of a scope from instance progress.
type Resolver struct {
	Condition ConditionFunc
}

// Ready returns the nodes of scope whose dependencies are all satisfied and
// that have not been settled or started yet. The top level scope is "".
func (r Resolver) Ready(idx *models.DefinitionIndex, inst *models.WorkflowInstance, scope string, busy BusyFunc) Resolution {
	var res Resolution

	for _, id := range idx.Children(scope) {
		if inst.IsSettled(id) || (busy != nil && busy(id)) {
			continue
		}

		node, _ := idx.Node(id)
		if !dependenciesSatisfied(idx, inst, id) {
			continue
		}

		if node.Condition != nil && r.Condition != nil {
			ok, err := r.Condition(node)
			if err != nil {
				if res.Invalid == nil {
					res.Invalid = make(map[string]error)
				}

				res.Invalid[id] = err

				continue
			}

			if !ok {
				res.Skipped = append(res.Skipped, node)

				continue
			}
		}

		res.Ready = append(res.Ready, node)
	}

	slices.SortStableFunc(res.Ready, func(a, b *models.TaskNode) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}

		return cmp.Compare(a.NodeID, b.NodeID)
	})

	return res
}

// ScopeStatus summarises the nodes of one scope.
type ScopeStatus struct {
	// Done is true when no node of the scope can make further progress.
	Done bool
	// Failed lists the nodes of the scope in FailedNodes.
	Failed []string
	// Blocked lists nodes that can never run because a dependency failed.
	Blocked []string
}

// ScopeDone reports whether every node of scope is settled or blocked behind a
// failed dependency. busy nodes keep the scope open.
func (r Resolver) ScopeDone(idx *models.DefinitionIndex, inst *models.WorkflowInstance, scope string, busy BusyFunc) ScopeStatus {
	status := ScopeStatus{Done: true}
	blocked := make(map[string]bool)

	for _, id := range idx.Children(scope) {
		switch {
		case inst.IsFailed(id):
			status.Failed = append(status.Failed, id)
		case inst.IsSatisfied(id):
		case busy != nil && busy(id):
			status.Done = false
		case isBlocked(idx, inst, id, blocked, map[string]bool{}):
			status.Blocked = append(status.Blocked, id)
		default:
			status.Done = false
		}
	}

	return status
}

func dependenciesSatisfied(idx *models.DefinitionIndex, inst *models.WorkflowInstance, id string) bool {
	for _, dep := range idx.DependsOn(id) {
		if !inst.IsSatisfied(dep) {
			return false
		}
	}

	return true
}

// isBlocked reports whether some transitive dependency of id failed.
func isBlocked(idx *models.DefinitionIndex, inst *models.WorkflowInstance, id string, memo, visiting map[string]bool) bool {
	if blocked, ok := memo[id]; ok {
		return blocked
	}

	if visiting[id] {
		return false
	}

	visiting[id] = true

	blocked := false

	for _, dep := range idx.DependsOn(id) {
		if inst.IsFailed(dep) || (!inst.IsSatisfied(dep) && isBlocked(idx, inst, dep, memo, visiting)) {
			blocked = true

			break
		}
	}

	memo[id] = blocked

	return blocked
}
