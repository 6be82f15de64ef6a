// Package dag validates workflow definitions and computes which nodes of an
// instance are ready to run.
package dag

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/taskflow/pkg/models"
)

// ErrInvalidDefinition is wrapped by every ValidationError.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	Definition string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("definition %q is invalid: %s", e.Definition, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDefinition
}

func (e *ValidationError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the structural rules a definition must satisfy before it can
// be published. It returns nil or a *ValidationError.
func Validate(def *models.WorkflowDefinition) error {
	verr := &ValidationError{Definition: def.Name}

	if len(def.Nodes) == 0 {
		verr.addf("definition has no nodes")

		return verr
	}

	seen := make(map[string]bool, len(def.Nodes))

	for i, node := range def.Nodes {
		if node == nil {
			verr.addf("node at position %d is empty", i)

			continue
		}

		if node.NodeID == "" {
			verr.addf("node at position %d has no node_id", i)

			continue
		}

		if seen[node.NodeID] {
			verr.addf("duplicate node_id %q", node.NodeID)
		}

		seen[node.NodeID] = true
	}

	idx := models.NewDefinitionIndex(def)

	for _, id := range idx.IDs() {
		node, _ := idx.Node(id)
		validateNode(verr, idx, node)
	}

	for _, edge := range def.Edges {
		if !seen[edge.From] || !seen[edge.To] {
			verr.addf("edge %s -> %s references an unknown node", edge.From, edge.To)
		}
	}

	if cycle := findCycle(idx); len(cycle) > 0 {
		verr.addf("dependency cycle between nodes %s", strings.Join(cycle, ", "))
	}

	if len(verr.Problems) > 0 {
		return verr
	}

	return nil
}

func validateNode(verr *ValidationError, idx *models.DefinitionIndex, node *models.TaskNode) {
	id := node.NodeID

	if !node.NodeType.IsValid() {
		verr.addf("node %q has unknown node_type %q", id, node.NodeType)
	}

	switch node.NodeType {
	case models.NodeTypeSimple, models.NodeTypeTask, models.NodeTypeLoop:
		if node.ExecutorRef == "" {
			verr.addf("node %q requires an executor_ref", id)
		}
	case models.NodeTypeParallel:
		if node.MaxRetries != 0 {
			verr.addf("parallel node %q cannot declare max_retries, retry its branches instead", id)
		}

		if len(idx.Children(id)) == 0 {
			verr.addf("parallel node %q has no branches", id)
		}
	case models.NodeTypeSubprocess:
		if node.Subprocess == nil || node.Subprocess.DefinitionName == "" {
			verr.addf("subprocess node %q requires subprocess.definition_name", id)
		}
	}

	if node.NodeType == models.NodeTypeLoop {
		if node.Loop == nil {
			verr.addf("loop node %q requires a loop block", id)
		} else if len(node.Loop.Items) == 0 && node.Loop.ItemsFrom == "" && node.Loop.While == nil {
			verr.addf("loop node %q needs items, items_from or while", id)
		} else if node.Loop.While != nil && node.Loop.MaxIterations == 0 && len(node.Loop.Items) == 0 && node.Loop.ItemsFrom == "" {
			verr.addf("while loop %q requires max_iterations", id)
		}
	}

	if node.ParentID != "" {
		parent, ok := idx.Node(node.ParentID)

		switch {
		case !ok:
			verr.addf("node %q has unknown parent_id %q", id, node.ParentID)
		case parent.NodeType != models.NodeTypeParallel:
			verr.addf("node %q has parent %q which is not a parallel node", id, node.ParentID)
		case node.ParentID == id:
			verr.addf("node %q is its own parent", id)
		}
	}

	for _, dep := range idx.DependsOn(id) {
		target, ok := idx.Node(dep)
		if !ok {
			verr.addf("node %q depends on unknown node %q", id, dep)

			continue
		}

		if dep == id {
			verr.addf("node %q depends on itself", id)

			continue
		}

		if target.ParentID != node.ParentID {
			verr.addf("node %q depends on %q from another scope", id, dep)
		}
	}
}

// findCycle runs Kahn's algorithm over the dependency graph and returns the
// sorted ids of the nodes that could not be ordered.
func findCycle(idx *models.DefinitionIndex) []string {
	indegree := make(map[string]int, idx.Len())
	dependents := make(map[string][]string, idx.Len())

	for _, id := range idx.IDs() {
		indegree[id] += 0

		for _, dep := range idx.DependsOn(id) {
			if _, ok := idx.Node(dep); !ok || dep == id {
				continue
			}

			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(indegree))

	for id, degree := range indegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(indegree) {
		return nil
	}

	var remaining []string

	for id, degree := range indegree {
		if degree > 0 {
			remaining = append(remaining, id)
		}
	}

	slices.Sort(remaining)

	return remaining
}
