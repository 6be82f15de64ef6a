package models

import "slices"

// DefinitionIndex is an arena over a definition's nodes. Nodes are addressed by
// id, parent/child relations are id lists, and edges are merged into the
// dependency lists so callers never need to look at Edges again.
type DefinitionIndex struct {
	nodes    map[string]*TaskNode
	deps     map[string][]string
	children map[string][]string
	order    []string
}

// NewDefinitionIndex builds the arena for def. Unknown ids referenced by edges
// or parents are kept as-is; validation reports them.
func NewDefinitionIndex(def *WorkflowDefinition) *DefinitionIndex {
	idx := &DefinitionIndex{
		nodes:    make(map[string]*TaskNode, len(def.Nodes)),
		deps:     make(map[string][]string, len(def.Nodes)),
		children: make(map[string][]string),
		order:    make([]string, 0, len(def.Nodes)),
	}

	for _, node := range def.Nodes {
		if node == nil {
			continue
		}

		idx.nodes[node.NodeID] = node
		idx.order = append(idx.order, node.NodeID)
		idx.deps[node.NodeID] = append([]string(nil), node.DependsOn...)
		idx.children[node.ParentID] = append(idx.children[node.ParentID], node.NodeID)
	}

	for _, edge := range def.Edges {
		if !slices.Contains(idx.deps[edge.To], edge.From) {
			idx.deps[edge.To] = append(idx.deps[edge.To], edge.From)
		}
	}

	for scope := range idx.children {
		slices.Sort(idx.children[scope])
	}

	return idx
}

// Node returns the node with the given id.
func (idx *DefinitionIndex) Node(id string) (*TaskNode, bool) {
	node, ok := idx.nodes[id]

	return node, ok
}

// DependsOn returns the merged dependency list of a node.
func (idx *DefinitionIndex) DependsOn(id string) []string {
	return idx.deps[id]
}

// Children returns the ids of the nodes in a scope, sorted. The top level scope is "".
func (idx *DefinitionIndex) Children(scope string) []string {
	return idx.children[scope]
}

// IDs returns every node id in declaration order.
func (idx *DefinitionIndex) IDs() []string {
	return idx.order
}

// Len returns the number of nodes.
func (idx *DefinitionIndex) Len() int {
	return len(idx.nodes)
}

// Descendants returns every node below scope at any depth.
func (idx *DefinitionIndex) Descendants(scope string) []string {
	var out []string

	seen := map[string]bool{scope: true}

	stack := append([]string(nil), idx.children[scope]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[id] {
			continue
		}

		seen[id] = true
		out = append(out, id)
		stack = append(stack, idx.children[id]...)
	}

	slices.Sort(out)

	return out
}
