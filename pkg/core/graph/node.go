// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
)

// Operator is the graph's view of an operator: the registry (package ops) provides the full descriptor,
// with inference, gradient and compute functions.
type Operator interface {
	// OpName returns the registered name of the operator.
	OpName() string

	// InputCount returns the number of inputs the operator takes, given the node attributes.
	InputCount(attrs *NodeAttrs) int

	// OutputCount returns the number of outputs the operator produces, given the node attributes.
	OutputCount(attrs *NodeAttrs) int
}

// NodeAttrs holds the operator and the attributes of a node.
type NodeAttrs struct {
	// Op is nil for variables.
	Op Operator

	// Name of the node, unique within a graph by convention, but not enforced.
	Name string

	// Dict holds the string attributes of the node, as saved with the graph.
	Dict map[string]string

	// Parsed holds the operator specific parsed version of Dict, if the operator uses one.
	Parsed any
}

// Clone returns a copy of the attributes. Parsed is shared.
func (a *NodeAttrs) Clone() NodeAttrs {
	return NodeAttrs{Op: a.Op, Name: a.Name, Dict: maps.Clone(a.Dict), Parsed: a.Parsed}
}

// NodeEntry references one output of a node.
type NodeEntry struct {
	Node    *Node
	Index   uint32
	Version uint32
}

// IsNone returns whether the entry doesn't point to any node.
func (e NodeEntry) IsNone() bool { return e.Node == nil }

// Same returns whether both entries point to the same output of the same node. Version is ignored.
func (e NodeEntry) Same(e2 NodeEntry) bool {
	return e.Node == e2.Node && e.Index == e2.Index
}

// String implements fmt.Stringer.
func (e NodeEntry) String() string {
	if e.Node == nil {
		return fmt.Sprintf("<nil>[%d]", e.Index)
	}
	return fmt.Sprintf("%s[%d]", e.Node.Attrs.Name, e.Index)
}

// Node of a computation graph: either a variable (Attrs.Op == nil) or an operator application.
//
// A Node can also be shared by more than one Graph; Graphs only hold references to their output entries.
type Node struct {
	Attrs NodeAttrs

	// Inputs are the entries consumed by the node, in the order the operator expects them.
	Inputs []NodeEntry

	// ControlDeps are nodes that must be executed before this one. For backward nodes, the first
	// control dependency is the forward node.
	ControlDeps []*Node

	// Backward is set for backward nodes: nodes created by the gradient function of a forward node, whose
	// outputs are gradients of the forward node inputs. It is nil for forward nodes.
	Backward *BackwardInfo
}

// BackwardInfo links a backward node to the forward node it differentiates.
//
// The correspondence is computed once, when the backward node is created (see package autodiff), and used by
// attribute inference to copy attributes between the forward and the backward nodes.
type BackwardInfo struct {
	Forward *Node

	// OutputToForwardInput has one element per output of the backward node: the index of the forward node input
	// whose gradient it holds, or -1.
	OutputToForwardInput []int

	// InputToForwardOutput has one element per input of the backward node: the index of the forward node output
	// whose incoming gradient it consumes, or -1.
	InputToForwardOutput []int
}

// NewBackwardInfo returns a BackwardInfo with all links unset (-1).
func NewBackwardInfo(forward *Node, numOutputs, numInputs int) *BackwardInfo {
	info := &BackwardInfo{
		Forward:              forward,
		OutputToForwardInput: make([]int, numOutputs),
		InputToForwardOutput: make([]int, numInputs),
	}
	for ii := range info.OutputToForwardInput {
		info.OutputToForwardInput[ii] = -1
	}
	for ii := range info.InputToForwardOutput {
		info.InputToForwardOutput[ii] = -1
	}
	return info
}

// Variable creates a new variable node.
func Variable(name string) *Node {
	return &Node{Attrs: NodeAttrs{Name: name}}
}

// NewNode creates a new operator node with the given inputs. dict may be nil.
func NewNode(op Operator, name string, dict map[string]string, inputs ...NodeEntry) *Node {
	if dict == nil {
		dict = make(map[string]string)
	}
	return &Node{
		Attrs:  NodeAttrs{Op: op, Name: name, Dict: dict},
		Inputs: inputs,
	}
}

// IsVariable returns whether the node is a variable, that is, it has no operator.
func (n *Node) IsVariable() bool { return n.Attrs.Op == nil }

// NumOutputs returns the number of outputs of the node: 1 for variables.
func (n *Node) NumOutputs() int {
	if n.Attrs.Op == nil {
		return 1
	}
	return n.Attrs.Op.OutputCount(&n.Attrs)
}

// Entry returns the NodeEntry for the output of the given index.
func (n *Node) Entry(index int) NodeEntry {
	return NodeEntry{Node: n, Index: uint32(index)}
}

// Outputs returns all the output entries of the node.
func (n *Node) Outputs() []NodeEntry {
	entries := make([]NodeEntry, n.NumOutputs())
	for ii := range entries {
		entries[ii] = n.Entry(ii)
	}
	return entries
}

// OpName returns the name of the node operator, or "null" for variables.
func (n *Node) OpName() string {
	if n.Attrs.Op == nil {
		return "null"
	}
	return n.Attrs.Op.OpName()
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.OpName(), n.Attrs.Name)
}

// DFSVisit visits in post-order (inputs and control dependencies first) every node reachable from heads,
// each one exactly once. Entries with a nil Node are skipped.
func DFSVisit(heads []NodeEntry, visit func(n *Node)) {
	type frame struct {
		node *Node
		next int
	}
	visited := make(map[*Node]bool)
	var stack []frame
	for _, head := range heads {
		if head.Node == nil || visited[head.Node] {
			continue
		}
		visited[head.Node] = true
		stack = append(stack, frame{node: head.Node})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			numInputs := len(top.node.Inputs)
			if top.next < numInputs+len(top.node.ControlDeps) {
				var child *Node
				if top.next < numInputs {
					child = top.node.Inputs[top.next].Node
				} else {
					child = top.node.ControlDeps[top.next-numInputs]
				}
				top.next++
				if child != nil && !visited[child] {
					visited[child] = true
					stack = append(stack, frame{node: child})
				}
				continue
			}
			stack = stack[:len(stack)-1]
			visit(top.node)
		}
	}
}
