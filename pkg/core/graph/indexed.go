// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
)

// IndexedEntry is a NodeEntry addressed by node id.
type IndexedEntry struct {
	NodeID  uint32
	Index   uint32
	Version uint32
}

// IndexedNode is a node of an IndexedGraph.
type IndexedNode struct {
	Source      *Node
	Inputs      []IndexedEntry
	ControlDeps []uint32
}

// IndexedGraph is an immutable view of the nodes reachable from a set of outputs, with dense node ids in
// topological order (inputs before consumers) and dense entry ids (one per output of each node).
type IndexedGraph struct {
	nodes         []IndexedNode
	entryRowPtr   []uint32
	nodeToID      map[*Node]uint32
	inputNodes    []uint32
	mutableInputs map[uint32]bool
	outputs       []IndexedEntry
}

// MutateInputsProvider is optionally implemented by Operators that change some of their inputs in place
// (auxiliary states). Variables feeding those inputs are reported as mutable inputs.
type MutateInputsProvider interface {
	MutateInputIndices(attrs *NodeAttrs) []int
}

// NewIndexedGraph indexes the nodes reachable from outputs.
func NewIndexedGraph(outputs []NodeEntry) *IndexedGraph {
	idx := &IndexedGraph{
		nodeToID:      make(map[*Node]uint32),
		mutableInputs: make(map[uint32]bool),
	}
	idx.entryRowPtr = append(idx.entryRowPtr, 0)
	DFSVisit(outputs, func(n *Node) {
		nid := uint32(len(idx.nodes))
		idx.nodeToID[n] = nid
		inode := IndexedNode{Source: n}
		for _, input := range n.Inputs {
			inode.Inputs = append(inode.Inputs, IndexedEntry{
				NodeID: idx.nodeToID[input.Node], Index: input.Index, Version: input.Version})
		}
		for _, dep := range n.ControlDeps {
			inode.ControlDeps = append(inode.ControlDeps, idx.nodeToID[dep])
		}
		if n.IsVariable() {
			idx.inputNodes = append(idx.inputNodes, nid)
		} else if mutator, ok := n.Attrs.Op.(MutateInputsProvider); ok {
			for _, inputIdx := range mutator.MutateInputIndices(&n.Attrs) {
				if inputIdx < len(inode.Inputs) {
					idx.mutableInputs[inode.Inputs[inputIdx].NodeID] = true
				}
			}
		}
		idx.nodes = append(idx.nodes, inode)
		idx.entryRowPtr = append(idx.entryRowPtr, idx.entryRowPtr[nid]+uint32(n.NumOutputs()))
	})
	for _, output := range outputs {
		idx.outputs = append(idx.outputs, IndexedEntry{
			NodeID: idx.nodeToID[output.Node], Index: output.Index, Version: output.Version})
	}
	return idx
}

// NumNodes returns the number of nodes.
func (idx *IndexedGraph) NumNodes() int { return len(idx.nodes) }

// NumNodeEntries returns the total number of entries (outputs of all nodes).
func (idx *IndexedGraph) NumNodeEntries() int { return int(idx.entryRowPtr[len(idx.nodes)]) }

// Node returns the indexed node with the given id.
func (idx *IndexedGraph) Node(nid uint32) *IndexedNode { return &idx.nodes[nid] }

// NodeID returns the id of the node, and whether it is part of the graph.
func (idx *IndexedGraph) NodeID(n *Node) (uint32, bool) {
	nid, found := idx.nodeToID[n]
	return nid, found
}

// MustNodeID returns the id of the node, and panics if it is not part of the graph.
func (idx *IndexedGraph) MustNodeID(n *Node) uint32 {
	nid, found := idx.nodeToID[n]
	if !found {
		exceptions.Panicf("node %s is not part of the indexed graph", n)
	}
	return nid
}

// Exist returns whether the node is part of the graph.
func (idx *IndexedGraph) Exist(n *Node) bool {
	_, found := idx.nodeToID[n]
	return found
}

// EntryID returns the id of output index of node nid.
func (idx *IndexedGraph) EntryID(nid uint32, index uint32) uint32 {
	return idx.entryRowPtr[nid] + index
}

// IndexedEntryID returns the entry id of an IndexedEntry.
func (idx *IndexedGraph) IndexedEntryID(e IndexedEntry) uint32 {
	return idx.entryRowPtr[e.NodeID] + e.Index
}

// NodeEntryID returns the entry id of a NodeEntry, whose node must be part of the graph.
func (idx *IndexedGraph) NodeEntryID(e NodeEntry) uint32 {
	return idx.entryRowPtr[idx.MustNodeID(e.Node)] + e.Index
}

// InputNodes returns the ids of all variable nodes, in topological order.
func (idx *IndexedGraph) InputNodes() []uint32 { return idx.inputNodes }

// IsMutableInput returns whether the variable node nid is mutated in place by some operator.
func (idx *IndexedGraph) IsMutableInput(nid uint32) bool { return idx.mutableInputs[nid] }

// Outputs returns the graph outputs.
func (idx *IndexedGraph) Outputs() []IndexedEntry { return idx.outputs }

// ListInputsMode selects which variables ListInputs returns.
type ListInputsMode int

const (
	AllInputs ListInputsMode = iota
	ReadOnlyArgs
	AuxiliaryStates
)

// ListInputs returns the variable nodes of the graph, filtered by mode.
func (idx *IndexedGraph) ListInputs(mode ListInputsMode) []*Node {
	var result []*Node
	for _, nid := range idx.inputNodes {
		mutable := idx.mutableInputs[nid]
		if mode == AllInputs || (mode == ReadOnlyArgs && !mutable) || (mode == AuxiliaryStates && mutable) {
			result = append(result, idx.nodes[nid].Source)
		}
	}
	return result
}
