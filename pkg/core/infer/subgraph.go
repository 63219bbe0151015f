// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package infer

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
)

// Subgraph is a graph wrapped by an operator (like a cached operator), whose inputs and outputs are the operator's.
type Subgraph struct {
	Graph *graph.Graph

	// Inputs are the variable nodes bound to the operator inputs, in order. Inputs that don't take part in the
	// graph are allowed.
	Inputs []*graph.Node
}

// NewSubgraph returns the Subgraph over outputs, with the graph input nodes as inputs.
func NewSubgraph(outputs []graph.NodeEntry) *Subgraph {
	g := graph.New(outputs...)
	idx := g.Indexed()
	sub := &Subgraph{Graph: g}
	for _, nid := range idx.InputNodes() {
		sub.Inputs = append(sub.Inputs, idx.Node(nid).Source)
	}
	return sub
}

// The InferSubgraph* functions implement the attribute inference of operators that wrap a subgraph: the
// subgraph inputs and outputs are seeded with the given attributes, inference is run over the subgraph, and the
// inferred attributes are assigned back to in and out.
//
// They return whether all the subgraph attributes became known.

// InferSubgraphShape infers in and out shapes through the subgraph.
func InferSubgraphShape(sub *Subgraph, in, out []shapes.Shape) (bool, error) {
	return inferSubgraph(sub, shapePolicy, in, out, nil)
}

// InferSubgraphType infers in and out dtypes through the subgraph.
func InferSubgraphType(sub *Subgraph, in, out []dtypes.DType) (bool, error) {
	return inferSubgraph(sub, dtypePolicy, in, out, nil)
}

// InferSubgraphStorage infers in and out storage types through the subgraph, with all nodes on the device of
// devMask. The subgraph is executed node by node, so its dispatch mode is FComputeEx.
func InferSubgraphStorage(sub *Subgraph, devMask int, mode *stypes.DispatchMode, in, out []stypes.StorageType) (bool, error) {
	done, err := inferSubgraph(sub, storagePolicy, in, out, func(numNodes int) []Option {
		masks := make([]int, numNodes)
		for ii := range masks {
			masks[ii] = devMask
		}
		return []Option{WithDevMasks(masks)}
	})
	if err != nil {
		return false, err
	}
	if !ops.DispatchModeAssign(mode, stypes.DispatchFComputeEx) {
		return false, nnerrors.Inconsistentf("subgraph dispatch mode is %s, it can only run with %s", *mode, stypes.DispatchFComputeEx)
	}
	return done, nil
}

// InferSubgraphBackwardStorage sets the storage types of the gradients computed by a subgraph backward: they
// are always dense.
func InferSubgraphBackwardStorage(_ *graph.NodeAttrs, _ int, mode *stypes.DispatchMode, _, out []stypes.StorageType) (bool, error) {
	for ii := range out {
		out[ii] = stypes.StorageDefault
	}
	if !ops.DispatchModeAssign(mode, stypes.DispatchFComputeEx) {
		return false, nnerrors.Inconsistentf("subgraph backward dispatch mode is %s, it can only run with %s", *mode, stypes.DispatchFComputeEx)
	}
	return true, nil
}

func inferSubgraph[T any](sub *Subgraph, p *policy[T], in, out []T, extraOpts func(numNodes int) []Option) (bool, error) {
	g := sub.Graph
	idx := g.Indexed()
	if len(sub.Inputs) != len(in) {
		return false, errors.Errorf("subgraph has %d inputs, %d %s values given", len(sub.Inputs), len(in), p.kind)
	}
	if len(g.Outputs) != len(out) {
		return false, errors.Errorf("subgraph has %d outputs, %d %s values given", len(g.Outputs), len(out), p.kind)
	}
	inputEIDs := make([]int, len(sub.Inputs))
	for ii, node := range sub.Inputs {
		inputEIDs[ii] = -1
		if nid, found := idx.NodeID(node); found {
			inputEIDs[ii] = int(idx.EntryID(nid, 0))
		}
	}
	initial := make([]T, idx.NumNodeEntries())
	for ii := range initial {
		initial[ii] = p.empty()
	}
	for ii, eid := range inputEIDs {
		if eid >= 0 {
			initial[eid] = in[ii]
		}
	}
	for ii, output := range g.Outputs {
		eid := idx.NodeEntryID(output)
		if p.isNone(initial[eid]) {
			initial[eid] = out[ii]
		}
	}
	opts := []Option{WithInitial(initial)}
	if extraOpts != nil {
		opts = append(opts, extraOpts(idx.NumNodes())...)
	}
	result, err := run(g, p, nil, "", opts)
	if err != nil {
		return false, err
	}
	for ii, eid := range inputEIDs {
		if eid < 0 {
			continue
		}
		if err := assignBack(p, &in[ii], result.Values[eid]); err != nil {
			return false, errors.WithMessagef(err, "subgraph input #%d", ii)
		}
	}
	for ii, output := range g.Outputs {
		if err := assignBack(p, &out[ii], result.Values[idx.NodeEntryID(output)]); err != nil {
			return false, errors.WithMessagef(err, "subgraph output #%d", ii)
		}
	}
	return result.NumUnknown == 0, nil
}

func assignBack[T any](p *policy[T], dst *T, value T) error {
	if p.isNone(value) {
		return nil
	}
	if !p.isNone(*dst) && !p.equal(*dst, value) {
		return nnerrors.Inconsistentf("%s %v inconsistent with the inferred %v", p.kind, *dst, value)
	}
	*dst = value
	return nil
}
