// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autodiff builds gradient graphs: given the forward outputs ys, the entries xs to differentiate
// against, and the gradients flowing into ys, it walks the forward graph in reverse topological order calling
// each operator's gradient function, and returns the entries computing the gradient of each x.
//
// Gradients flowing into the same entry are summed with add_n. Entries that receive no gradient get
// zeros_like, and gradient outputs that would alias a variable or another gradient output are given their own
// buffer with _copy.
package autodiff

import (
	"fmt"
	"strconv"

	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// gradEntry accumulates the gradients flowing into one forward entry.
type gradEntry struct {
	grads []graph.NodeEntry
	sum   graph.NodeEntry
}

// Gradient returns, for each entry in xs, the entry computing the gradient of ys with respect to it, where
// yGrads[i] is the gradient flowing into ys[i].
//
// Only nodes on a path from some x to some y are differentiated. It fails with nnerrors.ErrIncomplete if one
// of those has no gradient function and receives a non-zero gradient.
func Gradient(ys, xs, yGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
	if len(ys) != len(yGrads) {
		return nil, errors.Errorf("%d outputs given, but %d output gradients", len(ys), len(yGrads))
	}
	if len(xs) == 0 {
		return nil, errors.New("no entries to differentiate against")
	}

	// Topological order, and the nodes that depend on some x.
	var topo []*graph.Node
	graph.DFSVisit(ys, func(n *graph.Node) { topo = append(topo, n) })
	useful := make(map[*graph.Node]bool, len(topo))
	for _, x := range xs {
		useful[x.Node] = true
	}
	for _, node := range topo {
		for _, input := range node.Inputs {
			if useful[input.Node] {
				useful[node] = true
				break
			}
		}
	}

	outputGrads := make(map[*graph.Node][]gradEntry, len(topo))
	gradsOf := func(node *graph.Node) []gradEntry {
		entries, found := outputGrads[node]
		if !found {
			entries = make([]gradEntry, node.NumOutputs())
			outputGrads[node] = entries
		}
		return entries
	}
	for ii, y := range ys {
		if !useful[y.Node] || yGrads[ii].IsNone() {
			continue
		}
		entries := gradsOf(y.Node)
		entries[y.Index].grads = append(entries[y.Index].grads, yGrads[ii])
	}

	for ii := len(topo) - 1; ii >= 0; ii-- {
		fwd := topo[ii]
		if fwd.IsVariable() || !useful[fwd] {
			continue
		}
		entries := gradsOf(fwd)
		outGrads := make([]graph.NodeEntry, len(entries))
		for outIdx := range entries {
			entries[outIdx].sum = aggregate(fwd, outIdx, entries[outIdx].grads)
			outGrads[outIdx] = entries[outIdx].sum
		}
		if len(fwd.Inputs) == 0 {
			continue
		}
		inGrads, err := nodeGradient(fwd, outGrads)
		if err != nil {
			return nil, err
		}
		linkBackward(fwd, outGrads, inGrads)
		for inIdx, input := range fwd.Inputs {
			if !useful[input.Node] || inGrads[inIdx].IsNone() {
				continue
			}
			inputEntries := gradsOf(input.Node)
			inputEntries[input.Index].grads = append(inputEntries[input.Index].grads, inGrads[inIdx])
		}
	}

	results := make([]graph.NodeEntry, len(xs))
	seen := make(map[graph.NodeEntry]bool, len(xs))
	for ii, x := range xs {
		grad := aggregate(x.Node, int(x.Index), gradsOf(x.Node)[x.Index].grads)
		key := graph.NodeEntry{Node: grad.Node, Index: grad.Index}
		if grad.Node.IsVariable() || seen[key] {
			grad = ops.Copy.Apply(x.Node.Attrs.Name+"_grad_copy", nil, grad).Entry(0)
			key = graph.NodeEntry{Node: grad.Node, Index: grad.Index}
		}
		seen[key] = true
		results[ii] = grad
	}
	if klog.V(2).Enabled() {
		klog.Infof("autodiff: gradient of %d outputs with respect to %d entries over %d forward nodes", len(ys), len(xs), len(topo))
	}
	return results, nil
}

// aggregate returns the sum of the gradients flowing into output outIdx of node: zeros_like if there
// are none, add_n if there are more than one.
func aggregate(node *graph.Node, outIdx int, grads []graph.NodeEntry) graph.NodeEntry {
	switch len(grads) {
	case 0:
		return ops.ZerosLike.Apply(fmt.Sprintf("%s_out%d_zero_grad", node.Attrs.Name, outIdx), nil, node.Entry(outIdx)).Entry(0)
	case 1:
		return grads[0]
	default:
		dict := map[string]string{"num_args": strconv.Itoa(len(grads))}
		return ops.AddN.Apply(fmt.Sprintf("%s_out%d_grad_sum", node.Attrs.Name, outIdx), dict, grads...).Entry(0)
	}
}

// nodeGradient calls the gradient function of the fwd operator. Operators without one are accepted if all their
// output gradients are zero.
func nodeGradient(fwd *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
	op := ops.OpOf(fwd)
	if op == nil {
		return nil, errors.Errorf("node %q: operator %q is not an *ops.Op", fwd.Attrs.Name, fwd.OpName())
	}
	if op.Gradient == nil {
		if !allZero(outGrads) {
			return nil, nnerrors.Incompletef("operator %s (node %q) is not differentiable: it declares no gradient function",
				op.Name, fwd.Attrs.Name)
		}
		inGrads := make([]graph.NodeEntry, len(fwd.Inputs))
		for ii, input := range fwd.Inputs {
			inGrads[ii] = ops.ZerosLike.Apply(fmt.Sprintf("%s_in%d_zero_grad", fwd.Attrs.Name, ii), nil, input).Entry(0)
		}
		return inGrads, nil
	}
	inGrads, err := op.Gradient(fwd, outGrads)
	if err != nil {
		return nil, errors.WithMessagef(err, "gradient of operator %s (node %q)", op.Name, fwd.Attrs.Name)
	}
	if len(inGrads) != len(fwd.Inputs) {
		return nil, errors.Errorf("gradient of operator %s (node %q) returned %d gradients, but it has %d inputs",
			op.Name, fwd.Attrs.Name, len(inGrads), len(fwd.Inputs))
	}
	return inGrads, nil
}

func allZero(grads []graph.NodeEntry) bool {
	for _, grad := range grads {
		if grad.Node == nil || grad.Node.Attrs.Op != graph.Operator(ops.ZerosLike) {
			return false
		}
	}
	return true
}

// linkBackward attaches graph.BackwardInfo to the backward nodes created by the gradient function of fwd:
// which of their outputs are gradients of which forward inputs, and which of their inputs are gradients of which
// forward outputs.
func linkBackward(fwd *graph.Node, outGrads, inGrads []graph.NodeEntry) {
	for fwdInput, inGrad := range inGrads {
		node := inGrad.Node
		if node == nil || len(node.ControlDeps) == 0 || node.ControlDeps[0] != fwd {
			continue
		}
		if op := ops.OpOf(node); op == nil || !op.IsBackward {
			continue
		}
		if node.Backward == nil {
			node.Backward = graph.NewBackwardInfo(fwd, node.NumOutputs(), len(node.Inputs))
			for inIdx, input := range node.Inputs {
				for fwdOutput, outGrad := range outGrads {
					if input.Same(outGrad) {
						node.Backward.InputToForwardOutput[inIdx] = fwdOutput
						break
					}
				}
			}
		}
		if int(inGrad.Index) < len(node.Backward.OutputToForwardInput) {
			node.Backward.OutputToForwardInput[inGrad.Index] = fwdInput
		}
	}
}
