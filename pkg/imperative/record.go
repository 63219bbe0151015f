// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var errAssignRecorded = errors.New("assigning to arrays that are already part of a recorded graph is not supported: " +
	"call Backward first to release the graph, or do it out of a recording scope (in-place operations are not " +
	"supported while recording)")

// RecordOp records the invocation of the operator in attrs on inputs, producing outputs: a new node is created
// consuming the entries of the inputs (inputs not yet recorded get a new variable node), and it becomes the
// producer of the outputs.
//
// saveInputs and saveOutputs select which arrays are retained for the backward pass. If nil, they are
// given by GetBackwardDependency. Arrays not retained are kept as placeholders, with only their metadata.
func (rt *Runtime) RecordOp(attrs graph.NodeAttrs, inputs, outputs []*ndarray.NDArray, state *ops.State,
	saveInputs, saveOutputs []bool) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for ii, output := range outputs {
		if entry := output.Entry(); !entry.IsNone() && rt.info[entry.Node] != nil {
			return errors.Wrapf(errAssignRecorded, "recording %s: output #%d", attrs.Op, ii)
		}
	}

	attrs = attrs.Clone()
	attrs.Name = rt.nodeName(&attrs)
	node := &graph.Node{Attrs: attrs}
	info := rt.lockedCreateInfo(node)
	info.State = state
	if saveInputs == nil || saveOutputs == nil {
		saveInputs, saveOutputs = GetBackwardDependency(node, len(inputs), len(outputs))
	}
	if len(saveInputs) != len(inputs) || len(saveOutputs) != len(outputs) {
		delete(rt.info, node)
		return errors.Errorf("recording %s: backward dependencies given for %d inputs and %d outputs, but there are %d and %d",
			attrs.Name, len(saveInputs), len(saveOutputs), len(inputs), len(outputs))
	}

	node.Inputs = make([]graph.NodeEntry, len(inputs))
	for ii, input := range inputs {
		entry := input.Entry()
		var producer *AGInfo
		if !entry.IsNone() {
			producer = rt.info[entry.Node]
		}
		if producer == nil {
			variable := graph.Variable(fmt.Sprintf("null%d", rt.variableCount.Add(1)-1))
			variableInfo := rt.lockedCreateInfo(variable)
			variableInfo.Outputs = []*ndarray.NDArray{retained(input, saveInputs[ii])}
			entry = variable.Entry(0)
			input.SetEntry(entry)
		} else if saveInputs[ii] {
			producer.Outputs[entry.Index] = input.Detach()
		}
		node.Inputs[ii] = entry
	}

	info.Outputs = make([]*ndarray.NDArray, len(outputs))
	for ii, output := range outputs {
		info.Outputs[ii] = retained(output, saveOutputs[ii])
		output.SetEntry(graph.NodeEntry{Node: node, Index: uint32(ii)})
	}
	if klog.V(2).Enabled() {
		klog.Infof("recorded %s: inputs %v (saved %v), saved outputs %v", node, node.Inputs, saveInputs, saveOutputs)
	}
	return nil
}

// retained returns the array to keep for the backward pass: a detached copy if it is saved, or a placeholder.
func retained(array *ndarray.NDArray, save bool) *ndarray.NDArray {
	if save {
		return array.Detach()
	}
	return array.AsPlaceholder()
}

// GetBackwardDependency returns which inputs and outputs of node are used by its gradient.
//
// Operators can declare it explicitly (ops.Op.BackwardDeps). Otherwise the gradient function is called with
// placeholder entries for the inputs of node and for the output gradients, and the entries referenced by the
// generated gradient nodes are collected. Operators without gradient retain nothing.
//
// If the gradient function fails with placeholder entries, everything is retained.
func GetBackwardDependency(node *graph.Node, numInputs, numOutputs int) (saveInputs, saveOutputs []bool) {
	saveInputs = make([]bool, numInputs)
	saveOutputs = make([]bool, numOutputs)
	op := ops.OpOf(node)
	if op == nil {
		return
	}
	if op.BackwardDeps != nil {
		return op.BackwardDeps(&node.Attrs, numInputs, numOutputs)
	}
	if op.Gradient == nil {
		return
	}

	originalInputs := node.Inputs
	defer func() { node.Inputs = originalInputs }()
	node.Inputs = make([]graph.NodeEntry, numInputs)
	for ii := range node.Inputs {
		node.Inputs[ii] = graph.NodeEntry{Index: uint32(ii)}
	}
	outGrads := make([]graph.NodeEntry, numOutputs)
	for ii := range outGrads {
		outGrads[ii] = graph.NodeEntry{Index: uint32(ii), Version: 1}
	}
	var inGrads []graph.NodeEntry
	var err error
	if exception := exceptions.Try(func() { inGrads, err = op.Gradient(node, outGrads) }); exception != nil || err != nil {
		klog.Warningf("backward dependencies of %s: gradient failed with placeholder inputs (%v, %v), retaining all inputs and outputs",
			node, exception, err)
		for ii := range saveInputs {
			saveInputs[ii] = true
		}
		for ii := range saveOutputs {
			saveOutputs[ii] = true
		}
		return
	}

	mark := func(entry graph.NodeEntry) {
		switch {
		case entry.Node == nil && entry.Version == 0 && int(entry.Index) < numInputs:
			saveInputs[entry.Index] = true
		case entry.Node == node && int(entry.Index) < numOutputs:
			saveOutputs[entry.Index] = true
		}
	}
	for _, inGrad := range inGrads {
		mark(inGrad)
	}
	graph.DFSVisit(inGrads, func(n *graph.Node) {
		if n == node {
			return
		}
		for _, input := range n.Inputs {
			mark(input)
		}
	})
	return
}

// MarkVariables marks the arrays as variables whose gradients are computed by Backward. Gradients are written to
// (or accumulated into, for AddTo) grads, according to gradReqs.
//
// Marking an array again replaces its gradient request and buffer, also for the graphs already recorded with it.
func (rt *Runtime) MarkVariables(variables []*ndarray.NDArray, gradReqs []ops.OpReqType, grads []*ndarray.NDArray) error {
	if len(gradReqs) != len(variables) || len(grads) != len(variables) {
		return errors.Errorf("MarkVariables: %d variables, but %d gradient requests and %d gradient buffers given",
			len(variables), len(gradReqs), len(grads))
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for ii, variable := range variables {
		if gradReqs[ii] != ops.NullOp && grads[ii] == nil {
			return errors.Errorf("MarkVariables: variable #%d requires gradient (%s), but no gradient buffer was given", ii, gradReqs[ii])
		}
		if entry := variable.Entry(); !entry.IsNone() && entry.Node.IsVariable() {
			// Graphs already recorded keep pointing to the same variable node.
			if info := rt.info[entry.Node]; info != nil {
				info.GradReq = gradReqs[ii]
				info.OutGrads = []*ndarray.NDArray{grads[ii]}
				continue
			}
		}
		node := graph.Variable(fmt.Sprintf("var%d", rt.variableCount.Add(1)-1))
		info := rt.lockedCreateInfo(node)
		info.GradReq = gradReqs[ii]
		info.Outputs = []*ndarray.NDArray{variable.Detach()}
		info.OutGrads = []*ndarray.NDArray{grads[ii]}
		variable.SetEntry(node.Entry(0))
	}
	return nil
}
