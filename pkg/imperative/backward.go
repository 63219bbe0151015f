// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"context"
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/autodiff"
	"github.com/gomlx/nnrt/pkg/core/exec"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/infer"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackwardOptions configure Runtime.Backward.
type BackwardOptions struct {
	// IsTrain is the training flag of the operators executed by the backward pass.
	IsTrain bool

	// RetainGraph keeps the recorded graph, and the arrays it retains, so Backward can be called again on it.
	RetainGraph bool

	// CreateGraph records the backward computation, so its results can be differentiated again.
	CreateGraph bool
}

// Backward computes the gradients of outputs, which must have been recorded, weighted by ograds (nil ograds, or
// nil elements, default to ones).
//
// If variables is nil, gradients are computed for every marked variable (see MarkVariables) the outputs depend
// on, and written (or accumulated) into their gradient buffers; Backward then returns nil. Otherwise gradients are
// computed for the given marked variables only, returned in new arrays, and the gradient buffers are not touched.
//
// Unless opts.RetainGraph is set, the recorded graph is released: the retained arrays and operator states are
// dropped, and a later Backward through it fails with nnerrors.ErrStaleState.
func (rt *Runtime) Backward(ctx context.Context, outputs, ograds, variables []*ndarray.NDArray, opts BackwardOptions) ([]*ndarray.NDArray, error) {
	if len(outputs) == 0 {
		return nil, errors.New("Backward: no outputs given")
	}
	if ograds != nil && len(ograds) != len(outputs) {
		return nil, errors.Errorf("Backward: %d outputs but %d output gradients given", len(outputs), len(ograds))
	}

	ys := make([]graph.NodeEntry, len(outputs))
	for ii, output := range outputs {
		entry := output.Entry()
		if entry.IsNone() {
			return nil, errors.Errorf("Backward: output #%d is not part of a recorded graph: use Record to enable recording "+
				"of the computation to differentiate", ii)
		}
		if rt.Info(entry.Node) == nil {
			return nil, nnerrors.StaleStatef("Backward: output #%d (%s) was released by a previous Backward: set "+
				"RetainGraph to differentiate the same graph more than once", ii, entry)
		}
		ys[ii] = entry
	}

	// Head gradients are new variables, bound to the given (or ones) arrays.
	headGrads := make([]graph.NodeEntry, len(outputs))
	headArrays := make(map[*graph.Node]*ndarray.NDArray, len(outputs))
	for ii, output := range outputs {
		var ograd *ndarray.NDArray
		if ograds != nil {
			ograd = ograds[ii]
		}
		if ograd != nil && (!ograd.Shape().Equal(output.Shape()) || ograd.DType() != output.DType()) {
			return nil, nnerrors.Inconsistentf("Backward: gradient of output #%d is %s %s, but the output is %s %s",
				ii, ograd.DType(), ograd.Shape(), output.DType(), output.Shape())
		}
		if ograd == nil {
			ones, err := ndarray.New(rt.Allocator(), output.Shape(), output.DType(), rt.Device())
			if err != nil {
				return nil, errors.WithMessagef(err, "Backward: creating gradient of output #%d", ii)
			}
			ones.Fill(1)
			ograd = ones
		}
		head := graph.Variable(fmt.Sprintf("head_grad%d", ii))
		headGrads[ii] = head.Entry(0)
		headArrays[head] = ograd
	}

	xs, xGrads, xReqs, xInfos, err := rt.backwardVariables(ys, variables)
	if err != nil {
		return nil, err
	}
	grads, err := autodiff.Gradient(ys, xs, headGrads)
	if err != nil {
		return nil, errors.WithMessage(err, "Backward")
	}

	g := graph.New(append(slices.Clone(ys), grads...)...)
	idx := g.Indexed()
	var numForwardNodes int
	for _, output := range idx.Outputs()[:len(ys)] {
		numForwardNodes = max(numForwardNodes, int(output.NodeID)+1)
	}
	numNodes, numEntries := idx.NumNodes(), idx.NumNodeEntries()
	numForwardEntries := int(idx.EntryID(uint32(numForwardNodes), 0))
	gradEIDs := make([]uint32, len(grads))
	for ii, grad := range grads {
		gradEIDs[ii] = idx.NodeEntryID(grad)
	}

	// Bind the arrays retained by the recorded nodes and the head gradients.
	arrays := make([]*ndarray.NDArray, numEntries)
	refCounts := make([]int, numEntries)
	states := make([]*ops.State, numNodes)
	if err := rt.bindRecorded(idx, numForwardNodes, headArrays, arrays, refCounts, states, opts); err != nil {
		return nil, err
	}
	for ii, eid := range gradEIDs {
		arrays[eid] = xGrads[ii]
		refCounts[eid] = 1
	}
	for nid := numForwardNodes; nid < numNodes; nid++ {
		for _, input := range idx.Node(uint32(nid)).Inputs {
			refCounts[idx.IndexedEntryID(input)]++
		}
	}
	reqs := make([]ops.OpReqType, numEntries)
	for eid := range reqs {
		reqs[eid] = ops.WriteTo
		if eid >= numForwardEntries && refCounts[eid] == 0 {
			reqs[eid] = ops.NullOp
		}
	}
	for ii, eid := range gradEIDs {
		reqs[eid] = xReqs[ii]
	}

	plan, err := rt.backwardPlan(g, arrays, numForwardNodes, numForwardEntries)
	if err != nil {
		return nil, err
	}
	run := &exec.Run{
		Plan:      plan,
		Arrays:    arrays,
		Reqs:      reqs,
		RefCounts: refCounts,
		States:    states,
		OpContext: ops.OpContext{
			IsTrain:     opts.IsTrain,
			NeedGrad:    opts.CreateGraph,
			RetainGraph: opts.RetainGraph,
			Device:      rt.Device(),
		},
	}
	if opts.CreateGraph {
		run.Recorder = func(attrs *graph.NodeAttrs, inputs, outputs []*ndarray.NDArray, state *ops.State) error {
			return rt.RecordOp(*attrs, inputs, outputs, state, nil, nil)
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("Backward: %d outputs, %d variables, nodes [%d, %d) of the gradient graph", len(ys), len(xs), numForwardNodes, numNodes)
	}
	runCtx := ScopeFrom(ctx).WithTraining(opts.IsTrain).WithRecording(opts.CreateGraph).Attach(ctx)
	if err := rt.driver.RunGraph(runCtx, run, numForwardNodes, numNodes); err != nil {
		return nil, errors.WithMessage(err, "Backward")
	}

	rt.mu.Lock()
	if !opts.RetainGraph {
		graph.DFSVisit(ys, func(n *graph.Node) {
			rt.lockedClearInfo(n)
			n.Inputs = nil
		})
	}
	for _, info := range xInfos {
		info.FreshOutGrad = true
	}
	rt.mu.Unlock()

	if variables == nil {
		return nil, nil
	}
	results := make([]*ndarray.NDArray, len(gradEIDs))
	for ii, eid := range gradEIDs {
		results[ii] = run.Arrays[eid]
	}
	return results, nil
}

// backwardVariables returns the entries whose gradients are computed, with their gradient buffers and requests.
// Buffers are nil (allocated by the driver) for explicitly given variables.
func (rt *Runtime) backwardVariables(ys []graph.NodeEntry, variables []*ndarray.NDArray) (
	xs []graph.NodeEntry, xGrads []*ndarray.NDArray, xReqs []ops.OpReqType, xInfos []*AGInfo, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if variables != nil {
		for ii, variable := range variables {
			entry := variable.Entry()
			if entry.IsNone() || !entry.Node.IsVariable() || rt.info[entry.Node] == nil {
				err = errors.Errorf("Backward: cannot differentiate with respect to variable #%d, it was not marked "+
					"with MarkVariables", ii)
				return
			}
			xs = append(xs, entry)
			xGrads = append(xGrads, nil)
			xReqs = append(xReqs, ops.WriteTo)
		}
		return
	}
	for _, node := range graph.New(ys...).Indexed().ListInputs(graph.ReadOnlyArgs) {
		info := rt.info[node]
		if info == nil || info.GradReq == ops.NullOp {
			continue
		}
		xs = append(xs, node.Entry(0))
		xGrads = append(xGrads, info.OutGrads[0])
		xReqs = append(xReqs, info.GradReq)
		xInfos = append(xInfos, info)
	}
	if len(xs) == 0 {
		err = errors.New("Backward: none of the arrays the outputs depend on require gradients, see MarkVariables")
	}
	return
}

// bindRecorded binds the arrays retained by the recorded nodes (ids below numForwardNodes), variables that only
// appear in the gradient computation, and the head gradients.
//
// Retained arrays keep a reference count of 1 if the graph is retained (or they are marked variables), so they
// are not dropped by the driver.
func (rt *Runtime) bindRecorded(idx *graph.IndexedGraph, numForwardNodes int, headArrays map[*graph.Node]*ndarray.NDArray,
	arrays []*ndarray.NDArray, refCounts []int, states []*ops.State, opts BackwardOptions) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bind := func(nid uint32, node *graph.Node, info *AGInfo) {
		for ii, output := range info.Outputs {
			eid := idx.EntryID(nid, uint32(ii))
			if opts.CreateGraph {
				// Recording the backward computation links it to the recorded graph.
				output = output.Detach()
				output.SetEntry(graph.NodeEntry{Node: node, Index: uint32(ii)})
			}
			arrays[eid] = output
			if opts.RetainGraph || info.GradReq != ops.NullOp {
				refCounts[eid] = 1
			}
		}
		states[nid] = info.State
	}
	for nid := range uint32(idx.NumNodes()) {
		node := idx.Node(nid).Source
		if int(nid) >= numForwardNodes {
			if !node.IsVariable() {
				continue
			}
			if array, found := headArrays[node]; found {
				arrays[idx.EntryID(nid, 0)] = array
				continue
			}
		}
		info := rt.info[node]
		if info == nil {
			return nnerrors.StaleStatef("Backward: node %q of the recorded graph was released by a previous Backward: "+
				"set RetainGraph to differentiate the same graph more than once", node.Attrs.Name)
		}
		if len(info.Outputs) != node.NumOutputs() {
			return errors.Errorf("Backward: node %q has %d outputs, but %d were recorded", node.Attrs.Name, node.NumOutputs(), len(info.Outputs))
		}
		bind(nid, node, info)
	}
	return nil
}

// backwardPlan infers the shapes, dtypes and storage types of the gradient nodes, given the bound arrays.
func (rt *Runtime) backwardPlan(g *graph.Graph, arrays []*ndarray.NDArray, numForwardNodes, numForwardEntries int) (*exec.Plan, error) {
	idx := g.Indexed()
	numEntries := idx.NumNodeEntries()
	initialShapes := make([]shapes.Shape, numEntries)
	initialDTypes := make([]dtypes.DType, numEntries)
	initialSTypes := make([]stypes.StorageType, numEntries)
	for eid, array := range arrays {
		initialSTypes[eid] = stypes.StorageUndefined
		if array != nil {
			initialShapes[eid], initialDTypes[eid], initialSTypes[eid] = array.Shape(), array.DType(), array.StorageType()
		}
	}
	ranges := []infer.Option{
		infer.WithNodeRange(numForwardNodes, idx.NumNodes()),
		infer.WithEntryRange(numForwardEntries, numEntries),
	}
	shapeResult, err := infer.InferShape(g, nil, "", append(ranges, infer.WithInitial(initialShapes))...)
	if err == nil {
		err = shapeResult.CheckComplete()
	}
	if err != nil {
		return nil, errors.WithMessage(err, "Backward: inferring gradient shapes")
	}
	dtypeResult, err := infer.InferType(g, nil, "", append(ranges, infer.WithInitial(initialDTypes))...)
	if err == nil {
		err = dtypeResult.CheckComplete()
	}
	if err != nil {
		return nil, errors.WithMessage(err, "Backward: inferring gradient dtypes")
	}
	stypeResult, err := infer.InferStorageType(g, nil, "",
		append(ranges, infer.WithInitial(initialSTypes), infer.WithVerbose(rt.config.VerboseStorageType))...)
	if err != nil {
		return nil, errors.WithMessage(err, "Backward: inferring gradient storage types")
	}
	return &exec.Plan{
		Graph:         g,
		Shapes:        shapeResult.Values,
		DTypes:        dtypeResult.Values,
		STypes:        stypeResult.Values,
		DispatchModes: stypeResult.DispatchModes,
	}, nil
}
