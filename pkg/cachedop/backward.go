// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

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
	"github.com/gomlx/nnrt/pkg/imperative"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// fullGraph is the forward graph extended with the gradient nodes. Forward nodes and entries keep their ids, and
// the gradient nodes come after them.
type fullGraph struct {
	g                                  *graph.Graph
	numForwardNodes, numForwardEntries int

	// heads are the variables bound to the output gradients, nil for outputs whose gradient is not used.
	heads []*graph.Node

	// gradInputs are the indices of the inputs with a gradient node, and gradEIDs the entries computing them.
	gradInputs []int
	gradEIDs   []uint32

	// keep marks the forward entries read by the gradient nodes.
	keep []bool
}

// fullGraphOf returns the full graph of fg, building it on first use.
func (c *CachedOp) fullGraphOf(fg *forwardGraph) (*fullGraph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fg.full != nil {
		return fg.full, nil
	}
	fwdIdx := fg.sub.Graph.Indexed()
	ys := fg.sub.Graph.Outputs
	full := &fullGraph{
		numForwardNodes:   fwdIdx.NumNodes(),
		numForwardEntries: fwdIdx.NumNodeEntries(),
		heads:             make([]*graph.Node, len(ys)),
		keep:              make([]bool, fwdIdx.NumNodeEntries()),
	}
	headGrads := make([]graph.NodeEntry, len(ys))
	for ii := range ys {
		full.heads[ii] = graph.Variable(fmt.Sprintf("%s_ograd%d", c.name, ii))
		headGrads[ii] = full.heads[ii].Entry(0)
	}
	var xs []graph.NodeEntry
	for ii, eid := range fg.inputEIDs {
		if eid >= 0 {
			xs = append(xs, fg.sub.Inputs[ii].Entry(0))
			full.gradInputs = append(full.gradInputs, ii)
		}
	}
	outputs := slices.Clone(ys)
	if len(xs) > 0 {
		grads, err := autodiff.Gradient(ys, xs, headGrads)
		if err != nil {
			return nil, errors.WithMessagef(err, "CachedOp %q: building gradient graph", c.name)
		}
		outputs = append(outputs, grads...)
	}
	full.g = graph.New(outputs...)
	idx := full.g.Indexed()

	// Depth-first indexing visits the forward outputs first, so forward ids are preserved.
	for nid := range uint32(full.numForwardNodes) {
		if idx.Node(nid).Source != fwdIdx.Node(nid).Source {
			return nil, errors.Errorf("CachedOp %q: forward node #%d changed position in the gradient graph", c.name, nid)
		}
	}
	for ii, head := range full.heads {
		if !idx.Exist(head) {
			full.heads[ii] = nil
		}
	}
	for _, grad := range idx.Outputs()[len(ys):] {
		full.gradEIDs = append(full.gradEIDs, idx.IndexedEntryID(grad))
	}
	for nid := full.numForwardNodes; nid < idx.NumNodes(); nid++ {
		for _, input := range idx.Node(uint32(nid)).Inputs {
			if eid := idx.IndexedEntryID(input); int(eid) < full.numForwardEntries {
				full.keep[eid] = true
			}
		}
	}
	fg.full = full
	if klog.V(2).Enabled() {
		klog.Infof("CachedOp %q: gradient graph with %d nodes (%d forward)", c.name, idx.NumNodes(), full.numForwardNodes)
	}
	return full, nil
}

// backwardPlan returns the plan of the full graph, inferring the attributes of the gradient nodes on first use.
func (c *CachedOp) backwardPlan(p *plan, full *fullGraph) (*exec.Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.backward != nil {
		return p.backward, nil
	}
	idx := full.g.Indexed()
	numEntries := idx.NumNodeEntries()
	initialShapes := make([]shapes.Shape, numEntries)
	initialDTypes := make([]dtypes.DType, numEntries)
	initialSTypes := make([]stypes.StorageType, numEntries)
	copy(initialShapes, p.forward.Shapes)
	copy(initialDTypes, p.forward.DTypes)
	copy(initialSTypes, p.forward.STypes)
	for eid := full.numForwardEntries; eid < numEntries; eid++ {
		initialSTypes[eid] = stypes.StorageUndefined
	}
	for ii, head := range full.heads {
		if head == nil {
			continue
		}
		eid, fwdEID := idx.EntryID(idx.MustNodeID(head), 0), p.fg.outputEIDs[ii]
		initialShapes[eid], initialDTypes[eid] = p.forward.Shapes[fwdEID], p.forward.DTypes[fwdEID]
		initialSTypes[eid] = stypes.StorageDefault
	}
	ranges := []infer.Option{
		infer.WithNodeRange(full.numForwardNodes, idx.NumNodes()),
		infer.WithEntryRange(full.numForwardEntries, numEntries),
	}
	shapeResult, err := infer.InferShape(full.g, nil, "", append(ranges, infer.WithInitial(initialShapes))...)
	if err == nil {
		err = shapeResult.CheckComplete()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "CachedOp %q: inferring gradient shapes", c.name)
	}
	dtypeResult, err := infer.InferType(full.g, nil, "", append(ranges, infer.WithInitial(initialDTypes))...)
	if err == nil {
		err = dtypeResult.CheckComplete()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "CachedOp %q: inferring gradient dtypes", c.name)
	}
	stypeResult, err := infer.InferStorageType(full.g, nil, "", append(ranges, infer.WithInitial(initialSTypes),
		infer.WithVerbose(c.rt.Config().VerboseStorageType))...)
	if err != nil {
		return nil, errors.WithMessagef(err, "CachedOp %q: inferring gradient storage types", c.name)
	}
	p.backward = &exec.Plan{
		Graph:         full.g,
		Shapes:        shapeResult.Values,
		DTypes:        dtypeResult.Values,
		STypes:        stypeResult.Values,
		DispatchModes: stypeResult.DispatchModes,
	}
	return p.backward, nil
}

// Backward computes the gradients of the inputs of the invocation that returned st, given the gradients of its
// outputs (nil elements default to ones). The gradients are written to inGrads according to reqs (both may be
// nil, or have nil elements, for newly allocated gradients written with WriteTo), and returned.
//
// Unless retainGraph is set, the buffers retained by st are released, and using it again fails with
// nnerrors.ErrStaleState.
func (c *CachedOp) Backward(ctx context.Context, st *State, ograds []*ndarray.NDArray, reqs []ops.OpReqType,
	inGrads []*ndarray.NDArray, retainGraph bool) ([]*ndarray.NDArray, error) {
	return c.backward(ctx, st, ograds, reqs, inGrads, imperative.ScopeFrom(ctx).IsTraining(), retainGraph)
}

func (c *CachedOp) backward(ctx context.Context, st *State, ograds []*ndarray.NDArray, reqs []ops.OpReqType,
	inGrads []*ndarray.NDArray, isTrain, retainGraph bool) ([]*ndarray.NDArray, error) {
	if st == nil {
		return nil, nnerrors.StaleStatef("CachedOp %q: backward without a forward state: the forward pass must run while "+
			"recording", c.name)
	}
	if st.op != c {
		return nil, errors.Errorf("CachedOp %q: state %s belongs to CachedOp %q", c.name, st.ID, st.op.name)
	}
	p, fg := st.plan, st.plan.fg
	numInputs := len(p.inShapes)
	if ograds != nil && len(ograds) != fg.numOutputs {
		return nil, errors.Errorf("CachedOp %q: %d output gradients given for %d outputs", c.name, len(ograds), fg.numOutputs)
	}
	for ii, ograd := range ograds {
		if ograd == nil {
			continue
		}
		eid := fg.outputEIDs[ii]
		if !ograd.Shape().Equal(p.forward.Shapes[eid]) || ograd.DType() != p.forward.DTypes[eid] {
			return nil, nnerrors.Inconsistentf("CachedOp %q: gradient of output #%d is %s %s, but the output is %s %s",
				c.name, ii, ograd.DType(), ograd.Shape(), p.forward.DTypes[eid], p.forward.Shapes[eid])
		}
	}
	arrays, states, err := st.take(retainGraph)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = make([]ops.OpReqType, numInputs)
		for ii := range reqs {
			reqs[ii] = ops.WriteTo
		}
	}
	if inGrads == nil {
		inGrads = make([]*ndarray.NDArray, numInputs)
	}
	if len(reqs) != numInputs || len(inGrads) != numInputs {
		return nil, errors.Errorf("CachedOp %q: %d inputs, but %d gradient requests and %d gradient arrays given",
			c.name, numInputs, len(reqs), len(inGrads))
	}
	full, err := c.fullGraphOf(fg)
	if err != nil {
		return nil, err
	}
	plan, err := c.backwardPlan(p, full)
	if err != nil {
		return nil, err
	}
	idx := full.g.Indexed()
	numNodes, numEntries := idx.NumNodes(), idx.NumNodeEntries()

	runArrays := make([]*ndarray.NDArray, numEntries)
	copy(runArrays, arrays)
	for ii, head := range full.heads {
		if head == nil {
			continue
		}
		var ograd *ndarray.NDArray
		if ograds != nil {
			ograd = ograds[ii]
		}
		if ograd == nil {
			fwdEID := fg.outputEIDs[ii]
			ograd, err = ndarray.New(c.rt.Allocator(), p.forward.Shapes[fwdEID], p.forward.DTypes[fwdEID], c.rt.Device())
			if err != nil {
				return nil, errors.WithMessagef(err, "CachedOp %q: creating gradient of output #%d", c.name, ii)
			}
			ograd.Fill(1)
		}
		runArrays[idx.EntryID(idx.MustNodeID(head), 0)] = ograd
	}
	runReqs := make([]ops.OpReqType, numEntries)
	refCounts := exec.RefCounts(idx, full.numForwardNodes, numNodes)
	for eid := range runReqs {
		runReqs[eid] = ops.WriteTo
		if eid >= full.numForwardEntries && refCounts[eid] == 0 {
			runReqs[eid] = ops.NullOp
		}
	}
	for ii, eid := range full.gradEIDs {
		input := full.gradInputs[ii]
		runArrays[eid] = inGrads[input]
		runReqs[eid] = reqs[input]
	}
	runStates := make([]*ops.State, numNodes)
	copy(runStates, states)

	run := &exec.Run{
		Plan:      plan,
		Arrays:    runArrays,
		Reqs:      runReqs,
		RefCounts: refCounts,
		States:    runStates,
		OpContext: ops.OpContext{IsTrain: isTrain, RetainGraph: retainGraph, Device: c.rt.Device()},
	}
	runCtx := imperative.ScopeFrom(ctx).WithTraining(isTrain).WithRecording(false).Attach(ctx)
	if err := c.rt.Driver().RunGraph(runCtx, run, full.numForwardNodes, numNodes); err != nil {
		return nil, errors.WithMessagef(err, "CachedOp %q backward", c.name)
	}

	results := make([]*ndarray.NDArray, numInputs)
	for ii, eid := range full.gradEIDs {
		results[full.gradInputs[ii]] = run.Arrays[eid]
	}
	// Inputs the outputs don't depend on have zero gradients.
	for ii, eid := range fg.inputEIDs {
		if eid >= 0 || reqs[ii] == ops.NullOp {
			continue
		}
		grad := inGrads[ii]
		if grad == nil {
			grad, err = ndarray.New(c.rt.Allocator(), p.inShapes[ii], p.inTypes[ii], c.rt.Device())
			if err != nil {
				return nil, errors.WithMessagef(err, "CachedOp %q: creating gradient of input #%d", c.name, ii)
			}
		}
		if reqs[ii] != ops.AddTo {
			grad.Fill(0)
		}
		results[ii] = grad
	}
	if klog.V(2).Enabled() {
		klog.Infof("CachedOp %q: backward of state %s (retain=%v)", c.name, st.ID, retainGraph)
	}
	return results, nil
}
