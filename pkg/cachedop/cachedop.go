// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cachedop implements CachedOp, a reusable compiled representation of a symbolic sub-computation.
//
// The forward graph is built once (or once per number of inputs, when built with a Builder) and is immutable.
// Execution plans (the inferred shapes, dtypes, storage types and dispatch modes) are cached per number of
// inputs, and per input shapes if the runtime is configured with static shapes. The combined forward and
// gradient graph is only built the first time a backward pass is needed.
//
// A CachedOp can be used concurrently: its caches are guarded by a mutex, and each invocation runs with private
// buffers. When recording, an invocation retains the buffers its backward pass needs in a State, and is itself
// recorded in the imperative runtime as a "_CachedOp" operator node, so it can be differentiated like any
// other operator.
package cachedop

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/exec"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/infer"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/gomlx/nnrt/pkg/imperative"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Builder builds the outputs of a sub-computation from its input entries. It is called once for each number of
// inputs the CachedOp is invoked with.
type Builder func(inputs []graph.NodeEntry) ([]graph.NodeEntry, error)

// CachedOp runs a fixed sub-graph on arrays, caching its graphs and execution plans.
type CachedOp struct {
	rt      *imperative.Runtime
	name    string
	builder Builder

	// fixed is the forward graph of CachedOps created from a fixed set of outputs.
	fixed *forwardGraph

	// mu protects the caches below.
	mu     sync.Mutex
	graphs map[int]*forwardGraph
	plans  []*plan

	rebuilds atomic.Int64
}

// forwardGraph is the immutable forward graph for one number of inputs.
type forwardGraph struct {
	sub        *infer.Subgraph
	numOutputs int

	// inputEIDs holds the entry id of each input, or -1 if the input is not used by the graph.
	inputEIDs  []int
	outputEIDs []uint32

	// full is the combined forward and gradient graph, built on first use. Protected by CachedOp.mu.
	full *fullGraph
}

// plan is the cached execution plan of a forward graph for some input attributes.
type plan struct {
	fg  *forwardGraph
	key string

	inShapes []shapes.Shape
	inTypes  []dtypes.DType
	inSTypes []stypes.StorageType

	forward *exec.Plan

	// backward is the plan of the full graph, built on first use. Protected by CachedOp.mu.
	backward *exec.Plan
}

// New creates a CachedOp computing outputs. Its inputs are the variables the outputs depend on, in the order of
// graph.IndexedGraph.InputNodes.
func New(rt *imperative.Runtime, name string, outputs []graph.NodeEntry) (*CachedOp, error) {
	if len(outputs) == 0 {
		return nil, errors.Errorf("cachedop.New(%q): no outputs given", name)
	}
	c := newCachedOp(rt, name)
	idx := graph.New(outputs...).Indexed()
	inputNodes := make([]*graph.Node, 0, len(idx.InputNodes()))
	for _, nid := range idx.InputNodes() {
		inputNodes = append(inputNodes, idx.Node(nid).Source)
	}
	fg, err := c.newForwardGraph(inputNodes, outputs)
	if err != nil {
		return nil, err
	}
	c.fixed = fg
	c.graphs[len(inputNodes)] = fg
	c.rebuilds.Add(1)
	return c, nil
}

// NewFromBuilder creates a CachedOp whose forward graph is created by builder, once for each number of inputs
// it is called with. The inputs given to the builder are new variables, in the order of the CachedOp inputs.
func NewFromBuilder(rt *imperative.Runtime, name string, builder Builder) *CachedOp {
	c := newCachedOp(rt, name)
	c.builder = builder
	return c
}

func newCachedOp(rt *imperative.Runtime, name string) *CachedOp {
	if name == "" {
		name = "cachedop_" + uuid.NewString()[:8]
	}
	return &CachedOp{rt: rt, name: name, graphs: make(map[int]*forwardGraph)}
}

// Name of the CachedOp, also used for the nodes it is recorded as.
func (c *CachedOp) Name() string { return c.name }

// Runtime used to execute and record the CachedOp.
func (c *CachedOp) Runtime() *imperative.Runtime { return c.rt }

// Rebuilds returns how many times a forward graph or an execution plan was built: invocations that reuse a
// cached plan don't change it.
func (c *CachedOp) Rebuilds() int { return int(c.rebuilds.Load()) }

// NumPlans returns the number of cached execution plans.
func (c *CachedOp) NumPlans() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

// ForwardGraph returns the forward graph for the given number of inputs, building it if needed.
func (c *CachedOp) ForwardGraph(numInputs int) (*graph.Graph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fg, err := c.lockedForwardGraph(numInputs)
	if err != nil {
		return nil, err
	}
	return fg.sub.Graph, nil
}

// newForwardGraph creates the forward graph over outputs. Outputs that are variables, or that repeat another
// output, are given their own node with _copy, so that every output has its own buffer.
func (c *CachedOp) newForwardGraph(inputs []*graph.Node, outputs []graph.NodeEntry) (*forwardGraph, error) {
	outputs = slices.Clone(outputs)
	seen := make(map[graph.NodeEntry]bool, len(outputs))
	for ii, output := range outputs {
		if output.IsNone() {
			return nil, errors.Errorf("CachedOp %q: output #%d is empty", c.name, ii)
		}
		key := graph.NodeEntry{Node: output.Node, Index: output.Index}
		if output.Node.IsVariable() || seen[key] {
			outputs[ii] = ops.Copy.Apply(fmt.Sprintf("%s_out%d_copy", c.name, ii), nil, output).Entry(0)
		}
		seen[key] = true
	}
	sub := &infer.Subgraph{Graph: graph.New(outputs...), Inputs: inputs}
	idx := sub.Graph.Indexed()
	fg := &forwardGraph{
		sub:        sub,
		numOutputs: len(outputs),
		inputEIDs:  make([]int, len(inputs)),
		outputEIDs: make([]uint32, len(outputs)),
	}
	for ii, input := range inputs {
		if !input.IsVariable() {
			return nil, errors.Errorf("CachedOp %q: input #%d (%s) is not a variable", c.name, ii, input)
		}
		fg.inputEIDs[ii] = -1
		if nid, found := idx.NodeID(input); found {
			fg.inputEIDs[ii] = int(idx.EntryID(nid, 0))
		}
	}
	for _, nid := range idx.InputNodes() {
		if !slices.Contains(inputs, idx.Node(nid).Source) {
			return nil, errors.Errorf("CachedOp %q: the outputs depend on variable %q, which is not one of the inputs",
				c.name, idx.Node(nid).Source.Attrs.Name)
		}
	}
	for ii, output := range idx.Outputs() {
		fg.outputEIDs[ii] = idx.IndexedEntryID(output)
	}
	for nid := range idx.NumNodes() {
		node := idx.Node(uint32(nid)).Source
		if !node.IsVariable() && ops.OpOf(node) == nil {
			return nil, errors.Errorf("CachedOp %q: node %q operator %q is not an *ops.Op", c.name, node.Attrs.Name, node.OpName())
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("CachedOp %q: forward graph with %d inputs, %d outputs and %d nodes", c.name, len(inputs), len(outputs), idx.NumNodes())
	}
	return fg, nil
}

// lockedForwardGraph returns the forward graph for numInputs inputs. It must be called with c.mu locked.
func (c *CachedOp) lockedForwardGraph(numInputs int) (*forwardGraph, error) {
	if fg, found := c.graphs[numInputs]; found {
		return fg, nil
	}
	if c.builder == nil {
		return nil, errors.Errorf("CachedOp %q takes %d inputs, %d given", c.name, len(c.fixed.inputEIDs), numInputs)
	}
	inputs := make([]*graph.Node, numInputs)
	entries := make([]graph.NodeEntry, numInputs)
	for ii := range inputs {
		inputs[ii] = graph.Variable(fmt.Sprintf("%s_data%d", c.name, ii))
		entries[ii] = inputs[ii].Entry(0)
	}
	outputs, err := c.builder(entries)
	if err != nil {
		return nil, errors.WithMessagef(err, "CachedOp %q: building graph for %d inputs", c.name, numInputs)
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("CachedOp %q: builder returned no outputs for %d inputs", c.name, numInputs)
	}
	fg, err := c.newForwardGraph(inputs, outputs)
	if err != nil {
		return nil, err
	}
	c.graphs[numInputs] = fg
	c.rebuilds.Add(1)
	return fg, nil
}

// planKey is the number of inputs and, with static shapes, their shapes.
func (c *CachedOp) planKey(inputs []*ndarray.NDArray) string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(len(inputs)))
	if c.rt.Config().StaticShape {
		for _, input := range inputs {
			sb.WriteByte(';')
			sb.WriteString(input.Shape().String())
		}
	}
	return sb.String()
}

// matches returns whether the plan was built for the attributes of inputs.
func (p *plan) matches(inputs []*ndarray.NDArray) bool {
	if len(inputs) != len(p.inShapes) {
		return false
	}
	for ii, input := range inputs {
		if !input.Shape().Equal(p.inShapes[ii]) || input.DType() != p.inTypes[ii] || input.StorageType() != p.inSTypes[ii] {
			return false
		}
	}
	return true
}

// planFor returns the execution plan for inputs, building (and caching) it if needed.
func (c *CachedOp) planFor(inputs []*ndarray.NDArray) (*plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.planKey(inputs)
	position := -1
	for ii, p := range c.plans {
		if p.key == key {
			if p.matches(inputs) {
				return p, nil
			}
			position = ii
			break
		}
	}
	if position < 0 && len(c.plans) >= c.rt.Config().CacheMax {
		return nil, errors.Errorf("CachedOp %q: maximum cache size of %d plans reached, cannot create another one for "+
			"inputs %s: configure a larger cache_max", c.name, c.rt.Config().CacheMax, key)
	}
	fg, err := c.lockedForwardGraph(len(inputs))
	if err != nil {
		return nil, err
	}
	p, err := c.buildPlan(fg, key, inputs)
	if err != nil {
		return nil, err
	}
	// Plans are replaced, not mutated: running invocations may still use the previous one.
	if position >= 0 {
		c.plans[position] = p
	} else {
		c.plans = append(c.plans, p)
	}
	c.rebuilds.Add(1)
	return p, nil
}

// buildPlan infers the attributes of the forward graph for the given inputs.
func (c *CachedOp) buildPlan(fg *forwardGraph, key string, inputs []*ndarray.NDArray) (*plan, error) {
	g := fg.sub.Graph
	idx := g.Indexed()
	numEntries := idx.NumNodeEntries()
	p := &plan{
		fg:       fg,
		key:      key,
		inShapes: make([]shapes.Shape, len(inputs)),
		inTypes:  make([]dtypes.DType, len(inputs)),
		inSTypes: make([]stypes.StorageType, len(inputs)),
	}
	initialShapes := make([]shapes.Shape, numEntries)
	initialDTypes := make([]dtypes.DType, numEntries)
	initialSTypes := make([]stypes.StorageType, numEntries)
	for eid := range initialSTypes {
		initialSTypes[eid] = stypes.StorageUndefined
	}
	for ii, input := range inputs {
		p.inShapes[ii], p.inTypes[ii], p.inSTypes[ii] = input.Shape(), input.DType(), input.StorageType()
		if eid := fg.inputEIDs[ii]; eid >= 0 {
			initialShapes[eid], initialDTypes[eid], initialSTypes[eid] = p.inShapes[ii], p.inTypes[ii], p.inSTypes[ii]
		}
	}

	shapeResult, err := infer.InferShape(g, nil, "", infer.WithInitial(initialShapes))
	if err == nil {
		err = shapeResult.CheckComplete()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "CachedOp %q: inferring shapes", c.name)
	}
	dtypeResult, err := infer.InferType(g, nil, "", infer.WithInitial(initialDTypes))
	if err == nil {
		err = dtypeResult.CheckComplete()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "CachedOp %q: inferring dtypes", c.name)
	}
	devMasks := make([]int, idx.NumNodes())
	for ii := range devMasks {
		devMasks[ii] = c.rt.Device().DevMask()
	}
	stypeResult, err := infer.InferStorageType(g, nil, "", infer.WithInitial(initialSTypes), infer.WithDevMasks(devMasks),
		infer.WithVerbose(c.rt.Config().VerboseStorageType))
	if err != nil {
		return nil, errors.WithMessagef(err, "CachedOp %q: inferring storage types", c.name)
	}
	p.forward = &exec.Plan{
		Graph:         g,
		Shapes:        shapeResult.Values,
		DTypes:        dtypeResult.Values,
		STypes:        stypeResult.Values,
		DispatchModes: stypeResult.DispatchModes,
	}
	if klog.V(1).Enabled() {
		klog.Infof("CachedOp %q: built plan %q (%d sweeps for shapes)", c.name, key, shapeResult.Sweeps)
	}
	return p, nil
}

// Forward executes the CachedOp on inputs, writing to outputs. Outputs may be nil (or have nil elements), in
// which case they are allocated. It returns the outputs.
//
// If the scope of ctx is recording, the buffers needed by the backward pass are retained in the returned State,
// and the invocation is recorded in the runtime, so imperative.Runtime.Backward differentiates through it.
// Otherwise the returned State is nil.
func (c *CachedOp) Forward(ctx context.Context, inputs, outputs []*ndarray.NDArray) ([]*ndarray.NDArray, *State, error) {
	scope := imperative.ScopeFrom(ctx)
	recording := scope.IsRecording()
	if recording {
		for ii, output := range outputs {
			if output != nil && c.rt.IsRecorded(output) {
				return nil, nil, errors.Errorf("CachedOp %q: output #%d is already part of a recorded graph", c.name, ii)
			}
		}
	}
	outputs, st, err := c.forward(ctx, inputs, outputs, scope.IsTraining(), recording)
	if err != nil {
		return nil, nil, err
	}
	if recording {
		attrs := graph.NodeAttrs{Op: CachedOpOp, Name: c.name, Parsed: &opAttrs{op: c, fg: st.plan.fg}}
		if err := c.rt.RecordOp(attrs, inputs, outputs, &ops.State{Value: st}, nil, nil); err != nil {
			return nil, nil, err
		}
	}
	return outputs, st, nil
}

// forward runs the forward graph. If retain is set, the buffers used by the backward pass are kept in the
// returned State.
func (c *CachedOp) forward(ctx context.Context, inputs, outputs []*ndarray.NDArray, isTrain, retain bool) (
	[]*ndarray.NDArray, *State, error) {
	for ii, input := range inputs {
		if input == nil || !input.HasData() {
			return nil, nil, errors.Errorf("CachedOp %q: input #%d has no data", c.name, ii)
		}
	}
	p, err := c.planFor(inputs)
	if err != nil {
		return nil, nil, err
	}
	fg := p.fg
	if outputs == nil {
		outputs = make([]*ndarray.NDArray, fg.numOutputs)
	} else if len(outputs) != fg.numOutputs {
		return nil, nil, errors.Errorf("CachedOp %q has %d outputs, %d given", c.name, fg.numOutputs, len(outputs))
	}
	idx := p.forward.Graph.Indexed()

	arrays := make([]*ndarray.NDArray, idx.NumNodeEntries())
	for ii, input := range inputs {
		if eid := fg.inputEIDs[ii]; eid >= 0 {
			arrays[eid] = input
		}
	}
	for ii, output := range outputs {
		if output == nil {
			continue
		}
		eid := fg.outputEIDs[ii]
		if !output.Shape().Equal(p.forward.Shapes[eid]) || output.DType() != p.forward.DTypes[eid] {
			return nil, nil, nnerrors.Inconsistentf("CachedOp %q: output #%d is %s %s, but %s %s was inferred",
				c.name, ii, output.DType(), output.Shape(), p.forward.DTypes[eid], p.forward.Shapes[eid])
		}
		arrays[eid] = output
	}
	refCounts := exec.RefCounts(idx, 0, idx.NumNodes())
	if retain {
		full, err := c.fullGraphOf(fg)
		if err != nil {
			return nil, nil, err
		}
		for eid, keep := range full.keep {
			if keep {
				refCounts[eid]++
			}
		}
	}
	run := &exec.Run{
		Plan:      p.forward,
		Arrays:    arrays,
		RefCounts: refCounts,
		OpContext: ops.OpContext{IsTrain: isTrain, NeedGrad: retain, Device: c.rt.Device()},
	}
	runCtx := imperative.ScopeFrom(ctx).WithTraining(isTrain).WithRecording(false).Attach(ctx)
	if err := c.rt.Driver().RunGraph(runCtx, run, 0, idx.NumNodes()); err != nil {
		return nil, nil, errors.WithMessagef(err, "CachedOp %q", c.name)
	}
	for ii, eid := range fg.outputEIDs {
		outputs[ii] = run.Arrays[eid]
	}
	if !retain {
		return outputs, nil, nil
	}
	st := &State{
		ID:     uuid.New(),
		op:     c,
		plan:   p,
		arrays: run.Arrays,
		states: run.States,
	}
	if klog.V(2).Enabled() {
		klog.Infof("CachedOp %q: forward state %s retained", c.name, st.ID)
	}
	return outputs, st, nil
}
