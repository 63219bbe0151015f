// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package exec is the execution driver: it runs the nodes of an indexed graph over concrete arrays, calling each
// operator's compute function with the entry point selected by storage-type inference, honoring the requested
// write semantics, and releasing intermediate arrays as soon as their last consumer has run.
package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/internal/workerspool"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/storage"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode of execution of the driver.
type Mode int

const (
	// Sequential runs the nodes one at a time, in topological order.
	Sequential Mode = iota

	// Parallel runs nodes whose inputs are ready concurrently, on the worker pool.
	Parallel

	// Dynamic runs in parallel when only one graph is being executed, and sequentially when several graphs run
	// concurrently (they already compete for the CPUs).
	Dynamic
)

var modeNames = []string{"sequential", "parallel", "dynamic"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode parses the name of an execution mode.
func ParseMode(name string) (Mode, error) {
	for ii, modeName := range modeNames {
		if strings.EqualFold(name, modeName) {
			return Mode(ii), nil
		}
	}
	return Sequential, errors.Errorf("unknown execution mode %q, valid values are %v", name, modeNames)
}

// Plan holds the per-entry attributes (by entry id) and per-node dispatch modes used to run a graph.
type Plan struct {
	Graph         *graph.Graph
	Shapes        []shapes.Shape
	DTypes        []dtypes.DType
	STypes        []stypes.StorageType
	DispatchModes []stypes.DispatchMode
}

// NewPlan creates a Plan from the inference results stored in the graph. Shapes and dtypes must have been
// inferred; missing storage types default to dense, and missing dispatch modes to FCompute.
func NewPlan(g *graph.Graph) (*Plan, error) {
	idx := g.Indexed()
	plan := &Plan{Graph: g}
	var found bool
	if plan.Shapes, found = graph.GetAttr[[]shapes.Shape](g, graph.AttrShape); !found || len(plan.Shapes) != idx.NumNodeEntries() {
		return nil, nnerrors.Incompletef("exec.NewPlan: graph shapes have not been inferred")
	}
	if plan.DTypes, found = graph.GetAttr[[]dtypes.DType](g, graph.AttrDType); !found || len(plan.DTypes) != idx.NumNodeEntries() {
		return nil, nnerrors.Incompletef("exec.NewPlan: graph dtypes have not been inferred")
	}
	plan.STypes, _ = graph.GetAttr[[]stypes.StorageType](g, graph.AttrStorageType)
	plan.DispatchModes, _ = graph.GetAttr[[]stypes.DispatchMode](g, graph.AttrDispatchMode)
	return plan, nil
}

func (p *Plan) stype(eid uint32) stypes.StorageType {
	if int(eid) < len(p.STypes) && p.STypes[eid] != stypes.StorageUndefined {
		return p.STypes[eid]
	}
	return stypes.StorageDefault
}

func (p *Plan) dispatchMode(nid uint32) stypes.DispatchMode {
	if int(nid) < len(p.DispatchModes) && p.DispatchModes[nid] != stypes.DispatchUndefined {
		return p.DispatchModes[nid]
	}
	return stypes.DispatchFCompute
}

// Recorder is called after each node is executed, when the execution itself is being recorded for
// differentiation.
type Recorder func(attrs *graph.NodeAttrs, inputs, outputs []*ndarray.NDArray, state *ops.State) error

// Run holds the buffers of one execution of a Plan. Slices are indexed by entry id, except States, indexed by
// node id.
type Run struct {
	Plan *Plan

	// Arrays bound to each entry. Entries left nil and with a request other than NullOp are allocated by the
	// driver from the plan attributes.
	Arrays []*ndarray.NDArray

	// Reqs is the write request for each entry. If nil, all are WriteTo.
	Reqs []ops.OpReqType

	// RefCounts is the number of pending consumers of each entry: an array is dropped (and its storage released
	// if allocated by the driver) when it reaches zero. If nil, arrays are never dropped.
	RefCounts []int

	// States of stateful operators. Created on first use if nil.
	States []*ops.State

	// OpContext passed to every kernel.
	OpContext ops.OpContext

	// Recorder, if set, is called after each node.
	Recorder Recorder

	// owned marks the entries allocated by the driver.
	owned []bool
	mu    sync.Mutex
}

// Driver executes graphs. It is safe for concurrent use.
type Driver struct {
	alloc  storage.Allocator
	device stypes.Device
	mode   Mode
	pool   *workerspool.Pool

	numLive atomic.Int32
}

// workerKey marks the context of kernels executed by a pool worker: graphs run from within those kernels (e.g.:
// cached operators) lend the worker's slot back to the pool while they wait.
type workerKey struct{}

// New creates a Driver allocating arrays with alloc on device. parallelism is the soft limit of kernels running
// concurrently in Parallel or Dynamic modes: 0 means inline execution and -1 unlimited.
func New(alloc storage.Allocator, device stypes.Device, mode Mode, parallelism int) *Driver {
	d := &Driver{alloc: alloc, device: device, mode: mode}
	if mode != Sequential {
		d.pool = workerspool.New(parallelism)
	}
	return d
}

// Mode returns the mode of execution of the driver.
func (d *Driver) Mode() Mode { return d.mode }

// Allocator used by the driver.
func (d *Driver) Allocator() storage.Allocator { return d.alloc }

// Device where arrays are allocated.
func (d *Driver) Device() stypes.Device { return d.device }

// RunGraph executes the nodes with ids in [nodeStart, nodeEnd) of the run's graph.
func (d *Driver) RunGraph(ctx context.Context, run *Run, nodeStart, nodeEnd int) error {
	idx := run.Plan.Graph.Indexed()
	if nodeStart < 0 || nodeStart > nodeEnd || nodeEnd > idx.NumNodes() {
		return errors.Errorf("RunGraph: invalid node range [%d, %d) for graph with %d nodes", nodeStart, nodeEnd, idx.NumNodes())
	}
	if len(run.Arrays) != idx.NumNodeEntries() {
		return errors.Errorf("RunGraph: %d arrays given for a graph with %d entries", len(run.Arrays), idx.NumNodeEntries())
	}
	if run.States == nil {
		run.States = make([]*ops.State, idx.NumNodes())
	}
	if len(run.owned) != idx.NumNodeEntries() {
		run.owned = make([]bool, idx.NumNodeEntries())
	}

	d.numLive.Add(1)
	defer d.numLive.Add(-1)
	parallel := d.pool != nil && !d.pool.IsInline() && (d.mode == Parallel || (d.mode == Dynamic && d.numLive.Load() == 1))
	if klog.V(1).Enabled() {
		klog.Infof("exec: running nodes [%d, %d) (%s, parallel=%v)", nodeStart, nodeEnd, d.mode, parallel)
	}
	if parallel {
		return d.runParallel(ctx, run, uint32(nodeStart), uint32(nodeEnd))
	}
	for nid := uint32(nodeStart); nid < uint32(nodeEnd); nid++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "RunGraph interrupted")
		}
		if err := d.runNode(ctx, run, nid); err != nil {
			return err
		}
	}
	return nil
}

// runParallel executes nodes as soon as their inputs (and control dependencies) in the range are done.
func (d *Driver) runParallel(ctx context.Context, run *Run, nodeStart, nodeEnd uint32) error {
	idx := run.Plan.Graph.Indexed()
	numNodes := int(nodeEnd - nodeStart)
	if numNodes == 0 {
		return nil
	}
	if ctx.Value(workerKey{}) == d.pool {
		d.pool.WorkerIsAsleep()
		defer d.pool.WorkerRestarted()
	}
	workerCtx := context.WithValue(ctx, workerKey{}, d.pool)
	remainingDeps := make([]int, numNodes)
	dependents := make([][]uint32, numNodes)
	inRange := func(nid uint32) bool { return nid >= nodeStart && nid < nodeEnd }
	for nid := nodeStart; nid < nodeEnd; nid++ {
		inode := idx.Node(nid)
		seen := make(map[uint32]bool)
		addDep := func(dep uint32) {
			if !inRange(dep) || seen[dep] {
				return
			}
			seen[dep] = true
			remainingDeps[nid-nodeStart]++
			dependents[dep-nodeStart] = append(dependents[dep-nodeStart], nid)
		}
		for _, input := range inode.Inputs {
			addDep(input.NodeID)
		}
		for _, dep := range inode.ControlDeps {
			addDep(dep)
		}
	}

	var (
		execMu        sync.Mutex
		collectErrors []error
		completed     int
		wg            sync.WaitGroup
	)
	readyToExecute := make(chan uint32, numNodes)
	stopExecutionFn := sync.OnceFunc(func() { close(readyToExecute) })
	for nid := nodeStart; nid < nodeEnd; nid++ {
		if remainingDeps[nid-nodeStart] == 0 {
			readyToExecute <- nid
		}
	}
	for nid := range readyToExecute {
		nodeExecFn := func() {
			defer wg.Done()
			err := ctx.Err()
			if err == nil {
				err = d.runNode(workerCtx, run, nid)
			}
			execMu.Lock()
			defer execMu.Unlock()
			if len(collectErrors) > 0 {
				// Interrupted already.
				return
			}
			if err != nil {
				collectErrors = append(collectErrors, err)
				stopExecutionFn()
				return
			}
			completed++
			if completed == numNodes {
				stopExecutionFn()
				return
			}
			for _, dependent := range dependents[nid-nodeStart] {
				remainingDeps[dependent-nodeStart]--
				if remainingDeps[dependent-nodeStart] == 0 {
					readyToExecute <- dependent
				}
			}
		}
		wg.Add(1)
		d.pool.WaitToStart(nodeExecFn)
	}
	wg.Wait()
	if len(collectErrors) > 0 {
		return collectErrors[0]
	}
	return nil
}

// runNode executes one node of the run.
func (d *Driver) runNode(ctx context.Context, run *Run, nid uint32) error {
	idx := run.Plan.Graph.Indexed()
	inode := idx.Node(nid)
	node := inode.Source
	if node.IsVariable() {
		return nil
	}
	op := ops.OpOf(node)
	if op == nil {
		return errors.Errorf("node %q: operator %q is not an *ops.Op", node.Attrs.Name, node.OpName())
	}

	inputs := make([]*ndarray.NDArray, len(inode.Inputs))
	for ii, input := range inode.Inputs {
		eid := idx.IndexedEntryID(input)
		inputs[ii] = run.Arrays[eid]
		if inputs[ii] == nil {
			return errors.Errorf("node %q (%s): input #%d (entry %s) has no array bound", node.Attrs.Name, op.Name, ii, input)
		}
	}
	numOutputs := node.NumOutputs()
	outputs := make([]*ndarray.NDArray, numOutputs)
	reqs := make([]ops.OpReqType, numOutputs)
	for ii := range numOutputs {
		eid := idx.EntryID(nid, uint32(ii))
		reqs[ii] = ops.WriteTo
		if run.Reqs != nil {
			reqs[ii] = run.Reqs[eid]
		}
		outputs[ii] = run.Arrays[eid]
		if outputs[ii] == nil && reqs[ii] != ops.NullOp {
			array, err := ndarray.NewWithStorageType(d.alloc, run.Plan.Shapes[eid], run.Plan.DTypes[eid], run.Plan.stype(eid), d.device)
			if err != nil {
				return errors.WithMessagef(err, "allocating output #%d of node %q (%s)", ii, node.Attrs.Name, op.Name)
			}
			outputs[ii] = array
			run.Arrays[eid] = array
			run.owned[eid] = true
		}
	}

	state, err := d.nodeState(run, nid, op, inputs)
	if err != nil {
		return err
	}
	octx := run.OpContext
	octx.State = state
	if klog.V(3).Enabled() {
		klog.Infof("exec: node #%d %q (%s), dispatch %s", nid, node.Attrs.Name, op.Name, run.Plan.dispatchMode(nid))
	}
	if err := d.InvokeOp(ctx, &octx, &node.Attrs, run.Plan.dispatchMode(nid), inputs, reqs, outputs); err != nil {
		return errors.WithMessagef(err, "executing node %q (%s)", node.Attrs.Name, op.Name)
	}
	if run.Recorder != nil {
		if err := run.Recorder(&node.Attrs, inputs, outputs, state); err != nil {
			return err
		}
	}
	d.releaseConsumed(run, nid)
	return nil
}

// nodeState returns the state of a stateful node, creating it on first use. Backward operators that use the
// state of their forward node take it from their first control dependency.
func (d *Driver) nodeState(run *Run, nid uint32, op *ops.Op, inputs []*ndarray.NDArray) (*ops.State, error) {
	idx := run.Plan.Graph.Indexed()
	node := idx.Node(nid).Source
	if op.UsesForwardState {
		if len(node.ControlDeps) == 0 {
			return nil, errors.Errorf("node %q (%s) uses the forward state, but it has no forward node", node.Attrs.Name, op.Name)
		}
		fnid, found := idx.NodeID(node.ControlDeps[0])
		if !found || run.States[fnid] == nil {
			return nil, nnerrors.StaleStatef("node %q (%s): state of forward node %q is not available",
				node.Attrs.Name, op.Name, node.ControlDeps[0].Attrs.Name)
		}
		return run.States[fnid], nil
	}
	if op.CreateState == nil {
		return nil, nil
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.States[nid] == nil {
		inShapes := make([]shapes.Shape, len(inputs))
		inTypes := make([]dtypes.DType, len(inputs))
		for ii, input := range inputs {
			inShapes[ii], inTypes[ii] = input.Shape(), input.DType()
		}
		state, err := op.CreateState(&node.Attrs, d.device, inShapes, inTypes)
		if err != nil {
			return nil, errors.WithMessagef(err, "creating state of node %q (%s)", node.Attrs.Name, op.Name)
		}
		run.States[nid] = state
	}
	return run.States[nid], nil
}

// releaseConsumed decrements the reference counts of the node's inputs, and drops the arrays no longer needed.
func (d *Driver) releaseConsumed(run *Run, nid uint32) {
	if run.RefCounts == nil {
		return
	}
	idx := run.Plan.Graph.Indexed()
	inode := idx.Node(nid)
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, input := range inode.Inputs {
		eid := idx.IndexedEntryID(input)
		run.RefCounts[eid]--
		if run.RefCounts[eid] == 0 {
			d.lockedRelease(run, eid)
		}
	}
	for ii := range inode.Source.NumOutputs() {
		if eid := idx.EntryID(nid, uint32(ii)); run.RefCounts[eid] <= 0 {
			d.lockedRelease(run, eid)
		}
	}
}

func (d *Driver) lockedRelease(run *Run, eid uint32) {
	array := run.Arrays[eid]
	if array == nil {
		return
	}
	run.Arrays[eid] = nil
	// Recorded executions keep references to the arrays, so their storage is left to the garbage collector.
	if run.owned[eid] && run.Recorder == nil {
		array.Release()
	}
}

// InvokeOp calls the compute function of the operator selected by mode. For FCompute and FComputeFallback
// modes, non-dense inputs are converted to dense temporary copies.
func (d *Driver) InvokeOp(ctx context.Context, octx *ops.OpContext, attrs *graph.NodeAttrs, mode stypes.DispatchMode,
	inputs []*ndarray.NDArray, reqs []ops.OpReqType, outputs []*ndarray.NDArray) error {
	op, ok := attrs.Op.(*ops.Op)
	if !ok || op == nil {
		return errors.Errorf("node %q: operator %v is not an *ops.Op", attrs.Name, attrs.Op)
	}
	if octx.Device.Type == 0 {
		octx.Device = d.device
	}
	switch mode {
	case stypes.DispatchFComputeEx:
		if op.ComputeEx == nil {
			return nnerrors.Unsupportedf("operator %s has no storage specialized compute function", op.Name)
		}
		return callKernel(op.ComputeEx, ctx, octx, attrs, inputs, reqs, outputs)
	case stypes.DispatchVariable:
		return errors.Errorf("operator %s: cannot execute a variable", op.Name)
	}
	if op.Compute == nil {
		return nnerrors.Unsupportedf("operator %s has no compute function", op.Name)
	}
	denseInputs := inputs
	var temporaries []*ndarray.NDArray
	for ii, input := range inputs {
		if input.StorageType() == stypes.StorageDefault || input.StorageType() == stypes.StorageUndefined {
			continue
		}
		if len(temporaries) == 0 {
			denseInputs = make([]*ndarray.NDArray, len(inputs))
			copy(denseInputs, inputs)
		}
		dense, err := input.CastStorage(stypes.StorageDefault)
		if err != nil {
			return errors.WithMessagef(err, "operator %s: converting input #%d to dense", op.Name, ii)
		}
		denseInputs[ii] = dense
		temporaries = append(temporaries, dense)
	}
	defer func() {
		for _, temporary := range temporaries {
			temporary.Release()
		}
	}()
	return callKernel(op.Compute, ctx, octx, attrs, denseInputs, reqs, outputs)
}

// callKernel calls the compute function, converting panics to errors.
func callKernel(fn ops.FCompute, ctx context.Context, octx *ops.OpContext, attrs *graph.NodeAttrs,
	inputs []*ndarray.NDArray, reqs []ops.OpReqType, outputs []*ndarray.NDArray) (err error) {
	exception := exceptions.Try(func() {
		err = fn(ctx, octx, attrs, inputs, reqs, outputs)
	})
	if exception != nil {
		if e, isErr := exception.(error); isErr {
			return errors.WithMessagef(e, "kernel of %s panicked", attrs.Name)
		}
		return errors.Errorf("kernel of %s panicked: %v", attrs.Name, exception)
	}
	return err
}

// RefCounts returns, for each entry, the number of consumers among the nodes in [nodeStart, nodeEnd), plus
// one for each time the entry is a graph output.
func RefCounts(idx *graph.IndexedGraph, nodeStart, nodeEnd int) []int {
	counts := make([]int, idx.NumNodeEntries())
	for nid := nodeStart; nid < nodeEnd; nid++ {
		for _, input := range idx.Node(uint32(nid)).Inputs {
			counts[idx.IndexedEntryID(input)]++
		}
	}
	for _, output := range idx.Outputs() {
		counts[idx.IndexedEntryID(output)]++
	}
	return counts
}
