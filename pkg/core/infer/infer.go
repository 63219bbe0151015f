// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package infer implements attribute inference over a graph: shapes, dtypes and storage types (with the
// dispatch mode of each operator node).
//
// The three kinds share one fixed-point engine, parameterized by a policy per attribute kind. The engine keeps
// one attribute vector indexed by entry id, seeded from previous results, call-site inputs, hints and variable
// attributes, and sweeps the nodes alternating ascending and descending topological order, calling the operator
// inference functions, until every entry is known or a sweep makes no progress.
//
// Results are returned and also persisted in the graph attribute store, under the keys graph.AttrShape,
// graph.AttrDType and graph.AttrStorageType (plus graph.AttrDispatchMode for storage types).
package infer

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// inferFn is the common signature the engine uses for the operator inference functions of every kind.
// devMask and mode are only meaningful for storage types.
type inferFn[T any] func(attrs *graph.NodeAttrs, devMask int, mode *stypes.DispatchMode, in, out []T) (bool, error)

// policy describes one attribute kind.
type policy[T any] struct {
	kind  string
	empty func() T

	// isNone returns whether a value is not fully known.
	isNone func(T) bool

	// numUnknown is the weight of a not fully known value when measuring progress.
	numUnknown func(T) int

	equal func(a, b T) bool
	parse func(literal string) (T, error)

	// infer returns the operator's own inference function, or nil if it declares none.
	infer func(op *ops.Op) inferFn[T]

	// fallback is used for operators that don't declare an inference function. It can be nil.
	fallback inferFn[T]

	// backwardIdentity enables copying attributes between backward nodes and their forward nodes.
	backwardIdentity bool

	// dispatch enables the dispatch-mode vector, for storage types.
	dispatch bool

	// dynamic enables tracking of entries with data-dependent values, for shapes.
	dynamic bool
}

// Result of an inference run.
type Result[T any] struct {
	// Values indexed by entry id.
	Values []T

	// NumUnknown is the weighted count of entries (and dispatch modes) in the entry range still not fully known.
	NumUnknown int

	// Sweeps is the number of sweeps over the nodes executed.
	Sweeps int

	// Dynamic marks, for shapes, entries whose shape depends on the data.
	Dynamic []bool

	// DispatchModes indexed by node id, for storage types.
	DispatchModes []stypes.DispatchMode

	kind       string
	idx        *graph.IndexedGraph
	isNone     func(T) bool
	entryStart uint32
	entryEnd   uint32
}

// CheckComplete returns an ErrIncomplete error naming the first entry (in the inferred entry range) left unknown,
// or nil if inference completed.
func (r *Result[T]) CheckComplete() error {
	if r.NumUnknown == 0 {
		return nil
	}
	for nid := range r.idx.NumNodes() {
		inode := r.idx.Node(uint32(nid))
		for ii := range inode.Source.NumOutputs() {
			eid := r.idx.EntryID(uint32(nid), uint32(ii))
			if eid < r.entryStart || eid >= r.entryEnd || !r.isNone(r.Values[eid]) {
				continue
			}
			return nnerrors.Incompletef("cannot infer %s of output #%d of node %q (%s): %d unknown remain in the graph",
				r.kind, ii, inode.Source.Attrs.Name, inode.Source.OpName(), r.NumUnknown)
		}
	}
	return nnerrors.Incompletef("cannot infer %s of all the graph: %d unknown remain", r.kind, r.NumUnknown)
}

// Option configures an inference run.
type Option func(cfg *config)

type config struct {
	nodeStart, nodeEnd   int
	entryStart, entryEnd int
	hints                any
	initial              any
	devMasks             []int
	dispatchModes        []stypes.DispatchMode
	verbose              bool
}

// WithNodeRange restricts the sweeps to the nodes with ids in [start, end).
func WithNodeRange(start, end int) Option {
	return func(cfg *config) { cfg.nodeStart, cfg.nodeEnd = start, end }
}

// WithEntryRange restricts the counting of unknowns to the entries with ids in [start, end).
func WithEntryRange(start, end int) Option {
	return func(cfg *config) { cfg.entryStart, cfg.entryEnd = start, end }
}

// WithHints seeds the values of specific entries. T must match the attribute kind.
func WithHints[T any](hints map[graph.NodeEntry]T) Option {
	return func(cfg *config) { cfg.hints = hints }
}

// WithInitial seeds the full attribute vector (indexed by entry id). T must match the attribute kind.
// It takes precedence over values previously stored in the graph.
func WithInitial[T any](values []T) Option {
	return func(cfg *config) { cfg.initial = values }
}

// WithDevMasks sets the device mask of each node, for storage-type inference. Default is CPU for all.
func WithDevMasks(masks []int) Option {
	return func(cfg *config) { cfg.devMasks = masks }
}

// WithDispatchModes seeds the dispatch modes of the nodes, for storage-type inference.
func WithDispatchModes(modes []stypes.DispatchMode) Option {
	return func(cfg *config) { cfg.dispatchModes = modes }
}

// WithVerbose enables logging of the storage-type inference results.
func WithVerbose(verbose bool) Option {
	return func(cfg *config) { cfg.verbose = verbose }
}

// runner holds the state of one inference run.
type runner[T any] struct {
	g   *graph.Graph
	idx *graph.IndexedGraph
	p   *policy[T]
	cfg *config

	attrKey  string
	values   []T
	modes    []stypes.DispatchMode
	devMasks []int
	dynamic  []bool

	nodeStart, nodeEnd   uint32
	entryStart, entryEnd uint32

	// derivedBackward holds backward links derived for nodes that don't carry one (e.g.: loaded graphs).
	derivedBackward map[*graph.Node]*graph.BackwardInfo
}

// run executes the inference for the policy p. Errors raised (panicked) deep in the sweeps are converted back to
// errors here.
func run[T any](g *graph.Graph, p *policy[T], inputs []T, attrKey string, opts []Option) (*Result[T], error) {
	cfg := &config{nodeStart: -1, nodeEnd: -1, entryStart: -1, entryEnd: -1}
	for _, opt := range opts {
		opt(cfg)
	}
	var result *Result[T]
	err := exceptions.TryCatch[error](func() {
		r := newRunner(g, p, cfg, attrKey)
		r.seed(inputs)
		result = r.converge()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func newRunner[T any](g *graph.Graph, p *policy[T], cfg *config, attrKey string) *runner[T] {
	idx := g.Indexed()
	r := &runner[T]{
		g: g, idx: idx, p: p, cfg: cfg, attrKey: attrKey,
		derivedBackward: make(map[*graph.Node]*graph.BackwardInfo),
	}
	numNodes, numEntries := idx.NumNodes(), idx.NumNodeEntries()
	r.nodeStart, r.nodeEnd = rangeOrDefault(cfg.nodeStart, cfg.nodeEnd, numNodes, "node")
	r.entryStart, r.entryEnd = rangeOrDefault(cfg.entryStart, cfg.entryEnd, numEntries, "entry")
	return r
}

func rangeOrDefault(start, end, size int, name string) (uint32, uint32) {
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = size
	}
	if start > end || end > size {
		exceptions.Panicf("invalid %s range [%d, %d) for a graph with %d %ss", name, start, end, size, name)
	}
	return uint32(start), uint32(end)
}

// seed initializes the attribute vector: previous values (or the given initial vector), call-site inputs,
// hints, and finally variable attributes (during the sweeps).
func (r *runner[T]) seed(inputs []T) {
	numEntries := r.idx.NumNodeEntries()
	r.values = make([]T, numEntries)
	for ii := range r.values {
		r.values[ii] = r.p.empty()
	}
	if r.cfg.initial != nil {
		initial, ok := r.cfg.initial.([]T)
		if !ok {
			exceptions.Panicf("infer %s: initial values of type %T given, wanted %T", r.p.kind, r.cfg.initial, r.values)
		}
		if len(initial) != numEntries {
			exceptions.Panicf("infer %s: %d initial values given, but graph has %d entries", r.p.kind, len(initial), numEntries)
		}
		copy(r.values, initial)
	} else if previous, found := graph.GetAttr[[]T](r.g, r.p.kind); found && len(previous) == numEntries {
		copy(r.values, previous)
	}

	inputNodes := r.idx.InputNodes()
	if len(inputs) > len(inputNodes) {
		panic(errors.Errorf("infer %s: %d inputs given, but the graph has only %d arguments",
			r.p.kind, len(inputs), len(inputNodes)))
	}
	for ii, value := range inputs {
		// Unknown call-site values don't erase initial or stored ones.
		if r.p.isNone(value) {
			continue
		}
		r.values[r.idx.EntryID(inputNodes[ii], 0)] = value
	}

	for _, hintsAny := range []any{r.g.Attrs, r.cfg.hints} {
		var hints map[graph.NodeEntry]T
		if store, isStore := hintsAny.(*graph.AttrStore); isStore {
			if stored, found := store.Get(r.p.kind + graph.HintsSuffix); found {
				hints, _ = stored.(map[graph.NodeEntry]T)
			}
		} else if hintsAny != nil {
			var ok bool
			hints, ok = hintsAny.(map[graph.NodeEntry]T)
			if !ok {
				exceptions.Panicf("infer %s: hints of type %T given, wanted map[graph.NodeEntry]%T", r.p.kind, hintsAny, r.p.empty())
			}
		}
		for entry, value := range hints {
			if nid, found := r.idx.NodeID(entry.Node); found {
				r.values[r.idx.EntryID(nid, entry.Index)] = value
			}
		}
	}

	numNodes := r.idx.NumNodes()
	if r.p.dispatch {
		r.modes = make([]stypes.DispatchMode, numNodes)
		if r.cfg.dispatchModes != nil {
			if len(r.cfg.dispatchModes) != numNodes {
				exceptions.Panicf("infer %s: %d dispatch modes given, but graph has %d nodes", r.p.kind, len(r.cfg.dispatchModes), numNodes)
			}
			copy(r.modes, r.cfg.dispatchModes)
		} else if previous, found := graph.GetAttr[[]stypes.DispatchMode](r.g, graph.AttrDispatchMode); found && len(previous) == numNodes {
			copy(r.modes, previous)
		}
		r.devMasks = make([]int, numNodes)
		switch {
		case r.cfg.devMasks != nil:
			if len(r.cfg.devMasks) != numNodes {
				exceptions.Panicf("infer %s: %d device masks given, but graph has %d nodes", r.p.kind, len(r.cfg.devMasks), numNodes)
			}
			copy(r.devMasks, r.cfg.devMasks)
		default:
			if previous, found := graph.GetAttr[[]int](r.g, graph.AttrDevMask); found && len(previous) == numNodes {
				copy(r.devMasks, previous)
			} else {
				for ii := range r.devMasks {
					r.devMasks[ii] = stypes.CPUMask
				}
			}
		}
	}
	if r.p.dynamic {
		r.dynamic = make([]bool, numEntries)
	}
}

// converge runs the sweeps until all is known or no more progress is made, and persists the results.
func (r *runner[T]) converge() *Result[T] {
	numUnknown := math.MaxInt
	var sweeps int
	for iter := 0; ; iter++ {
		direction := "ascending"
		if iter%2 == 0 {
			for nid := r.nodeStart; nid < r.nodeEnd; nid++ {
				r.step(nid)
			}
		} else {
			direction = "descending"
			for nid := r.nodeEnd; nid > r.nodeStart; nid-- {
				r.step(nid - 1)
			}
		}
		sweeps++
		last := numUnknown
		numUnknown = r.countUnknown()
		if klog.V(2).Enabled() {
			klog.Infof("infer %s: sweep #%d (%s): %d unknown", r.p.kind, sweeps, direction, numUnknown)
		}
		if numUnknown == 0 || numUnknown >= last {
			break
		}
	}
	if numUnknown > 0 {
		r.checkMissingInference()
	}

	r.g.Attrs.Set(r.p.kind, r.values)
	r.g.Attrs.Set(r.p.kind+graph.NumUnknownSuffix, numUnknown)
	result := &Result[T]{
		Values:     r.values,
		NumUnknown: numUnknown,
		Sweeps:     sweeps,
		kind:       r.p.kind,
		idx:        r.idx,
		isNone:     r.p.isNone,
		entryStart: r.entryStart,
		entryEnd:   r.entryEnd,
	}
	if r.p.dispatch {
		r.g.Attrs.Set(graph.AttrDispatchMode, r.modes)
		r.g.Attrs.Set(graph.AttrDevMask, r.devMasks)
		result.DispatchModes = r.modes
		if r.cfg.verbose || verboseFromEnv() {
			logStorageTypes(r.idx, any(r.values), r.modes, r.nodeStart, r.nodeEnd)
		}
	}
	if r.p.dynamic {
		r.g.Attrs.Set(graph.AttrShapeDynamic, r.dynamic)
		result.Dynamic = r.dynamic
	}
	return result
}

func (r *runner[T]) countUnknown() int {
	var count int
	for eid := r.entryStart; eid < r.entryEnd; eid++ {
		if r.p.isNone(r.values[eid]) {
			count += r.p.numUnknown(r.values[eid])
		}
	}
	if r.p.dispatch {
		for nid := r.nodeStart; nid < r.nodeEnd; nid++ {
			if r.modes[nid] == stypes.DispatchUndefined {
				count++
			}
		}
	}
	return count
}

// step runs the inference for one node.
func (r *runner[T]) step(nid uint32) {
	inode := r.idx.Node(nid)
	node := inode.Source
	if node.IsVariable() {
		eid := r.idx.EntryID(nid, 0)
		if r.attrKey != "" && r.p.isNone(r.values[eid]) {
			if literal, found := node.Attrs.Dict[r.attrKey]; found {
				value, err := r.p.parse(literal)
				if err != nil {
					panic(errors.WithMessagef(err, "variable %q: invalid %s attribute %q", node.Attrs.Name, r.attrKey, literal))
				}
				r.values[eid] = value
			}
		}
		if r.p.dispatch {
			ops.DispatchModeAssign(&r.modes[nid], stypes.DispatchVariable)
		}
		return
	}

	op := ops.OpOf(node)
	if op == nil {
		exceptions.Panicf("node %q: operator %q is not registered as an *ops.Op", node.Attrs.Name, node.OpName())
	}
	if r.p.backwardIdentity && op.IsBackward && len(node.ControlDeps) > 0 {
		r.backwardIdentity(nid)
		return
	}

	in := make([]T, len(inode.Inputs))
	out := make([]T, node.NumOutputs())
	allKnown := true
	for ii, input := range inode.Inputs {
		in[ii] = r.values[r.idx.IndexedEntryID(input)]
		allKnown = allKnown && !r.p.isNone(in[ii])
	}
	for ii := range out {
		out[ii] = r.values[r.idx.EntryID(nid, uint32(ii))]
		allKnown = allKnown && !r.p.isNone(out[ii])
	}
	var mode stypes.DispatchMode
	devMask := stypes.CPUMask
	if r.p.dispatch {
		mode = r.modes[nid]
		devMask = r.devMasks[nid]
		allKnown = allKnown && mode != stypes.DispatchUndefined
	}
	if allKnown {
		return
	}

	fn := r.p.infer(op)
	if r.p.dynamic {
		var dynamicInput bool
		for _, input := range inode.Inputs {
			dynamicInput = dynamicInput || r.dynamic[r.idx.IndexedEntryID(input)]
		}
		if op.DynamicShape || dynamicInput {
			for ii := range out {
				if eid := r.idx.EntryID(nid, uint32(ii)); r.p.isNone(r.values[eid]) {
					r.dynamic[eid] = true
				}
			}
			return
		}
	}
	if fn == nil {
		fn = r.p.fallback
	}
	if fn == nil {
		// Nothing can be inferred: if unknowns remain, checkMissingInference will report it.
		return
	}

	ok, err := callInfer(fn, &node.Attrs, devMask, &mode, in, out)
	if err != nil {
		panic(errors.WithMessagef(err, "error in operator %s (%s)", node.Attrs.Name, op.Name))
	}
	if r.p.dispatch {
		if !ok {
			panic(nnerrors.Unsupportedf("operator not implemented for the storage types:\n%s",
				ops.OperatorStypeString(&node.Attrs, devMask, any(in).([]stypes.StorageType), any(out).([]stypes.StorageType))))
		}
		r.modes[nid] = mode
		if mode == stypes.DispatchFComputeFallback {
			logStorageFallback(&node.Attrs, devMask, any(in).([]stypes.StorageType), any(out).([]stypes.StorageType))
		}
	}
	for ii, input := range inode.Inputs {
		r.assign(r.idx.IndexedEntryID(input), in[ii], node)
	}
	for ii := range out {
		r.assign(r.idx.EntryID(nid, uint32(ii)), out[ii], node)
	}
}

// assign writes back an inferred value: a fully known value is never changed.
func (r *runner[T]) assign(eid uint32, value T, node *graph.Node) {
	previous := r.values[eid]
	if !r.p.isNone(previous) {
		if !r.p.equal(previous, value) {
			panic(nnerrors.Inconsistentf("operator %s (node %q) changed the known %s of entry #%d from %v to %v",
				node.OpName(), node.Attrs.Name, r.p.kind, eid, previous, value))
		}
		return
	}
	r.values[eid] = value
}

// callInfer calls the operator inference function, converting panics to errors.
func callInfer[T any](fn inferFn[T], attrs *graph.NodeAttrs, devMask int, mode *stypes.DispatchMode, in, out []T) (ok bool, err error) {
	exception := exceptions.Try(func() {
		ok, err = fn(attrs, devMask, mode, in, out)
	})
	if exception != nil {
		if e, isErr := exception.(error); isErr {
			err = e
		} else {
			err = errors.Errorf("%v", exception)
		}
		ok = false
	}
	return
}

// backwardIdentity copies attributes between a backward node and its forward node: the gradient of a forward
// input has the same attributes as the input, and the gradient flowing into a forward output has the same
// attributes as the output.
func (r *runner[T]) backwardIdentity(nid uint32) {
	inode := r.idx.Node(nid)
	info := r.backwardInfo(inode.Source)
	fnid, found := r.idx.NodeID(info.Forward)
	if !found {
		exceptions.Panicf("backward node %q: forward node %q is not part of the graph", inode.Source.Attrs.Name, info.Forward.Attrs.Name)
	}
	fnode := r.idx.Node(fnid)
	for outIdx, fwdInput := range info.OutputToForwardInput {
		if fwdInput < 0 || fwdInput >= len(fnode.Inputs) {
			continue
		}
		eid := r.idx.EntryID(nid, uint32(outIdx))
		fwdValue := r.values[r.idx.IndexedEntryID(fnode.Inputs[fwdInput])]
		if r.p.isNone(fwdValue) {
			continue
		}
		if r.p.isNone(r.values[eid]) {
			r.values[eid] = fwdValue
		} else if !r.p.equal(r.values[eid], fwdValue) {
			panic(nnerrors.Inconsistentf("backward %s inconsistent with the forward %s: output #%d of %q is %v, but input #%d of forward node %q is %v",
				r.p.kind, r.p.kind, outIdx, inode.Source.Attrs.Name, r.values[eid], fwdInput, fnode.Source.Attrs.Name, fwdValue))
		}
	}
	for inIdx, fwdOutput := range info.InputToForwardOutput {
		if fwdOutput < 0 || inIdx >= len(inode.Inputs) {
			continue
		}
		eid := r.idx.IndexedEntryID(inode.Inputs[inIdx])
		fwdValue := r.values[r.idx.EntryID(fnid, uint32(fwdOutput))]
		if r.p.isNone(r.values[eid]) && !r.p.isNone(fwdValue) {
			r.values[eid] = fwdValue
		}
	}
}

// backwardInfo returns the backward links of node, deriving them (once per run) if the node doesn't carry them:
// the forward node gradient function is called with placeholder output gradients, and the outputs and
// placeholders used by the node of the same operator are matched.
func (r *runner[T]) backwardInfo(node *graph.Node) *graph.BackwardInfo {
	if node.Backward != nil {
		return node.Backward
	}
	if info, found := r.derivedBackward[node]; found {
		return info
	}
	fwd := node.ControlDeps[0]
	fop := ops.OpOf(fwd)
	if fop == nil || fop.Gradient == nil {
		panic(nnerrors.Incompletef("backward node %q: forward node %q has no gradient function to link them", node.Attrs.Name, fwd.Attrs.Name))
	}
	placeholders := make([]graph.NodeEntry, fwd.NumOutputs())
	for ii := range placeholders {
		placeholders[ii] = graph.NodeEntry{Index: uint32(ii)}
	}
	igrads, err := fop.Gradient(fwd, placeholders)
	if err != nil {
		panic(errors.WithMessagef(err, "linking backward node %q to forward node %q", node.Attrs.Name, fwd.Attrs.Name))
	}
	info := graph.NewBackwardInfo(fwd, node.NumOutputs(), len(node.Inputs))
	var igradNode *graph.Node
	for fwdInput, igrad := range igrads {
		if igrad.Node == nil || igrad.Node.Attrs.Op != node.Attrs.Op || int(igrad.Index) >= len(info.OutputToForwardInput) {
			continue
		}
		info.OutputToForwardInput[igrad.Index] = fwdInput
		igradNode = igrad.Node
	}
	if igradNode != nil {
		for inIdx, input := range igradNode.Inputs {
			if input.Node == nil && inIdx < len(info.InputToForwardOutput) {
				info.InputToForwardOutput[inIdx] = int(input.Index)
			}
		}
	}
	r.derivedBackward[node] = info
	return info
}

// checkMissingInference reports operators that declare no inference function, after inference stopped with
// unknowns remaining in their entries.
func (r *runner[T]) checkMissingInference() {
	var err error
	for nid := r.nodeStart; nid < r.nodeEnd; nid++ {
		inode := r.idx.Node(nid)
		op := ops.OpOf(inode.Source)
		if op == nil || r.p.infer(op) != nil || r.p.fallback != nil || (r.p.dynamic && op.DynamicShape) ||
			(r.p.backwardIdentity && op.IsBackward && len(inode.Source.ControlDeps) > 0) {
			continue
		}
		var missing []string
		for ii, input := range inode.Inputs {
			if eid := r.idx.IndexedEntryID(input); r.p.isNone(r.values[eid]) && !r.isDynamic(eid) {
				missing = append(missing, fmt.Sprintf("input #%d", ii))
			}
		}
		for ii := range inode.Source.NumOutputs() {
			if eid := r.idx.EntryID(nid, uint32(ii)); r.p.isNone(r.values[eid]) && !r.isDynamic(eid) {
				missing = append(missing, fmt.Sprintf("output #%d", ii))
			}
		}
		if len(missing) > 0 {
			err = multierr.Append(err, nnerrors.Incompletef("operator %s (node %q) declares no %s inference function, and the %s of %v could not be inferred",
				op.Name, inode.Source.Attrs.Name, r.p.kind, r.p.kind, missing))
		}
	}
	if err != nil {
		panic(err)
	}
}

func (r *runner[T]) isDynamic(eid uint32) bool {
	return r.dynamic != nil && r.dynamic[eid]
}
