// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops defines the operator descriptor (Op) and the process-wide operator registry.
//
// An Op declares optional capabilities: shape, dtype and storage-type inference functions, a gradient
// constructor, compute kernels (dense and storage specialized) and a state constructor for stateful operators.
// The runtime only calls through these functions; concrete math kernels are provided by whoever registers
// the operators (see package opstest for the ones used in tests).
package ops

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/pkg/errors"
)

// OpReqType is the write request for an operator output.
type OpReqType int

const (
	// NullOp means the output is not needed and must not be written.
	NullOp OpReqType = iota

	// WriteTo overwrites the output buffer.
	WriteTo

	// WriteInplace overwrites the output buffer, which may be shared with an input.
	WriteInplace

	// AddTo accumulates into the output buffer.
	AddTo
)

// String implements fmt.Stringer.
func (r OpReqType) String() string {
	switch r {
	case NullOp:
		return "null"
	case WriteTo:
		return "write"
	case WriteInplace:
		return "inplace"
	case AddTo:
		return "add"
	}
	return fmt.Sprintf("OpReqType(%d)", int(r))
}

// State is the opaque resumable state of a stateful operator invocation, shared by the forward
// and the backward computation.
type State struct {
	Value any
}

// OpContext holds the execution context passed to compute functions.
type OpContext struct {
	IsTrain bool

	// NeedGrad is true if the operation is being recorded for differentiation.
	NeedGrad bool

	// RetainGraph is set during backward runs whose recorded graph is kept for further backward calls.
	RetainGraph bool

	Device stypes.Device

	// State of stateful operators, nil otherwise.
	State *State
}

type (
	// FInferShape infers (and may refine) input and output shapes. It returns whether all of them are known.
	FInferShape func(attrs *graph.NodeAttrs, inShapes, outShapes []shapes.Shape) (bool, error)

	// FInferType infers input and output dtypes. It returns whether all of them are known.
	FInferType func(attrs *graph.NodeAttrs, inTypes, outTypes []dtypes.DType) (bool, error)

	// FInferStorageType infers input and output storage types and the dispatch mode, given the device mask.
	// It returns false if it cannot support the combination.
	FInferStorageType func(attrs *graph.NodeAttrs, devMask int, mode *stypes.DispatchMode,
		inTypes, outTypes []stypes.StorageType) (bool, error)

	// FGradient builds the nodes that compute the gradient of node's inputs, given the gradients of node's
	// outputs. It returns one entry per input of node.
	FGradient func(node *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error)

	// FCompute is a compute kernel: it reads inputs and writes outputs according to reqs.
	// Outputs whose request is NullOp may be nil.
	FCompute func(ctx context.Context, octx *OpContext, attrs *graph.NodeAttrs,
		inputs []*ndarray.NDArray, reqs []OpReqType, outputs []*ndarray.NDArray) error

	// FCreateState creates the state of a stateful operator.
	FCreateState func(attrs *graph.NodeAttrs, device stypes.Device, inShapes []shapes.Shape,
		inTypes []dtypes.DType) (*State, error)

	// FBackwardDeps explicitly declares which inputs and outputs the gradient needs. Operators without it have
	// the dependencies discovered from their gradient function.
	FBackwardDeps func(attrs *graph.NodeAttrs, numInputs, numOutputs int) (saveInputs, saveOutputs []bool)
)

// Op describes an operator and its capabilities. Only Name is required.
type Op struct {
	Name string

	// FixedInputs and FixedOutputs are the number of inputs and outputs, used if NumInputs/NumOutputs are nil.
	// FixedOutputs == 0 is taken as 1.
	FixedInputs, FixedOutputs int

	// NumInputs and NumOutputs are used for attribute dependent counts.
	NumInputs, NumOutputs func(attrs *graph.NodeAttrs) int

	InferShape       FInferShape
	InferType        FInferType
	InferStorageType FInferStorageType

	// DynamicShape marks operators whose output shapes depend on the data: they have no shape inference,
	// and their outputs are flagged as dynamic.
	DynamicShape bool

	Gradient     FGradient
	BackwardDeps FBackwardDeps

	// IsBackward marks operators created by gradient functions, whose attributes can be copied from
	// the forward node they differentiate.
	IsBackward bool

	// UsesForwardState marks backward operators that run with the state of their forward node (the first control
	// dependency), instead of creating their own.
	UsesForwardState bool

	Compute      FCompute
	ComputeEx    FCompute
	CreateState  FCreateState
	MutateInputs []int
}

// Compile-time check.
var _ graph.Operator = (*Op)(nil)

// OpName implements graph.Operator.
func (op *Op) OpName() string { return op.Name }

// InputCount implements graph.Operator.
func (op *Op) InputCount(attrs *graph.NodeAttrs) int {
	if op.NumInputs != nil {
		return op.NumInputs(attrs)
	}
	return op.FixedInputs
}

// OutputCount implements graph.Operator.
func (op *Op) OutputCount(attrs *graph.NodeAttrs) int {
	if op.NumOutputs != nil {
		return op.NumOutputs(attrs)
	}
	if op.FixedOutputs == 0 {
		return 1
	}
	return op.FixedOutputs
}

// MutateInputIndices implements graph.MutateInputsProvider.
func (op *Op) MutateInputIndices(*graph.NodeAttrs) []int { return op.MutateInputs }

// String implements fmt.Stringer.
func (op *Op) String() string { return op.Name }

// Apply creates a node applying the op to the inputs.
func (op *Op) Apply(name string, dict map[string]string, inputs ...graph.NodeEntry) *graph.Node {
	return graph.NewNode(op, name, dict, inputs...)
}

// OpOf returns the Op of a node, or nil for variables and nodes of foreign operators.
func OpOf(node *graph.Node) *Op {
	if node == nil || node.Attrs.Op == nil {
		return nil
	}
	op, _ := node.Attrs.Op.(*Op)
	return op
}

// NumArgsFromAttrs returns an input count function reading the "num_args" attribute.
func NumArgsFromAttrs(attrs *graph.NodeAttrs) int {
	n, err := strconv.Atoi(attrs.Dict["num_args"])
	if err != nil {
		return 0
	}
	return n
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Op)
)

// Register adds the op to the registry. Registering a duplicate name is an error.
func Register(op *Op) error {
	if op == nil || op.Name == "" {
		return errors.New("ops.Register: op must have a name")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := registry[op.Name]; found {
		return errors.Errorf("ops.Register: operator %q already registered", op.Name)
	}
	registry[op.Name] = op
	return nil
}

// MustRegister registers the op and panics on error. Intended for init functions.
func MustRegister(op *Op) *Op {
	if err := Register(op); err != nil {
		panic(err)
	}
	return op
}

// Get returns the registered op with the given name.
func Get(name string) (*Op, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	op, found := registry[name]
	if !found {
		return nil, errors.Errorf("operator %q not registered", name)
	}
	return op, nil
}

// MustGet returns the registered op with the given name, and panics if it is not registered.
func MustGet(name string) *Op {
	op, err := Get(name)
	if err != nil {
		panic(err)
	}
	return op
}

// Lookup implements graph.OperatorLookup using the registry.
func Lookup(name string) (graph.Operator, error) {
	op, err := Get(name)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Registered returns the sorted names of all registered operators.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
