// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"context"
	"strconv"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	"github.com/gomlx/nnrt/pkg/core/nnerrors"
	"golang.org/x/exp/constraints"
)

// Names of the structural operators used by gradient construction.
const (
	AddNName      = "add_n"
	ZerosLikeName = "zeros_like"
	OnesLikeName  = "ones_like"
	CopyName      = "_copy"
)

var (
	// AddN sums its "num_args" inputs. It aggregates gradients flowing into the same entry.
	AddN = MustRegister(&Op{
		Name:       AddNName,
		NumInputs:  NumArgsFromAttrs,
		InferShape: ElemwiseShape,
		InferType:  ElemwiseType,
		Gradient: func(node *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			grads := make([]graph.NodeEntry, len(node.Inputs))
			for ii := range grads {
				grads[ii] = outGrads[0]
			}
			return grads, nil
		},
		Compute: addNCompute,
	})

	// ZerosLike returns zeros with the shape and dtype of its input.
	ZerosLike = MustRegister(&Op{
		Name:        ZerosLikeName,
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Gradient:    zeroGradients,
		Compute: func(_ context.Context, _ *OpContext, _ *graph.NodeAttrs, _ []*ndarray.NDArray, reqs []OpReqType, outputs []*ndarray.NDArray) error {
			return fillCompute(reqs[0], outputs[0], 0)
		},
	})

	// OnesLike returns ones with the shape and dtype of its input: it is the default head gradient.
	OnesLike = MustRegister(&Op{
		Name:        OnesLikeName,
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Gradient:    zeroGradients,
		Compute: func(_ context.Context, _ *OpContext, _ *graph.NodeAttrs, _ []*ndarray.NDArray, reqs []OpReqType, outputs []*ndarray.NDArray) error {
			return fillCompute(reqs[0], outputs[0], 1)
		},
	})

	// Copy is the identity, used to give a gradient output its own buffer.
	Copy = MustRegister(&Op{
		Name:        CopyName,
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Gradient: func(_ *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			return []graph.NodeEntry{outGrads[0]}, nil
		},
		Compute: func(_ context.Context, _ *OpContext, _ *graph.NodeAttrs, inputs []*ndarray.NDArray, reqs []OpReqType, outputs []*ndarray.NDArray) error {
			return UnaryCompute(reqs[0], inputs[0], outputs[0], func(x float64) float64 { return x })
		},
	})
)

// zeroGradients is the gradient of operators whose outputs don't depend on the input values.
// It looks up zeros_like by name, since it is itself part of zeros_like definition.
func zeroGradients(node *graph.Node, _ []graph.NodeEntry) ([]graph.NodeEntry, error) {
	zerosLike := MustGet(ZerosLikeName)
	grads := make([]graph.NodeEntry, len(node.Inputs))
	for ii, input := range node.Inputs {
		grads[ii] = zerosLike.Apply(node.Attrs.Name+"_zero_grad"+strconv.Itoa(ii), nil, input).Entry(0)
	}
	return grads, nil
}

// MakeGradNode creates a backward node for the forward node fwd: it has fwd as its first control dependency.
func MakeGradNode(op *Op, fwd *graph.Node, dict map[string]string, inputs ...graph.NodeEntry) *graph.Node {
	node := op.Apply(fwd.Attrs.Name+"_backward", dict, inputs...)
	node.ControlDeps = append(node.ControlDeps, fwd)
	return node
}

// AssignReq writes value to out[i] according to the write request.
func AssignReq[T constraints.Integer | constraints.Float](req OpReqType, out []T, i int, value T) {
	switch req {
	case WriteTo, WriteInplace:
		out[i] = value
	case AddTo:
		out[i] += value
	}
}

func unaryFlat[T constraints.Float](req OpReqType, input, output *ndarray.NDArray, fn func(x float64) float64) {
	in, out := ndarray.Flat[T](input), ndarray.Flat[T](output)
	for ii := range out {
		AssignReq(req, out, ii, T(fn(float64(in[ii]))))
	}
}

// UnaryCompute runs fn element-wise for float32 and float64 arrays, honoring the write request.
func UnaryCompute(req OpReqType, input, output *ndarray.NDArray, fn func(x float64) float64) error {
	if req == NullOp {
		return nil
	}
	switch output.DType() {
	case dtypes.Float32:
		unaryFlat[float32](req, input, output, fn)
	case dtypes.Float64:
		unaryFlat[float64](req, input, output, fn)
	default:
		return nnerrors.Unsupportedf("element-wise kernel not implemented for dtype %s", output.DType())
	}
	return nil
}

func binaryFlat[T constraints.Float](req OpReqType, lhs, rhs, output *ndarray.NDArray, fn func(x, y float64) float64) {
	x, y, out := ndarray.Flat[T](lhs), ndarray.Flat[T](rhs), ndarray.Flat[T](output)
	for ii := range out {
		AssignReq(req, out, ii, T(fn(float64(x[ii]), float64(y[ii]))))
	}
}

// BinaryCompute runs fn element-wise for float32 and float64 arrays of the same shape, honoring the write request.
func BinaryCompute(req OpReqType, lhs, rhs, output *ndarray.NDArray, fn func(x, y float64) float64) error {
	if req == NullOp {
		return nil
	}
	switch output.DType() {
	case dtypes.Float32:
		binaryFlat[float32](req, lhs, rhs, output, fn)
	case dtypes.Float64:
		binaryFlat[float64](req, lhs, rhs, output, fn)
	default:
		return nnerrors.Unsupportedf("element-wise kernel not implemented for dtype %s", output.DType())
	}
	return nil
}

func fillCompute(req OpReqType, output *ndarray.NDArray, value float64) error {
	return UnaryCompute(req, output, output, func(float64) float64 { return value })
}

func addNFlat[T constraints.Float](req OpReqType, inputs []*ndarray.NDArray, output *ndarray.NDArray) {
	flats := make([][]T, len(inputs))
	for ii, input := range inputs {
		flats[ii] = ndarray.Flat[T](input)
	}
	out := ndarray.Flat[T](output)
	for ii := range out {
		var sum T
		for _, flat := range flats {
			sum += flat[ii]
		}
		AssignReq(req, out, ii, sum)
	}
}

func addNCompute(_ context.Context, _ *OpContext, _ *graph.NodeAttrs, inputs []*ndarray.NDArray, reqs []OpReqType, outputs []*ndarray.NDArray) error {
	if reqs[0] == NullOp {
		return nil
	}
	switch outputs[0].DType() {
	case dtypes.Float32:
		addNFlat[float32](reqs[0], inputs, outputs[0])
	case dtypes.Float64:
		addNFlat[float64](reqs[0], inputs, outputs[0])
	default:
		return nnerrors.Unsupportedf("add_n not implemented for dtype %s", outputs[0].DType())
	}
	return nil
}
