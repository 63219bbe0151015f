// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package opstest registers a small set of element-wise operators with float32/float64 kernels, used by
// the tests of the runtime packages.
//
// Importing the package registers the operators: identity, double, add, mul, square (with backward
// operator _backward_square), exp (with _backward_exp), cast_f16, and a few operators with
// missing capabilities: noinfer (no shape inference), unique (data-dependent output shape),
// nograd (no gradient) and dense_only (refuses non-dense storage).
package opstest

import (
	"context"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/pkg/core/graph"
	"github.com/gomlx/nnrt/pkg/core/ndarray"
	. "github.com/gomlx/nnrt/pkg/core/ops"
	"github.com/gomlx/nnrt/pkg/core/shapes"
	"github.com/gomlx/nnrt/pkg/core/stypes"
	"github.com/x448/float16"
)

func unary(fn func(x float64) float64) FCompute {
	return func(_ context.Context, _ *OpContext, _ *graph.NodeAttrs, inputs []*ndarray.NDArray, reqs []OpReqType, outputs []*ndarray.NDArray) error {
		return UnaryCompute(reqs[0], inputs[0], outputs[0], fn)
	}
}

func binary(fn func(x, y float64) float64) FCompute {
	return func(_ context.Context, _ *OpContext, _ *graph.NodeAttrs, inputs []*ndarray.NDArray, reqs []OpReqType, outputs []*ndarray.NDArray) error {
		return BinaryCompute(reqs[0], inputs[0], inputs[1], outputs[0], fn)
	}
}

// Entry returns the output 0 of a new node applying the named operator.
func Entry(opName, nodeName string, inputs ...graph.NodeEntry) graph.NodeEntry {
	return MustGet(opName).Apply(nodeName, nil, inputs...).Entry(0)
}

var (
	Identity = MustRegister(&Op{
		Name:        "identity",
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Gradient: func(_ *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			return []graph.NodeEntry{outGrads[0]}, nil
		},
		Compute: unary(func(x float64) float64 { return x }),
	})

	Double = MustRegister(&Op{
		Name:        "double",
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Gradient: func(node *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			return []graph.NodeEntry{Entry("double", node.Attrs.Name+"_grad", outGrads[0])}, nil
		},
		Compute: unary(func(x float64) float64 { return 2 * x }),
	})

	Add = MustRegister(&Op{
		Name:             "add",
		FixedInputs:      2,
		InferShape:       ElemwiseShape,
		InferType:        ElemwiseType,
		InferStorageType: ElemwiseStorageType,
		Gradient: func(_ *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			return []graph.NodeEntry{outGrads[0], outGrads[0]}, nil
		},
		Compute:   binary(func(x, y float64) float64 { return x + y }),
		ComputeEx: binary(func(x, y float64) float64 { return x + y }),
	})

	Mul = MustRegister(&Op{
		Name:        "mul",
		FixedInputs: 2,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Gradient: func(node *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			return []graph.NodeEntry{
				Entry("mul", node.Attrs.Name+"_grad_lhs", outGrads[0], node.Inputs[1]),
				Entry("mul", node.Attrs.Name+"_grad_rhs", outGrads[0], node.Inputs[0]),
			}, nil
		},
		Compute: binary(func(x, y float64) float64 { return x * y }),
	})

	Square = MustRegister(&Op{
		Name:        "square",
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Gradient: func(node *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			bwd := MakeGradNode(MustGet("_backward_square"), node, nil, outGrads[0], node.Inputs[0])
			return []graph.NodeEntry{bwd.Entry(0)}, nil
		},
		Compute: unary(func(x float64) float64 { return x * x }),
	})

	// BackwardSquare computes 2*x*g, for inputs (g, x).
	BackwardSquare = MustRegister(&Op{
		Name:        "_backward_square",
		FixedInputs: 2,
		IsBackward:  true,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Gradient: func(node *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			g, x := node.Inputs[0], node.Inputs[1]
			return []graph.NodeEntry{
				Entry("mul", node.Attrs.Name+"_grad_g", outGrads[0], Entry("double", node.Attrs.Name+"_2x", x)),
				Entry("mul", node.Attrs.Name+"_grad_x", outGrads[0], Entry("double", node.Attrs.Name+"_2g", g)),
			}, nil
		},
		Compute: binary(func(g, x float64) float64 { return 2 * x * g }),
	})

	Exp = MustRegister(&Op{
		Name:        "exp",
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Gradient: func(node *graph.Node, outGrads []graph.NodeEntry) ([]graph.NodeEntry, error) {
			bwd := MakeGradNode(MustGet("_backward_exp"), node, nil, outGrads[0], node.Entry(0))
			return []graph.NodeEntry{bwd.Entry(0)}, nil
		},
		Compute: unary(math.Exp),
	})

	// BackwardExp computes g*y, for inputs (g, y=exp(x)).
	BackwardExp = MustRegister(&Op{
		Name:        "_backward_exp",
		FixedInputs: 2,
		IsBackward:  true,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Compute:     binary(func(g, y float64) float64 { return g * y }),
	})

	// CastF16 converts float32 to float16.
	CastF16 = MustRegister(&Op{
		Name:        "cast_f16",
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType: func(_ *graph.NodeAttrs, inTypes, outTypes []dtypes.DType) (bool, error) {
			if inTypes[0] == dtypes.InvalidDType {
				inTypes[0] = dtypes.Float32
			}
			outTypes[0] = dtypes.Float16
			return true, nil
		},
		Compute: func(_ context.Context, _ *OpContext, _ *graph.NodeAttrs, inputs []*ndarray.NDArray, reqs []OpReqType, outputs []*ndarray.NDArray) error {
			if reqs[0] == NullOp {
				return nil
			}
			in, out := inputs[0].Float32s(), outputs[0].Float16s()
			for ii, v := range in {
				if reqs[0] == AddTo {
					out[ii] = float16.Fromfloat32(out[ii].Float32() + v)
				} else {
					out[ii] = float16.Fromfloat32(v)
				}
			}
			return nil
		},
	})

	// NoInfer has no shape inference function.
	NoInfer = MustRegister(&Op{
		Name:        "noinfer",
		FixedInputs: 1,
		Compute:     unary(func(x float64) float64 { return x }),
	})

	// Unique has a data-dependent output shape.
	Unique = MustRegister(&Op{
		Name:         "unique",
		FixedInputs:  1,
		DynamicShape: true,
		InferType:    ElemwiseType,
	})

	// NoGrad has no gradient.
	NoGrad = MustRegister(&Op{
		Name:        "nograd",
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		Compute:     unary(func(x float64) float64 { return -x }),
	})

	// DenseOnly refuses any non-dense input.
	DenseOnly = MustRegister(&Op{
		Name:        "dense_only",
		FixedInputs: 1,
		InferShape:  ElemwiseShape,
		InferType:   ElemwiseType,
		InferStorageType: func(_ *graph.NodeAttrs, _ int, mode *stypes.DispatchMode, inTypes, outTypes []stypes.StorageType) (bool, error) {
			if inTypes[0] != stypes.StorageDefault && inTypes[0] != stypes.StorageUndefined {
				return false, nil
			}
			inTypes[0] = stypes.StorageDefault
			outTypes[0] = stypes.StorageDefault
			DispatchModeAssign(mode, stypes.DispatchFCompute)
			return true, nil
		},
		Compute: unary(func(x float64) float64 { return x }),
	})
)

// Var returns a variable node entry.
func Var(name string) graph.NodeEntry {
	return graph.Variable(name).Entry(0)
}

// Shapes is a shortcut to build a list of shapes.
func Shapes(list ...shapes.Shape) []shapes.Shape { return list }
